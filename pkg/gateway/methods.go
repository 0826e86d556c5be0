package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
	"github.com/mnemokit/mnemo/pkg/agent"
	"github.com/mnemokit/mnemo/pkg/session"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("status", s.handleStatus)
	_ = s.RegisterMethod("run", s.handleRun)
	_ = s.RegisterMethod("run.abort", s.handleRunAbort)
	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.load", s.handleSessionsLoad)
	_ = s.RegisterMethod("sessions.append", s.handleSessionsAppend)
	_ = s.RegisterMethod("sessions.save", s.handleSessionsSave)
	_ = s.RegisterMethod("sessions.clear", s.handleSessionsClear)
	_ = s.RegisterMethod("sessions.exists", s.handleSessionsExists)
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s parameter is required and must be a string", key)
	}
	return value, nil
}

// itemsParam converts the items parameter into store items. Elements
// re-encode through the item constructor, so anything JSON survives.
func itemsParam(params map[string]interface{}) ([]session.Item, error) {
	raw, ok := params["items"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("items parameter is required and must be an array")
	}

	items := make([]session.Item, 0, len(raw))
	for i, v := range raw {
		item, err := session.NewItem(v)
		if err != nil {
			return nil, fmt.Errorf("items[%d] is not encodable: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// sessionStore returns the store, or an error when session memory is off.
func (s *Server) sessionStore() (session.Store, error) {
	if s.store == nil {
		return nil, fmt.Errorf("session memory is disabled")
	}
	return s.store, nil
}

// handleStatus handles the status RPC method
func (s *Server) handleStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":        "ok",
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"clients":       s.clients.Count(),
		"sessionMemory": s.store != nil,
		"queues":        s.queue.GetStats(),
	}, nil
}

// handleRun handles the run RPC method: one conversational turn.
func (s *Server) handleRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	prompt, err := stringParam(params, "prompt")
	if err != nil {
		return nil, err
	}

	sessionID := ""
	if v, ok := params["sessionId"].(string); ok {
		sessionID = v
	}

	// Request overrides layer over the server's configured defaults.
	config := s.defaults
	if configMap, ok := params["config"].(map[string]interface{}); ok {
		if model, ok := configMap["model"].(string); ok {
			config.Model = model
		}
		if temp, ok := configMap["temperature"].(float64); ok {
			config.Temperature = temp
		}
		if maxTokens, ok := configMap["maxTokens"].(float64); ok {
			config.MaxTokens = int(maxTokens)
		}
		if systemPrompt, ok := configMap["systemPrompt"].(string); ok {
			config.SystemPrompt = systemPrompt
		}
		if maxRetries, ok := configMap["maxRetries"].(float64); ok {
			config.MaxRetries = int(maxRetries)
		}
	}

	requestID := ""
	if v, ok := params["requestId"].(string); ok {
		requestID = v
	}

	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithSessionID(ctx, sessionID)

	result, err := s.runner.Run(ctx, agent.RunParams{
		Prompt:    prompt,
		SessionID: sessionID,
		Config:    config,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("turn failed: %w", err)
	}

	observability.RecordGatewayAudit(ctx, "run", clientIDFromContext(ctx), "ok", map[string]interface{}{
		"sessionId": sessionID,
		"aborted":   result.Aborted,
	})
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     "run.done",
		Stream:    StreamTypeRun,
		SessionID: sessionID,
		TraceID:   tracing.GetTraceID(ctx),
		Data: map[string]interface{}{
			"aborted":  result.Aborted,
			"newItems": len(result.NewItems),
		},
	})

	return map[string]interface{}{
		"sessionId": result.SessionID,
		"output":    result.FinalOutput,
		"usage":     result.Usage,
		"aborted":   result.Aborted,
		"newItems":  len(result.NewItems),
	}, nil
}

// handleRunAbort handles the run.abort RPC method
func (s *Server) handleRunAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	if err := s.runner.Abort(sessionID); err != nil {
		return nil, fmt.Errorf("failed to abort run: %w", err)
	}

	return map[string]interface{}{
		"success": true,
	}, nil
}

// handleSessionsList handles the sessions.list RPC method
func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	ids, err := store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	}, nil
}

// handleSessionsLoad handles the sessions.load RPC method
func (s *Server) handleSessionsLoad(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	items, err := store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return map[string]interface{}{
		"sessionId": sessionID,
		"items":     items,
		"count":     len(items),
	}, nil
}

// handleSessionsAppend handles the sessions.append RPC method
func (s *Server) handleSessionsAppend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	items, err := itemsParam(params)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	if err := store.Append(ctx, sessionID, items); err != nil {
		return nil, fmt.Errorf("failed to append items: %w", err)
	}

	observability.RecordSessionAudit(ctx, "append", sessionID, "ok", map[string]interface{}{
		"count": len(items),
	})
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     "session.updated",
		Stream:    StreamTypeSession,
		SessionID: sessionID,
		TraceID:   tracing.GetTraceID(ctx),
		Data: map[string]interface{}{
			"appended": len(items),
		},
	})

	return map[string]interface{}{
		"success": true,
		"count":   len(items),
	}, nil
}

// handleSessionsSave handles the sessions.save RPC method
func (s *Server) handleSessionsSave(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	items, err := itemsParam(params)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	if err := store.Save(ctx, sessionID, items); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	// Saving nothing removes the session.
	event := "session.updated"
	if len(items) == 0 {
		event = "session.cleared"
	}

	observability.RecordSessionAudit(ctx, "save", sessionID, "ok", map[string]interface{}{
		"count": len(items),
	})
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     event,
		Stream:    StreamTypeSession,
		SessionID: sessionID,
		TraceID:   tracing.GetTraceID(ctx),
		Data: map[string]interface{}{
			"count": len(items),
		},
	})

	return map[string]interface{}{
		"success": true,
		"count":   len(items),
	}, nil
}

// handleSessionsClear handles the sessions.clear RPC method
func (s *Server) handleSessionsClear(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	if err := store.Clear(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}

	observability.RecordSessionAudit(ctx, "clear", sessionID, "ok", nil)
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     "session.cleared",
		Stream:    StreamTypeSession,
		SessionID: sessionID,
		TraceID:   tracing.GetTraceID(ctx),
		Data:      map[string]interface{}{},
	})

	return map[string]interface{}{
		"success": true,
	}, nil
}

// handleSessionsExists handles the sessions.exists RPC method
func (s *Server) handleSessionsExists(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	store, err := s.sessionStore()
	if err != nil {
		return nil, err
	}

	sessionID, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	exists, err := store.Exists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	return map[string]interface{}{
		"sessionId": sessionID,
		"exists":    exists,
	}, nil
}
