package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemokit/mnemo/pkg/agent"
	"github.com/mnemokit/mnemo/pkg/commandqueue"
	"github.com/mnemokit/mnemo/pkg/session"
)

// stubProvider answers every call without touching the network.
type stubProvider struct{}

func (stubProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	return &agent.LLMResponse{
		Content: "stub reply to: " + req.Messages[len(req.Messages)-1].Content,
		Usage:   &agent.TokenUsage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

func (stubProvider) Provider() string { return "anthropic" }

type stubCreator struct{}

func (stubCreator) NewProvider(profile agent.AuthProfile) (agent.LLMProvider, error) {
	return stubProvider{}, nil
}

// newTestServer builds a server over the given store (nil disables
// session memory) and serves /ws and /rpc from an httptest listener.
func newTestServer(t *testing.T, store session.Store) (*Server, *httptest.Server, func()) {
	t.Helper()

	queue := commandqueue.New()

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Store:           store,
		Queue:           queue,
		Logger:          zerolog.Nop(),
		ProviderFactory: stubCreator{},
		AuthProfiles: []agent.AuthProfile{
			{ID: "test", Provider: "anthropic", APIKey: "k", Priority: 1},
		},
	})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Port:         18080,
		SharedSecret: "test-secret",
		Queue:        queue,
		Runner:       runner,
		Store:        store,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	srv.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWebSocket)
	mux.HandleFunc("/rpc", srv.handleRPC)
	ts := httptest.NewServer(mux)

	cleanup := func() {
		ts.Close()
		queue.Close()
	}

	return srv, ts, cleanup
}

func rpcCall(t *testing.T, ts *httptest.Server, secret string, req RPCRequest) RPCResponse {
	t.Helper()

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("X-Mnemo-Secret", secret)

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	return rpcResp
}

func dialAuthenticatedWS(t *testing.T, ts *httptest.Server, secret string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, secret),
	}))

	var result AuthResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	return conn
}

func TestNewServer(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Queue:           queue,
		Logger:          zerolog.Nop(),
		ProviderFactory: stubCreator{},
		AuthProfiles:    []agent.AuthProfile{{ID: "t", Provider: "anthropic", APIKey: "k", Priority: 1}},
	})
	require.NoError(t, err)

	t.Run("should create server with valid config", func(t *testing.T) {
		srv, err := NewServer(Config{
			Port:         18080,
			SharedSecret: "secret",
			Queue:        queue,
			Runner:       runner,
			Logger:       zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.True(t, srv.router.HasMethod("sessions.list"))
		assert.True(t, srv.router.HasMethod("run"))
		assert.True(t, srv.router.HasMethod("status"))
	})

	t.Run("should reject invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: 0, SharedSecret: "secret", Queue: queue, Runner: runner})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid port")
	})

	t.Run("should reject missing secret", func(t *testing.T) {
		_, err := NewServer(Config{Port: 18080, Queue: queue, Runner: runner})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "shared secret")
	})

	t.Run("should reject missing queue", func(t *testing.T) {
		_, err := NewServer(Config{Port: 18080, SharedSecret: "secret", Runner: runner})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "command queue")
	})

	t.Run("should reject missing runner", func(t *testing.T) {
		_, err := NewServer(Config{Port: 18080, SharedSecret: "secret", Queue: queue})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "runner")
	})

	t.Run("should allow nil store", func(t *testing.T) {
		srv, err := NewServer(Config{
			Port:         18080,
			SharedSecret: "secret",
			Queue:        queue,
			Runner:       runner,
			Logger:       zerolog.Nop(),
		})
		require.NoError(t, err)
		assert.Nil(t, srv.store)
	})
}

func TestServer_RPCSessionsFlow(t *testing.T) {
	store := session.NewMemoryStore()
	_, ts, cleanup := newTestServer(t, store)
	defer cleanup()

	resp := rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "1",
		Method: "sessions.append",
		Params: map[string]interface{}{
			"sessionId": "sess_rpc",
			"items": []interface{}{
				map[string]interface{}{"role": "user", "content": "hello"},
				map[string]interface{}{"role": "assistant", "content": "hi"},
			},
		},
	})
	require.Nil(t, resp.Error)

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "2",
		Method: "sessions.load",
		Params: map[string]interface{}{"sessionId": "sess_rpc"},
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, float64(2), result["count"])

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "3",
		Method: "sessions.exists",
		Params: map[string]interface{}{"sessionId": "sess_rpc"},
	})
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["exists"])

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "4",
		Method: "sessions.list",
	})
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, float64(1), result["count"])
	assert.Contains(t, result["sessions"], "sess_rpc")

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "5",
		Method: "sessions.clear",
		Params: map[string]interface{}{"sessionId": "sess_rpc"},
	})
	require.Nil(t, resp.Error)

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "6",
		Method: "sessions.exists",
		Params: map[string]interface{}{"sessionId": "sess_rpc"},
	})
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, false, result["exists"])
}

func TestServer_RPCRunPersistsTurn(t *testing.T) {
	store := session.NewMemoryStore()
	_, ts, cleanup := newTestServer(t, store)
	defer cleanup()

	resp := rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "1",
		Method: "run",
		Params: map[string]interface{}{
			"prompt":    "Hello",
			"sessionId": "sess_run",
		},
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Contains(t, result["output"], "stub reply")
	assert.Equal(t, float64(2), result["newItems"])

	items, err := store.Load(context.Background(), "sess_run")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestServer_RPCRejectsBadSecret(t *testing.T) {
	_, ts, cleanup := newTestServer(t, session.NewMemoryStore())
	defer cleanup()

	body, err := json.Marshal(RPCRequest{ID: "1", Method: "status", JSONRPC: "2.0"})
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("X-Mnemo-Secret", "wrong")

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RPCMalformedRequest(t *testing.T) {
	_, ts, cleanup := newTestServer(t, session.NewMemoryStore())
	defer cleanup()

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", strings.NewReader("{bad"))
	require.NoError(t, err)
	httpReq.Header.Set("X-Mnemo-Secret", "test-secret")

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rpcResp RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, ParseError, rpcResp.Error.Code)
}

func TestServer_SessionsDisabledWithoutStore(t *testing.T) {
	_, ts, cleanup := newTestServer(t, nil)
	defer cleanup()

	resp := rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "1",
		Method: "sessions.list",
	})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "session memory is disabled")
}

func TestServer_WebSocketFlow(t *testing.T) {
	store := session.NewMemoryStore()
	_, ts, cleanup := newTestServer(t, store)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, "auth.challenge", challenge.Event)
	require.NotEmpty(t, challenge.Challenge)

	// Requests before auth are refused
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "status", JSONRPC: "2.0"}))
	var refusal RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&refusal))
	require.NotNil(t, refusal.Error)
	assert.Equal(t, AuthenticationRequired, refusal.Error.Code)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, "test-secret"),
	}))
	var authResult AuthResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&authResult))
	assert.True(t, authResult.Success)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "2", Method: "status", JSONRPC: "2.0"}))
	var statusResp RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&statusResp))
	require.Nil(t, statusResp.Error)

	result := statusResp.Result.(map[string]interface{})
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, true, result["sessionMemory"])
}

func TestServer_WebSocketRejectsBadSignature(t *testing.T) {
	_, ts, cleanup := newTestServer(t, session.NewMemoryStore())
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: "not-a-signature",
	}))

	var result AuthResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "auth.failure", result.Event)
}

func TestServer_BroadcastsSessionEvents(t *testing.T) {
	store := session.NewMemoryStore()
	_, ts, cleanup := newTestServer(t, store)
	defer cleanup()

	conn := dialAuthenticatedWS(t, ts, "test-secret")
	defer conn.Close()

	resp := rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "1",
		Method: "sessions.append",
		Params: map[string]interface{}{
			"sessionId": "sess_ws",
			"items": []interface{}{
				map[string]interface{}{"role": "user", "content": "hello"},
			},
		},
	})
	require.Nil(t, resp.Error)

	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, "session.updated", event.Event)
	assert.Equal(t, StreamTypeSession, event.Stream)
	assert.Equal(t, "sess_ws", event.SessionID)
	assert.NotZero(t, event.Seq)

	resp = rpcCall(t, ts, "test-secret", RPCRequest{
		ID:     "2",
		Method: "sessions.clear",
		Params: map[string]interface{}{"sessionId": "sess_ws"},
	})
	require.Nil(t, resp.Error)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "session.cleared", event.Event)
}
