package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
	"github.com/mnemokit/mnemo/pkg/commandqueue"
	"github.com/mnemokit/mnemo/pkg/session"
)

// Runner executes conversational turns. When a history store is
// configured, each turn loads the session's history, sends it ahead of the
// new prompt, and persists the turn's items in one append after the model
// replies; without a store every turn is stateless.
type Runner struct {
	store           session.Store // nil when session memory is off
	queue           *commandqueue.Queue
	logger          zerolog.Logger
	providerFactory ProviderCreator

	authProfiles []AuthProfile
	authMu       sync.RWMutex

	// Active runs, keyed by session, for abort.
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// RunnerConfig wires a Runner's collaborators.
type RunnerConfig struct {
	Store           session.Store
	Queue           *commandqueue.Queue
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
}

// NewRunner creates a runner. The store is optional; the queue and at
// least one auth profile are not.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	return &Runner{
		store:           cfg.Store,
		queue:           cfg.Queue,
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		authProfiles:    cfg.AuthProfiles,
		activeRuns:      make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one turn. Turns for the same session run strictly one at a
// time, in arrival order; turns for different sessions run concurrently.
func (r *Runner) Run(ctx context.Context, params RunParams) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionID(ctx, params.SessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.agent",
		"agent.run",
		attribute.String("session_id", params.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.validateConfig(params.Config); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, fmt.Errorf("invalid configuration: %w", err)
	}

	// One lane per session serializes same-session turns.
	lane := commandqueue.MainLane
	if params.SessionID != "" {
		lane = fmt.Sprintf("session-%s", params.SessionID)
	}

	result, err := r.queue.EnqueueIdempotent(ctx, lane, params.RequestID, func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, params)
	}, nil)

	if err != nil {
		logger.Error().Err(err).Msg("Turn failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}

	return result.(RunResult), nil
}

// Abort cancels the session's running turn, if any.
func (r *Runner) Abort(sessionID string) error {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return nil
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting turn")
	cancel()
	delete(r.activeRuns, sessionID)

	return nil
}

// IsRunning reports whether the session has a turn in flight.
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[sessionID]
	return exists
}

// executeTurn performs one turn on the session's lane.
func (r *Runner) executeTurn(ctx context.Context, params RunParams) (RunResult, error) {
	ctx = tracing.WithSessionID(ctx, params.SessionID)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if params.SessionID != "" {
		r.runsMu.Lock()
		r.activeRuns[params.SessionID] = cancel
		r.runsMu.Unlock()

		defer func() {
			r.runsMu.Lock()
			delete(r.activeRuns, params.SessionID)
			r.runsMu.Unlock()
		}()
	}

	select {
	case <-execCtx.Done():
		return RunResult{SessionID: params.SessionID, Aborted: true}, nil
	default:
	}

	// Prior history primes the prompt. Load degrades to empty on damage,
	// so a turn can always proceed.
	var history []session.Item
	if r.remembers(params.SessionID) {
		var err error
		history, err = r.store.Load(execCtx, params.SessionID)
		if err != nil {
			return RunResult{}, fmt.Errorf("failed to load session history: %w", err)
		}
	}

	messages := r.buildMessages(history, params)

	response, err := r.executeWithFailover(execCtx, messages, params)
	if err != nil {
		return RunResult{}, err
	}

	var usage *TokenUsage
	if response.Usage != nil {
		usage = response.Usage
	}

	// The turn's items persist in one append, after the model replies. A
	// turn that fails before this point leaves no trace in the history.
	var newItems []session.Item
	if r.remembers(params.SessionID) {
		newItems, err = turnItems(params, response)
		if err != nil {
			return RunResult{}, err
		}
		if err := r.store.Append(execCtx, params.SessionID, newItems); err != nil {
			logger.Error().Err(err).Msg("Failed to persist turn")
			return RunResult{}, fmt.Errorf("failed to persist turn: %w", err)
		}
	}

	return RunResult{
		SessionID:   params.SessionID,
		FinalOutput: response.Content,
		NewItems:    newItems,
		Usage:       usage,
	}, nil
}

// remembers reports whether this run reads and writes session history.
func (r *Runner) remembers(sessionID string) bool {
	return r.store != nil && sessionID != ""
}

// turnItems builds the history items one completed turn produces.
func turnItems(params RunParams, response *LLMResponse) ([]session.Item, error) {
	userItem, err := messageItem(Message{
		Role:    "user",
		Content: params.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode user item: %w", err)
	}

	assistantItem, err := messageItem(Message{
		Role:    "assistant",
		Content: response.Content,
		Metadata: map[string]interface{}{
			"model": params.Config.Model,
			"usage": response.Usage,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode assistant item: %w", err)
	}

	return []session.Item{userItem, assistantItem}, nil
}

// validateConfig rejects turn configurations the providers cannot serve.
func (r *Runner) validateConfig(config Config) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// buildMessages assembles the model input: system prompt, prior history,
// then the new prompt. History items in a foreign schema are skipped here
// but stay untouched in the store.
func (r *Runner) buildMessages(history []session.Item, params RunParams) []Message {
	messages := []Message{}

	systemPrompt := params.Config.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}
	messages = append(messages, Message{
		Role:    "system",
		Content: systemPrompt,
	})

	skipped := 0
	for _, item := range history {
		msg, ok := itemMessage(item)
		if !ok {
			skipped++
			continue
		}
		messages = append(messages, msg)
	}
	if skipped > 0 {
		r.logger.Debug().
			Str("session_id", params.SessionID).
			Int("skipped", skipped).
			Msg("History items in foreign schema excluded from prompt")
	}

	messages = append(messages, Message{
		Role:    "user",
		Content: params.Prompt,
	})

	return r.compactIfNeeded(messages, params.Config.MaxTokens)
}

// compactIfNeeded trims the prompt when the estimated size exceeds the
// token budget: system messages stay, older turns collapse to a stub.
func (r *Runner) compactIfNeeded(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	tokenCount := EstimateTokens(messages)
	if tokenCount <= maxTokens {
		return messages
	}

	r.logger.Info().
		Int("tokenCount", tokenCount).
		Int("maxTokens", maxTokens).
		Msg("Compacting context")

	systemMessages := []Message{}
	conversationMessages := []Message{}
	for _, msg := range messages {
		if msg.Role == "system" {
			systemMessages = append(systemMessages, msg)
		} else {
			conversationMessages = append(conversationMessages, msg)
		}
	}

	recentCount := 20
	if len(conversationMessages) <= recentCount {
		return messages
	}

	recentMessages := conversationMessages[len(conversationMessages)-recentCount:]
	olderCount := len(conversationMessages) - recentCount

	summary := Message{
		Role:    "system",
		Content: fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", olderCount),
	}

	result := append(systemMessages, summary)
	result = append(result, recentMessages...)

	return result
}

// executeWithFailover tries auth profiles in priority order, skipping
// profiles in cooldown.
func (r *Runner) executeWithFailover(ctx context.Context, messages []Message, params RunParams) (*LLMResponse, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sortProfilesByPriority(profiles)

	var lastErr error

	for _, profile := range profiles {
		profileStart := time.Now()

		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().
				Str("profileId", profile.ID).
				Msg("Skipping profile in cooldown")
			continue
		}

		observability.SetProviderCooldown(profile.Provider, false)
		logger.Debug().Str("profileId", profile.ID).Msg("Trying auth profile")

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			observability.RecordTurn(profile.Provider, time.Since(profileStart), false)
			logger.Warn().
				Str("profileId", profile.ID).
				Err(err).
				Msg("Failed to create provider")
			continue
		}

		response, err := r.callWithRetry(ctx, provider, messages, params)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			observability.RecordTurn(profile.Provider, time.Since(profileStart), true)
			return response, nil
		}

		lastErr = err
		observability.RecordTurn(profile.Provider, time.Since(profileStart), false)
		logger.Warn().
			Str("profileId", profile.ID).
			Err(err).
			Msg("Auth profile failed")

		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr != nil {
		logger.Error().Err(lastErr).Msg("All auth profiles failed")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callWithRetry invokes the provider with exponential backoff on
// retryable failures.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, messages []Message, params RunParams) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.agent",
		"agent.call_provider",
		attribute.String("provider", provider.Provider()),
	)
	defer span.End()

	maxRetries := params.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	systemPrompt := ""
	for _, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			break
		}
	}

	request := LLMRequest{
		Model:        params.Config.Model,
		Messages:     messages,
		Temperature:  params.Config.Temperature,
		MaxTokens:    params.Config.MaxTokens,
		SystemPrompt: systemPrompt,
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err
		span.RecordError(err)

		if !IsRetryableError(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delayMs := 1000 * (1 << attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Int("delayMs", delayMs).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// updateProfileSuccess resets a profile's failure state.
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure bumps a profile's failure count and extends its
// cooldown proportionally.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority orders profiles lowest Priority first.
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
