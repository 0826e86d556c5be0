package agent

import (
	"encoding/json"
	"strings"

	"github.com/mnemokit/mnemo/pkg/session"
)

// RunParams carries the input for one conversational turn.
type RunParams struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	Config    Config `json:"config"`
	// RequestID, when set, makes the run idempotent: a retry with the
	// same id returns the first run's outcome.
	RequestID string `json:"request_id,omitempty"`
}

// Config controls model selection and sampling for a run.
type Config struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxRetries   int     `json:"max_retries,omitempty"`
}

// RunResult is the outcome of one turn.
type RunResult struct {
	SessionID   string `json:"session_id,omitempty"`
	FinalOutput string `json:"final_output"`
	// NewItems are the history items this turn produced, in the order
	// they were persisted.
	NewItems []session.Item `json:"new_items,omitempty"`
	Usage    *TokenUsage    `json:"usage,omitempty"`
	Aborted  bool           `json:"aborted,omitempty"`
}

// TokenUsage tracks token consumption reported by the provider.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile holds credentials for one provider account. Profiles with a
// lower Priority are tried first; a failing profile cools down in
// proportion to its failure count.
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic" or "openai"
	APIKey        string `json:"api_key"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// Message is the conversational item schema this runner reads and writes.
// Stored histories may contain items in other schemas; those flow through
// untouched and are skipped when building prompts.
type Message struct {
	Role     string                 `json:"role"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultConfig returns the runner's default turn configuration.
func DefaultConfig() Config {
	return Config{
		Model:       "claude-3-5-sonnet-20241022",
		Temperature: 0.7,
		MaxTokens:   4096,
		MaxRetries:  3,
	}
}

// messageItem encodes a Message as a history item.
func messageItem(msg Message) (session.Item, error) {
	return session.NewItem(msg)
}

// itemMessage decodes a history item into a Message. ok is false for items
// in a different schema.
func itemMessage(item session.Item) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(item, &msg); err != nil {
		return Message{}, false
	}
	if msg.Role == "" || msg.Content == "" {
		return Message{}, false
	}
	return msg, true
}

// IsRetryableError reports whether an LLM call failure is worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	if strings.Contains(errMsg, "500") || strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") || strings.Contains(errMsg, "504") {
		return true
	}

	return false
}

// EstimateTokens gives a rough token count for a message list. One token
// per four characters is close enough for compaction decisions.
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}
