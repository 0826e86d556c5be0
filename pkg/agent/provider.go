package agent

import (
	"context"
	"fmt"
)

// LLMProvider is the surface a model backend exposes to the runner.
type LLMProvider interface {
	// Call makes one model invocation.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// LLMRequest carries the parameters of one model invocation.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is the model's reply.
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// ProviderCreator builds LLM providers from auth profiles. The runner
// takes the interface so tests can substitute a fake.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory is the default ProviderCreator over the real SDKs.
type ProviderFactory struct{}

// NewProvider creates a provider for the profile's backend.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
