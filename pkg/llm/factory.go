package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Providers understood by NewClientFromConfig.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds configuration for creating an LLM client.
type Config struct {
	Provider  string        // openai (any compatible endpoint) or anthropic
	Endpoint  string        // Base URL, e.g., "https://api.openai.com/v1"
	Model     string        // Model name, e.g., "gpt-4o"
	APIKey    string        // Optional for local endpoints
	MaxTokens int           // Completion cap; 0 leaves the provider default
	Timeout   time.Duration // Per-request HTTP timeout; 0 means none
	JSONMode  bool          // Ask OpenAI-compatible endpoints for a JSON object response
}

// NewClientFromConfig creates the client for the configured provider.
func NewClientFromConfig(cfg *Config, logger *zap.Logger) (LLMClient, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case ProviderAnthropic:
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
