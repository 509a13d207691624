// Package llm provides LLM configuration and client abstractions used for
// query expansion and profile fit scoring.
package llm

import "fmt"

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for cheap high-volume calls: query expansion
	TierLite ModelTier = "lite"
	// TierStandard is for per-profile fit scoring
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long or ambiguous briefs
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderOpenAI is the OpenAI provider, or any OpenAI-compatible endpoint
	ProviderOpenAI Provider = "openai"
)

// ParseProvider converts a provider name into a Provider.
func ParseProvider(name string) (Provider, error) {
	switch Provider(name) {
	case ProviderGemini, ProviderOpenAI:
		return Provider(name), nil
	case "":
		return ProviderOpenAI, nil
	default:
		return "", fmt.Errorf("unknown llm provider: %q", name)
	}
}

// Config holds the model configuration for the application
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// BaseURL overrides the provider endpoint (OpenAI-compatible servers only).
	BaseURL string
}

// DefaultConfig returns the default configuration (OpenAI)
func DefaultConfig() *Config {
	return DefaultOpenAIConfig()
}

// DefaultOpenAIConfig returns the default OpenAI configuration
func DefaultOpenAIConfig() *Config {
	return &Config{
		Provider: ProviderOpenAI,
		Models: map[ModelTier]string{
			TierLite:     "gpt-5-nano",
			TierStandard: "gpt-5-mini",
			TierAdvanced: "gpt-5",
		},
	}
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
	}
}

// ConfigFor returns the default configuration of a provider
func ConfigFor(p Provider) *Config {
	if p == ProviderGemini {
		return DefaultGeminiConfig()
	}
	return DefaultOpenAIConfig()
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return "" // No model configured
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider: c.Provider,
		Models:   make(map[ModelTier]string),
		BaseURL:  c.BaseURL,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}
