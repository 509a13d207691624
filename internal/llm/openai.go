package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements Client for OpenAI and OpenAI-compatible servers
type OpenAIClient struct {
	config *Config
	token  string
	models map[string]llms.Model
}

// NewOpenAIClient creates an OpenAI client. Models are created per tier on first use.
func NewOpenAIClient(config *Config, apiKey string) (*OpenAIClient, error) {
	if apiKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if apiKey == "" {
		apiKey = "none"
	}

	c := &OpenAIClient{
		config: config,
		token:  apiKey,
		models: make(map[string]llms.Model),
	}
	// Build every configured model up front so the client is safe for concurrent use.
	for _, name := range config.Models {
		if _, ok := c.models[name]; ok {
			continue
		}
		m, err := c.newModel(name)
		if err != nil {
			return nil, err
		}
		c.models[name] = m
	}
	return c, nil
}

func (c *OpenAIClient) newModel(name string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(c.token),
		openai.WithModel(name),
	}
	if c.config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(c.config.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return m, nil
}

func (c *OpenAIClient) model(tier ModelTier) (llms.Model, error) {
	name := c.config.GetModel(tier)
	if name == "" {
		return nil, fmt.Errorf("no model configured for tier %s", tier)
	}
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("model %s not initialized", name)
	}
	return m, nil
}

// GenerateContent generates text content using the specified model tier
func (c *OpenAIClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	return c.generate(ctx, prompt, tier)
}

// GenerateJSON generates JSON content using the specified model tier
func (c *OpenAIClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	text, err := c.generate(ctx, prompt, tier, llms.WithJSONMode())
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (c *OpenAIClient) generate(ctx context.Context, prompt string, tier ModelTier, opts ...llms.CallOption) (string, error) {
	m, err := c.model(tier)
	if err != nil {
		return "", err
	}
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	resp, err := m.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// GetModel returns the model name for a tier
func (c *OpenAIClient) GetModel(tier ModelTier) string {
	return c.config.GetModel(tier)
}

// Close releases resources held by the client
func (c *OpenAIClient) Close() error {
	return nil
}
