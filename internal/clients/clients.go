// Package clients holds the outbound connections used by stage executors:
// one shared HTTP client and LLM clients built on first use per model.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonathan/creator-pipeline/internal/llm"
)

// DefaultHTTPTimeout bounds a single outbound HTTP request.
const DefaultHTTPTimeout = 60 * time.Second

// LLMFactory builds an LLM client; llm.NewClient in production.
type LLMFactory func(ctx context.Context, cfg *llm.Config, apiKey string) (llm.Client, error)

// Config configures a Cache.
type Config struct {
	Logger      *slog.Logger
	HTTPTimeout time.Duration
	LLM         *llm.Config
	LLMAPIKey   string
	NewLLM      LLMFactory
}

// Cache is created once at startup, shared by all stage executors, and
// closed on shutdown.
type Cache struct {
	log    *slog.Logger
	http   *http.Client
	llmCfg *llm.Config
	apiKey string
	newLLM LLMFactory

	mu     sync.Mutex
	llms   map[string]llm.Client
	closed bool
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.LLM == nil {
		cfg.LLM = llm.DefaultConfig()
	}
	if cfg.NewLLM == nil {
		cfg.NewLLM = llm.NewClient
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32
	return &Cache{
		log:    cfg.Logger,
		http:   &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport},
		llmCfg: cfg.LLM,
		apiKey: cfg.LLMAPIKey,
		newLLM: cfg.NewLLM,
		llms:   make(map[string]llm.Client),
	}
}

// HTTP returns the shared HTTP client.
func (c *Cache) HTTP() *http.Client {
	return c.http
}

// LLM returns the client for a model override, or the configured default
// when model is empty. The override replaces the standard tier.
func (c *Cache) LLM(ctx context.Context, model string) (llm.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("client cache is closed")
	}
	if client, ok := c.llms[model]; ok {
		return client, nil
	}

	cfg := c.llmCfg
	if model != "" {
		cfg = cfg.WithModel(llm.TierStandard, model)
	}
	client, err := c.newLLM(ctx, cfg, c.apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	c.llms[model] = client
	c.log.Debug("created llm client", "provider", cfg.Provider, "model", client.GetModel(llm.TierStandard))
	return client, nil
}

// Close releases every cached client.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, client := range c.llms {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.llms = nil
	c.http.CloseIdleConnections()
	return errors.Join(errs...)
}
