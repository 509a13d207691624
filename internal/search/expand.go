package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/jonathan/creator-pipeline/internal/llm"
	"github.com/jonathan/creator-pipeline/internal/schemas"
)

const (
	defaultExpansionTTL = time.Hour
	defaultMaxQueries   = 12
)

// LLMProvider returns the LLM client for a model ("" for the default).
type LLMProvider func(ctx context.Context, model string) (llm.Client, error)

// ExpanderConfig configures an Expander.
type ExpanderConfig struct {
	Logger     *slog.Logger
	LLM        LLMProvider
	TTL        time.Duration
	MaxQueries int
}

// Expander turns one search query into a list of related queries.
// Results are cached per (model, query).
type Expander struct {
	log   *slog.Logger
	llm   LLMProvider
	max   int
	cache *ttlcache.Cache[string, []string]
}

// NewExpander creates an Expander. A nil LLM disables expansion.
func NewExpander(cfg ExpanderConfig) *Expander {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultExpansionTTL
	}
	if cfg.MaxQueries == 0 {
		cfg.MaxQueries = defaultMaxQueries
	}
	return &Expander{
		log: cfg.Logger,
		llm: cfg.LLM,
		max: cfg.MaxQueries,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []string](cfg.TTL),
			ttlcache.WithCapacity[string, []string](1024),
		),
	}
}

// Start runs the expired-item cleanup loop until Stop is called.
func (e *Expander) Start() {
	go e.cache.Start()
}

// Stop ends the cleanup loop.
func (e *Expander) Stop() {
	e.cache.Stop()
}

// Expand returns the original query followed by its expansions. Expansion
// failures fall back to the original query alone.
func (e *Expander) Expand(ctx context.Context, query, model string) []string {
	query = strings.TrimSpace(query)
	key := model + "\x00" + strings.ToLower(query)
	if item := e.cache.Get(key); item != nil {
		return item.Value()
	}

	queries := []string{query}
	if e.llm == nil {
		return queries
	}

	extra, err := e.generate(ctx, query, model)
	if err != nil {
		e.log.Warn("query expansion failed, using original query", "query", query, "error", err)
		return queries
	}
	queries = append(queries, extra...)
	e.cache.Set(key, queries, ttlcache.DefaultTTL)
	return queries
}

func (e *Expander) generate(ctx context.Context, query, model string) ([]string, error) {
	client, err := e.llm(ctx, model)
	if err != nil {
		return nil, err
	}
	prompt := llm.BuildExtractionPrompt(llm.QueryExpansionSchema(e.max), query)
	raw, err := client.GenerateJSON(ctx, prompt, llm.TierLite)
	if err != nil {
		return nil, err
	}
	if err := schemas.ValidateBytes(schemas.QueryExpansion, []byte(raw)); err != nil {
		return nil, err
	}
	var resp struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}
	return cleanQueries(query, resp.Queries, e.max), nil
}

// cleanQueries trims, de-duplicates, and caps expansions, dropping the original.
func cleanQueries(original string, queries []string, limit int) []string {
	seen := map[string]bool{strings.ToLower(original): true}
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.Join(strings.Fields(q), " ")
		k := strings.ToLower(q)
		if q == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}
