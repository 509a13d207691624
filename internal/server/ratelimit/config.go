package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// Settings is the user-facing part of a Config, as loaded by internal/config.
type Settings struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	IdleTTL       time.Duration
	Whitelist     []string
	Blacklist     []string
}

// NewConfig builds a limiter Config from settings with the default
// per-endpoint limits.
func NewConfig(s Settings) *Config {
	if !s.Enabled {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    s.DefaultLimit,
		DefaultWindow:   s.DefaultWindow,
		IdleTTL:         s.IdleTTL,
		Whitelist:       clientSet(s.Whitelist),
		Blacklist:       clientSet(s.Blacklist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Run creation starts paid search, enrichment and LLM work
		{Path: "/runs", Method: "POST", Limit: 10, Window: time.Hour, Burst: 2},

		// Cancellation
		{Path: "/runs/", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},

		// Reads and stream reconnects use the default limit; /health and
		// /metrics are unlimited (see MatchEndpoint)
	}
}

func clientSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}
