// Package ratelimit provides per-client token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL         time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
	Clock           clockwork.Clock
}

// Limiter manages rate limiting for multiple clients. Buckets are keyed by
// client, method and matched endpoint and expire after IdleTTL without use.
type Limiter struct {
	config  *Config
	clock   clockwork.Clock
	buckets *ttlcache.Cache[string, *rate.Limiter]
	stop    sync.Once
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = &Config{
			Enabled:       true,
			DefaultLimit:  1000,
			DefaultWindow: time.Minute,
		}
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = time.Hour
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	l := &Limiter{
		config: config,
		clock:  clock,
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](config.IdleTTL),
		),
	}
	if config.Enabled {
		go l.buckets.Start()
	}
	return l
}

// Allow checks if a request from the given client is allowed for the specified endpoint.
// Returns true if allowed, false if rate limited, along with rate limit information.
func (l *Limiter) Allow(clientID string, endpoint string, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.config.Blacklist[clientID] {
		return false, Info{Allowed: false}
	}

	endpointConfig := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if endpointConfig == nil {
		endpointConfig = &EndpointConfig{
			Path:   "*",
			Method: method,
			Limit:  l.config.DefaultLimit,
			Window: l.config.DefaultWindow,
			Burst:  l.config.DefaultLimit,
		}
	}
	if endpointConfig.Limit <= 0 || endpointConfig.Window <= 0 {
		return true, Info{Allowed: true}
	}

	burst := endpointConfig.Burst
	if burst <= 0 {
		burst = endpointConfig.Limit
	}
	perSecond := float64(endpointConfig.Limit) / endpointConfig.Window.Seconds()

	key := clientID + ":" + method + ":" + endpointConfig.Path
	item, _ := l.buckets.GetOrSet(key, rate.NewLimiter(rate.Limit(perSecond), burst))
	bucket := item.Value()

	now := l.clock.Now()
	allowed := bucket.AllowN(now, 1)
	tokens := max(bucket.TokensAt(now), 0)

	info := Info{
		Allowed:   allowed,
		Limit:     endpointConfig.Limit,
		Remaining: int(tokens),
		ResetTime: now.Add(secondsToDuration((float64(burst) - tokens) / perSecond)),
	}
	if !allowed {
		info.RetryAfter = secondsToDuration((1 - tokens) / perSecond)
	}
	return allowed, info
}

// Len returns the number of live client buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}

// Stop stops the bucket expiry loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	if l.config.Enabled {
		l.stop.Do(l.buckets.Stop)
	}
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
