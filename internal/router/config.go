package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
	"github.com/yourorg/marketdata-router/internal/provider"
	"github.com/yourorg/marketdata-router/internal/ratelimit"
	"github.com/yourorg/marketdata-router/internal/validation"
)

// RateLimitPolicy decides how a vendor RateLimited response affects the breaker.
type RateLimitPolicy int

const (
	// RateLimitCountsAsFailure records a breaker failure like any other error
	RateLimitCountsAsFailure RateLimitPolicy = iota

	// RateLimitSoftBackpressure leaves the breaker untouched; the provider only
	// enters a health cooldown
	RateLimitSoftBackpressure
)

func (p RateLimitPolicy) String() string {
	if p == RateLimitSoftBackpressure {
		return "soft"
	}
	return "failure"
}

// ParseRateLimitPolicy accepts "failure" or "soft".
func ParseRateLimitPolicy(s string) (RateLimitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "failure", "count", "count_as_failure":
		return RateLimitCountsAsFailure, nil
	case "soft", "backpressure", "soft_backpressure":
		return RateLimitSoftBackpressure, nil
	}
	return 0, fmt.Errorf("unknown rate limit policy %q", s)
}

// Config holds the router tunables. Start from DefaultConfig.
type Config struct {
	// Priorities overrides provider priority hints by name; lower is preferred
	Priorities map[string]int

	// FailoverEnabled lets a fetch move on to the next candidate after a failure;
	// when false only the first provider actually called is tried
	FailoverEnabled bool

	// DefaultTimeout bounds a provider call unless the provider declares its own
	DefaultTimeout time.Duration

	// RateLimitPolicy decides whether vendor rate limiting trips the breaker
	RateLimitPolicy RateLimitPolicy

	// ResampleFallback builds candles from a finer timeframe when no provider serves
	// the requested one
	ResampleFallback bool

	// ReportOutcomesToHealth feeds request outcomes into the health monitor as well
	ReportOutcomesToHealth bool

	// Breaker is the default circuit breaker config for every provider
	Breaker circuitbreaker.Config

	// Health configures the background monitor
	Health health.Config

	// Validation applies to every candle response
	Validation validation.Options
}

// DefaultConfig returns the defaults: failover on, 10s call timeout, rate limiting
// counted as failure, resampling and health reporting on.
func DefaultConfig() Config {
	return Config{
		FailoverEnabled:        true,
		DefaultTimeout:         10 * time.Second,
		RateLimitPolicy:        RateLimitCountsAsFailure,
		ResampleFallback:       true,
		ReportOutcomesToHealth: true,
		Breaker:                circuitbreaker.DefaultConfig(),
		Health:                 health.DefaultConfig(),
		Validation:             validation.DefaultOptions(),
	}
}

// Registration is one provider handed to the router, with its per-provider settings.
type Registration struct {
	Provider provider.Provider

	// RateLimit for this provider; the zero value does not limit
	RateLimit ratelimit.Config

	// Breaker overrides the router default when non-nil
	Breaker *circuitbreaker.Config

	// Timeout overrides both the provider's declared timeout and the router default
	Timeout time.Duration

	// Disabled registers the provider without routing to it until SetEnabled
	Disabled bool
}
