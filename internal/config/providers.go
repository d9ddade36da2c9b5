package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/model"
	"github.com/yourorg/marketdata-router/internal/provider"
	"github.com/yourorg/marketdata-router/internal/ratelimit"
)

// ProvidersFile is the YAML document listing data vendors.
type ProvidersFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry is one vendor as written in the providers file.
type ProviderEntry struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	BaseURL      string `yaml:"base_url"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APIKeyHeader string `yaml:"api_key_header"`
	Priority     int    `yaml:"priority"`

	// Capabilities lists "candles", "stock_info", "financials", "valuation" or "all"
	Capabilities   []string `yaml:"capabilities"`
	Timeframes     []string `yaml:"timeframes"`
	MaxHistoryDays int      `yaml:"max_history_days"`

	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`

	// Enabled defaults to true
	Enabled *bool `yaml:"enabled"`

	RateLimit      ratelimit.Config `yaml:"rate_limit"`
	CircuitBreaker *BreakerEntry    `yaml:"circuit_breaker"`
}

// BreakerEntry overrides the default circuit breaker for one vendor.
type BreakerEntry struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxCalls uint32        `yaml:"half_open_max_calls"`
	FailureWindow    time.Duration `yaml:"failure_window"`
}

// ProviderSpec is a validated provider entry.
type ProviderSpec struct {
	Name         string
	Kind         string
	BaseURL      string
	APIKeyEnv    string
	APIKeyHeader string
	Priority     int
	Capabilities provider.Capabilities
	Timeout      time.Duration
	Retries      int
	Enabled      bool
	RateLimit    ratelimit.Config
	Breaker      *circuitbreaker.Config
}

// APIKey reads the vendor key from the environment.
func (s ProviderSpec) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	key := os.Getenv(s.APIKeyEnv)
	if key == "" {
		logrus.Warnf("%s not set for provider %s", s.APIKeyEnv, s.Name)
	}
	return key
}

// LoadProviders reads and validates the providers file.
func LoadProviders(path string) ([]ProviderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	specs, err := ParseProviders(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logrus.Infof("Loaded %d providers from %s", len(specs), path)
	return specs, nil
}

// ParseProviders decodes a providers document.
func ParseProviders(data []byte) ([]ProviderSpec, error) {
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, errors.New("no providers configured")
	}

	seen := make(map[string]bool, len(file.Providers))
	specs := make([]ProviderSpec, 0, len(file.Providers))
	for i, e := range file.Providers {
		spec, err := e.spec()
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate provider %q", spec.Name)
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

// ParseProvider decodes a single provider entry, as posted to the admin API.
func ParseProvider(data []byte) (ProviderSpec, error) {
	var e ProviderEntry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return ProviderSpec{}, fmt.Errorf("failed to parse provider: %w", err)
	}
	return e.spec()
}

func (e ProviderEntry) spec() (ProviderSpec, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return ProviderSpec{}, errors.New("name is required")
	}
	if e.BaseURL == "" {
		return ProviderSpec{}, fmt.Errorf("%s: base_url is required", name)
	}

	caps := provider.Capabilities{MaxHistoryDays: e.MaxHistoryDays}
	if len(e.Capabilities) == 0 {
		caps.Kinds = provider.CapAll
	}
	for _, s := range e.Capabilities {
		c, err := provider.ParseCapability(s)
		if err != nil {
			return ProviderSpec{}, fmt.Errorf("%s: %w", name, err)
		}
		caps.Kinds |= c
	}
	for _, s := range e.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			return ProviderSpec{}, fmt.Errorf("%s: %w", name, err)
		}
		caps.Timeframes = append(caps.Timeframes, tf)
	}

	if e.RateLimit.MaxRequests < 0 || e.RateLimit.Window < 0 {
		return ProviderSpec{}, fmt.Errorf("%s: rate_limit must not be negative", name)
	}

	spec := ProviderSpec{
		Name:         name,
		Kind:         strings.ToLower(e.Kind),
		BaseURL:      e.BaseURL,
		APIKeyEnv:    e.APIKeyEnv,
		APIKeyHeader: e.APIKeyHeader,
		Priority:     e.Priority,
		Capabilities: caps,
		Timeout:      e.Timeout,
		Retries:      e.Retries,
		Enabled:      e.Enabled == nil || *e.Enabled,
		RateLimit:    e.RateLimit.Bounded(),
	}
	if b := e.CircuitBreaker; b != nil {
		spec.Breaker = &circuitbreaker.Config{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			ResetTimeout:     b.ResetTimeout,
			HalfOpenMaxCalls: b.HalfOpenMaxCalls,
			FailureWindow:    b.FailureWindow,
		}
	}
	return spec, nil
}
