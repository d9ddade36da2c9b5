// Package config provides configuration loading for the market data router service.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
	"github.com/yourorg/marketdata-router/internal/otel"
	"github.com/yourorg/marketdata-router/internal/router"
	"github.com/yourorg/marketdata-router/internal/telemetry"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Log level and format ("text" or "json")
	LogLevel  string
	LogFormat string

	// YAML file listing the data providers
	ProvidersFile string

	// OpenTelemetry endpoint for tracing; empty disables export
	OtelEndpoint string
	OtelInsecure bool
	ServiceName  string

	// Priority overrides by provider name, from a JSON object
	Priorities map[string]int

	// Routing behaviour
	FailoverEnabled  bool
	RequestTimeout   time.Duration
	RateLimitPolicy  string
	ResampleFallback bool
	DropInvalidBars  bool

	// Circuit breaker defaults
	FailureThreshold  int
	SuccessThreshold  int
	CircuitResetDelay time.Duration
	FailureWindow     time.Duration

	// Health monitoring
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	DegradedErrorRate   float64
	UnhealthyErrorRate  float64
	RateLimitCooldown   time.Duration

	// Webhook for circuit and health events
	EventsEnabled       bool
	EventsWebhookURL    string
	EventsWebhookAPIKey string
	EventsBatchSize     int
	EventsFlushInterval time.Duration

	ShutdownTimeout time.Duration
}

// Load creates a new Config from environment variables
func Load() Config {
	priorities := map[string]int{}
	if raw := os.Getenv("PROVIDER_PRIORITIES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &priorities); err != nil {
			logrus.WithError(err).Warn("Ignoring invalid PROVIDER_PRIORITIES")
		}
	}

	return Config{
		Port:          GetEnvOrDefault("PORT", "8080"),
		LogLevel:      strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
		ProvidersFile: GetEnvOrDefault("PROVIDERS_FILE", "configs/providers.yaml"),
		OtelEndpoint:  GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OtelInsecure:  GetEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName:   GetEnvOrDefault("OTEL_SERVICE_NAME", "marketdata-router"),
		Priorities:    priorities,

		FailoverEnabled:  GetEnvAsBool("FAILOVER_ENABLED", true),
		RequestTimeout:   GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		RateLimitPolicy:  GetEnvOrDefault("RATE_LIMIT_POLICY", "failure"),
		ResampleFallback: GetEnvAsBool("RESAMPLE_FALLBACK", true),
		DropInvalidBars:  GetEnvAsBool("DROP_INVALID_CANDLES", false),

		FailureThreshold:  GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		SuccessThreshold:  GetEnvAsInt("CIRCUIT_SUCCESS_THRESHOLD", 3),
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),
		FailureWindow:     GetEnvAsDuration("CIRCUIT_FAILURE_WINDOW", 0),

		HealthCheckInterval: GetEnvAsDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthCheckTimeout:  GetEnvAsDuration("HEALTH_CHECK_TIMEOUT", 10*time.Second),
		DegradedErrorRate:   GetEnvAsFloat("DEGRADED_ERROR_RATE", 0.2),
		UnhealthyErrorRate:  GetEnvAsFloat("UNHEALTHY_ERROR_RATE", 0.5),
		RateLimitCooldown:   GetEnvAsDuration("RATE_LIMIT_COOLDOWN", time.Minute),

		EventsEnabled:       GetEnvAsBool("EVENTS_WEBHOOK_ENABLED", false),
		EventsWebhookURL:    GetEnvOrDefault("EVENTS_WEBHOOK_URL", ""),
		EventsWebhookAPIKey: GetEnvOrDefault("EVENTS_WEBHOOK_API_KEY", ""),
		EventsBatchSize:     GetEnvAsInt("EVENTS_BATCH_SIZE", 20),
		EventsFlushInterval: GetEnvAsDuration("EVENTS_FLUSH_INTERVAL", 15*time.Second),

		ShutdownTimeout: GetEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// RouterConfig converts the settings into a router configuration.
func (c Config) RouterConfig() router.Config {
	rc := router.DefaultConfig()
	rc.Priorities = c.Priorities
	rc.FailoverEnabled = c.FailoverEnabled
	rc.DefaultTimeout = c.RequestTimeout
	rc.ResampleFallback = c.ResampleFallback
	rc.Validation.DropInvalid = c.DropInvalidBars

	policy, err := router.ParseRateLimitPolicy(c.RateLimitPolicy)
	if err != nil {
		logrus.WithError(err).Warn("Falling back to the default rate limit policy")
	}
	rc.RateLimitPolicy = policy

	rc.Breaker = circuitbreaker.Config{
		FailureThreshold: positiveUint32(c.FailureThreshold),
		SuccessThreshold: positiveUint32(c.SuccessThreshold),
		ResetTimeout:     c.CircuitResetDelay,
		FailureWindow:    c.FailureWindow,
	}

	hc := health.DefaultConfig()
	hc.CheckInterval = c.HealthCheckInterval
	hc.CheckTimeout = c.HealthCheckTimeout
	hc.DegradedErrorRate = c.DegradedErrorRate
	hc.UnhealthyErrorRate = c.UnhealthyErrorRate
	hc.RateLimitCooldown = c.RateLimitCooldown
	rc.Health = hc
	return rc
}

// NotifierConfig returns the event webhook settings.
func (c Config) NotifierConfig() telemetry.NotifierConfig {
	return telemetry.NotifierConfig{
		Enabled:       c.EventsEnabled && c.EventsWebhookURL != "",
		WebhookURL:    c.EventsWebhookURL,
		WebhookAPIKey: c.EventsWebhookAPIKey,
		BatchSize:     c.EventsBatchSize,
		FlushInterval: c.EventsFlushInterval,
	}
}

// TracingConfig returns the OpenTelemetry exporter settings.
func (c Config) TracingConfig() otel.Config {
	return otel.Config{
		Endpoint:    c.OtelEndpoint,
		ServiceName: c.ServiceName,
		Insecure:    c.OtelInsecure,
	}
}

func positiveUint32(v int) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(v)
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
