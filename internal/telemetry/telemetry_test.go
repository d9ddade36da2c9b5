package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
)

func TestMetrics_FetchAndAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveFetch("candles", "success", 120*time.Millisecond)
	m.ObserveFetch("candles", "all_failed", time.Second)
	m.ObserveAttempt("lixin", "candles", "unavailable", 50*time.Millisecond)
	m.ObserveAttempt("lixin", "candles", "circuit_open", 0)
	m.ObserveAttempt("itick", "candles", "success", 70*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchTotal.WithLabelValues("candles", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attemptTotal.WithLabelValues("lixin", "candles", "circuit_open")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.attemptDuration), "Skipped attempts are not timed")

	expected := `
# HELP marketdata_provider_attempts_total Total number of provider attempts by outcome
# TYPE marketdata_provider_attempts_total counter
marketdata_provider_attempts_total{op="candles",outcome="circuit_open",provider="lixin"} 1
marketdata_provider_attempts_total{op="candles",outcome="success",provider="itick"} 1
marketdata_provider_attempts_total{op="candles",outcome="unavailable",provider="lixin"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "marketdata_provider_attempts_total"))
}

func TestMetrics_StateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.InitProvider("lixin")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuitState.WithLabelValues("lixin")))

	m.CircuitStateChanged("lixin", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitState.WithLabelValues("lixin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitTrips.WithLabelValues("lixin")))

	m.CircuitStateChanged("lixin", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("lixin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitTrips.WithLabelValues("lixin")), "Only opening counts as a trip")

	m.HealthStatusChanged("lixin", health.StatusHealthy, health.StatusDegraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthStatus.WithLabelValues("lixin")))

	m.ObserveRateLimitWait("lixin", 30*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.rateLimitWait))

	m.RemoveProvider("lixin")
	assert.Equal(t, 0, testutil.CollectAndCount(m.circuitState))
	assert.Equal(t, 0, testutil.CollectAndCount(m.healthStatus))
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestNotifier_Disabled(t *testing.T) {
	n := NewNotifier(NotifierConfig{})
	n.CircuitStateChanged("lixin", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 0, n.Status()["pending"])
	n.Stop(context.Background())
}

func TestNotifier_FlushPostsBatch(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
			Count  int     `json:"count"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		received = append(received, payload.Events...)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{
		Enabled:       true,
		WebhookURL:    srv.URL,
		WebhookAPIKey: "secret",
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	defer n.Stop(context.Background())

	n.CircuitStateChanged("lixin", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	n.HealthStatusChanged("itick", health.StatusHealthy, health.StatusDegraded)
	assert.Equal(t, 2, n.Status()["pending"])

	require.NoError(t, n.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "circuit", received[0].Kind)
	assert.Equal(t, "open", received[0].To)
	assert.Equal(t, "health", received[1].Kind)
	assert.Equal(t, "degraded", received[1].To)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, 2, n.Status()["exported"])
}

func TestNotifier_BatchSizeTriggersFlush(t *testing.T) {
	posts := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts <- struct{}{}
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{Enabled: true, WebhookURL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	defer n.Stop(context.Background())

	n.CircuitStateChanged("lixin", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	n.CircuitStateChanged("lixin", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)

	select {
	case <-posts:
	case <-time.After(2 * time.Second):
		t.Fatal("Full batch was not exported")
	}
}

func TestNotifier_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewNotifier(NotifierConfig{Enabled: true, WebhookURL: srv.URL, BatchSize: 10, FlushInterval: time.Hour})
	defer n.Stop(context.Background())

	n.CircuitStateChanged("lixin", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	err := n.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
