package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
)

// Event is a provider state change pushed to the webhook.
type Event struct {
	Kind     string    `json:"kind"` // "circuit" or "health"
	Provider string    `json:"provider"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Time     time.Time `json:"time"`
}

// NotifierConfig holds configuration for the event webhook
type NotifierConfig struct {
	Enabled       bool          `json:"enabled"`
	WebhookURL    string        `json:"webhook_url"`
	WebhookAPIKey string        `json:"webhook_api_key,omitempty"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Notifier batches provider state changes and posts them to a webhook.
type Notifier struct {
	config     NotifierConfig
	httpClient *retryablehttp.Client

	mutex      sync.Mutex
	batch      []Event
	lastExport time.Time
	exported   int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier. A disabled config yields a notifier that drops events.
func NewNotifier(config NotifierConfig) *Notifier {
	n := &Notifier{config: config}
	if !config.Enabled {
		return n
	}
	if n.config.BatchSize <= 0 {
		n.config.BatchSize = 20
	}
	if n.config.FlushInterval <= 0 {
		n.config.FlushInterval = 15 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	n.httpClient = client

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.periodicFlush(ctx)

	logrus.WithField("url", config.WebhookURL).Info("Provider event notifier initialized")
	return n
}

// CircuitStateChanged is a circuitbreaker state change callback.
func (n *Notifier) CircuitStateChanged(provider string, from, to circuitbreaker.State) {
	n.add(Event{Kind: "circuit", Provider: provider, From: from.String(), To: to.String(), Time: time.Now().UTC()})
}

// HealthStatusChanged is a health monitor status change callback.
func (n *Notifier) HealthStatusChanged(provider string, from, to health.Status) {
	n.add(Event{Kind: "health", Provider: provider, From: from.String(), To: to.String(), Time: time.Now().UTC()})
}

func (n *Notifier) add(e Event) {
	if !n.config.Enabled {
		return
	}

	n.mutex.Lock()
	n.batch = append(n.batch, e)
	full := len(n.batch) >= n.config.BatchSize
	n.mutex.Unlock()

	if full {
		go func() {
			if err := n.Flush(context.Background()); err != nil {
				logrus.Errorf("Failed to export provider events: %v", err)
			}
		}()
	}
}

func (n *Notifier) periodicFlush(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(n.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.Flush(ctx); err != nil {
				logrus.Errorf("Failed to export provider events: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush posts the pending events. Events are dropped if the webhook keeps failing.
func (n *Notifier) Flush(ctx context.Context) error {
	n.mutex.Lock()
	if len(n.batch) == 0 {
		n.mutex.Unlock()
		return nil
	}
	events := n.batch
	n.batch = nil
	n.mutex.Unlock()

	if err := n.post(ctx, events); err != nil {
		return err
	}

	n.mutex.Lock()
	n.lastExport = time.Now()
	n.exported += len(events)
	n.mutex.Unlock()
	logrus.Debugf("Exported %d provider events", len(events))
	return nil
}

func (n *Notifier) post(ctx context.Context, events []Event) error {
	if n.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload := struct {
		Events     []Event `json:"events"`
		ExportTime string  `json:"export_time"`
		Count      int     `json:"count"`
	}{
		Events:     events,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(events),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.WebhookAPIKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop ends periodic flushing and posts whatever is still pending.
func (n *Notifier) Stop(ctx context.Context) {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	if err := n.Flush(ctx); err != nil {
		logrus.Errorf("Failed to export provider events on shutdown: %v", err)
	}
}

// Status reports the notifier state for the status endpoint.
func (n *Notifier) Status() map[string]interface{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	status := map[string]interface{}{
		"enabled":        n.config.Enabled,
		"batch_size":     n.config.BatchSize,
		"flush_interval": n.config.FlushInterval.String(),
		"pending":        len(n.batch),
		"exported":       n.exported,
	}
	if !n.lastExport.IsZero() {
		status["last_export"] = n.lastExport.Format(time.RFC3339)
	}
	return status
}
