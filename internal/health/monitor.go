// Package health checks data providers in the background and keeps a rolling health
// score per provider that the router uses to deprioritize degraded vendors.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Status classifies a provider's health. Larger values are more severe.
type Status int

// Health statuses
const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	}
	return "unknown"
}

// MarshalText renders the status name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Checker is the part of a provider the monitor needs.
type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Config holds the monitor tunables.
type Config struct {
	// CheckInterval is the time between checks of one provider
	CheckInterval time.Duration `json:"check_interval"`

	// CheckTimeout bounds a single check
	CheckTimeout time.Duration `json:"check_timeout"`

	// DegradedErrorRate is the smoothed error rate at which a provider becomes degraded
	DegradedErrorRate float64 `json:"degraded_error_rate"`

	// UnhealthyErrorRate is the smoothed error rate at which a provider becomes unhealthy
	UnhealthyErrorRate float64 `json:"unhealthy_error_rate"`

	// UnhealthyConsecutiveFailures marks a provider unhealthy regardless of error rate
	UnhealthyConsecutiveFailures int `json:"unhealthy_consecutive_failures"`

	// Smoothing is the weight of the newest sample in the moving averages
	Smoothing float64 `json:"smoothing"`

	// DegradedLatency marks a provider degraded when its smoothed latency reaches it;
	// zero disables the latency check
	DegradedLatency time.Duration `json:"degraded_latency,omitempty"`

	// RateLimitCooldown is used when a provider rate limits without a retry hint
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:                30 * time.Second,
		CheckTimeout:                 10 * time.Second,
		DegradedErrorRate:            0.2,
		UnhealthyErrorRate:           0.5,
		UnhealthyConsecutiveFailures: 3,
		Smoothing:                    0.3,
		RateLimitCooldown:            time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = d.DegradedErrorRate
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = d.UnhealthyErrorRate
	}
	if c.UnhealthyConsecutiveFailures <= 0 {
		c.UnhealthyConsecutiveFailures = d.UnhealthyConsecutiveFailures
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = d.Smoothing
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	return c
}

// ProviderHealth is a snapshot of one provider's health.
type ProviderHealth struct {
	Name                string        `json:"name"`
	Status              Status        `json:"status"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalChecks         uint64        `json:"total_checks"`
	SuccessfulChecks    uint64        `json:"successful_checks"`
	Latency             time.Duration `json:"latency"`    // smoothed
	ErrorRate           float64       `json:"error_rate"` // smoothed, 0..1
	RateLimitedUntil    time.Time     `json:"rate_limited_until,omitempty"`
}

// SuccessRate is the lifetime share of successful checks; 1 when nothing was checked.
func (h ProviderHealth) SuccessRate() float64 {
	if h.TotalChecks == 0 {
		return 1
	}
	return float64(h.SuccessfulChecks) / float64(h.TotalChecks)
}

// RateLimited reports whether the provider is still cooling down at now.
func (h ProviderHealth) RateLimited(now time.Time) bool {
	return now.Before(h.RateLimitedUntil)
}

type entry struct {
	mu     sync.Mutex
	health ProviderHealth
	checker Checker
	cancel context.CancelFunc // stops this provider's check loop
}

// Monitor owns the ProviderHealth records. Only its methods mutate them; readers
// get copies.
type Monitor struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry

	// set while the check loops run
	runCtx context.Context
	group  *errgroup.Group
	stop   context.CancelFunc

	onChange func(name string, from, to Status)
	now      func() time.Time
	log      *logrus.Entry
}

// NewMonitor creates a monitor with no providers.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     logrus.WithField("component", "health"),
	}
}

// WithStatusChangeCallback sets a function invoked when a provider changes status.
func (m *Monitor) WithStatusChangeCallback(fn func(name string, from, to Status)) *Monitor {
	m.onChange = fn
	return m
}

// WithClock replaces the time source, used by tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Register adds a provider. Providers start healthy. If the check loops are
// running, the new provider is checked as well.
func (m *Monitor) Register(p Checker) {
	name := p.Name()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return
	}
	e := &entry{checker: p, health: ProviderHealth{Name: name}}
	m.entries[name] = e
	if m.group != nil {
		m.startLoopLocked(e)
	}
	m.log.WithField("provider", name).Debug("Registered provider for health monitoring")
}

// Unregister removes a provider and stops its check loop.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()

	if ok && e.cancel != nil {
		e.cancel()
	}
	m.log.WithField("provider", name).Debug("Unregistered provider from health monitoring")
}

// Start launches one check loop per provider and returns immediately. Each loop checks
// right away and then every CheckInterval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group != nil {
		return
	}

	runCtx, stop := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.stop = stop
	m.group = &errgroup.Group{}
	for _, e := range m.entries {
		m.startLoopLocked(e)
	}

	m.log.WithFields(logrus.Fields{
		"providers": len(m.entries),
		"interval":  m.cfg.CheckInterval,
	}).Info("Started health monitor")
}

// Stop cancels every check loop without waiting for in-flight checks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.group = nil
	m.runCtx = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		m.log.Info("Stopped health monitor")
	}
}

func (m *Monitor) startLoopLocked(e *entry) {
	ctx, cancel := context.WithCancel(m.runCtx)
	e.cancel = cancel
	p := e.checker
	m.group.Go(func() error {
		m.loop(ctx, p)
		return nil
	})
}

func (m *Monitor) loop(ctx context.Context, p Checker) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.runCheck(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx, p)
		}
	}
}

// CheckNow checks every registered provider once, concurrently, and returns when all
// checks have finished or timed out.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.entries))
	for _, e := range m.entries {
		checkers = append(checkers, e.checker)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range checkers {
		g.Go(func() error {
			m.runCheck(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

// runCheck runs one health check. A check that outlives its timeout is abandoned and
// recorded as a failure; one interrupted by shutdown is not recorded at all.
func (m *Monitor) runCheck(ctx context.Context, p Checker) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	done := make(chan error, 1)
	start := m.now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("health check panic: %v", r)
			}
		}()
		done <- p.HealthCheck(pctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		err = pctx.Err()
	}
	if ctx.Err() != nil {
		return
	}

	name := p.Name()
	if err != nil {
		m.log.WithFields(logrus.Fields{"provider": name, "error": err}).Debug("Provider health check failed")
		m.RecordFailure(name, err)
		return
	}
	m.RecordSuccess(name, m.now().Sub(start))
}

// RecordSuccess records a successful check or request.
func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	m.update(name, func(h *ProviderHealth, now time.Time) {
		h.TotalChecks++
		h.SuccessfulChecks++
		h.ConsecutiveFailures = 0
		h.LastCheck = now
		h.LastSuccess = now
		h.LastError = ""
		h.ErrorRate = m.smooth(h.ErrorRate, 0)
		if h.SuccessfulChecks == 1 {
			h.Latency = latency
		} else {
			h.Latency = time.Duration(m.smooth(float64(h.Latency), float64(latency)))
		}
	})
}

// RecordFailure records a failed check or request.
func (m *Monitor) RecordFailure(name string, err error) {
	m.update(name, func(h *ProviderHealth, now time.Time) {
		h.TotalChecks++
		h.ConsecutiveFailures++
		h.LastCheck = now
		if err != nil {
			h.LastError = err.Error()
		}
		h.ErrorRate = m.smooth(h.ErrorRate, 1)
	})
}

// RecordRateLimited puts the provider in cooldown for retryAfter, or for the
// configured cooldown when the vendor gave no hint.
func (m *Monitor) RecordRateLimited(name string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = m.cfg.RateLimitCooldown
	}
	m.update(name, func(h *ProviderHealth, now time.Time) {
		until := now.Add(retryAfter)
		if until.After(h.RateLimitedUntil) {
			h.RateLimitedUntil = until
		}
	})
	m.log.WithFields(logrus.Fields{"provider": name, "cooldown": retryAfter}).Warn("Provider rate limited, cooling down")
}

func (m *Monitor) update(name string, fn func(h *ProviderHealth, now time.Time)) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	from := e.health.Status
	fn(&e.health, m.now())
	e.health.Status = m.classify(e.health)
	to := e.health.Status
	failures := e.health.ConsecutiveFailures
	e.mu.Unlock()

	if from == to {
		return
	}
	fields := logrus.Fields{"provider": name, "from": from, "to": to, "consecutive_failures": failures}
	if to == StatusHealthy {
		m.log.WithFields(fields).Info("Provider recovered and is now healthy")
	} else {
		m.log.WithFields(fields).Warn("Provider health degraded")
	}
	if m.onChange != nil {
		m.onChange(name, from, to)
	}
}

func (m *Monitor) smooth(prev, sample float64) float64 {
	a := m.cfg.Smoothing
	return a*sample + (1-a)*prev
}

func (m *Monitor) classify(h ProviderHealth) Status {
	switch {
	case h.ConsecutiveFailures >= m.cfg.UnhealthyConsecutiveFailures,
		h.ErrorRate >= m.cfg.UnhealthyErrorRate:
		return StatusUnhealthy
	case h.ErrorRate >= m.cfg.DegradedErrorRate,
		m.cfg.DegradedLatency > 0 && h.Latency >= m.cfg.DegradedLatency:
		return StatusDegraded
	}
	return StatusHealthy
}

// Health returns a copy of one provider's health.
func (m *Monitor) Health(name string) (ProviderHealth, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return ProviderHealth{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

// Status returns a provider's status; unknown providers are reported unhealthy.
func (m *Monitor) Status(name string) Status {
	h, ok := m.Health(name)
	if !ok {
		return StatusUnhealthy
	}
	return h.Status
}

// Snapshot returns a copy of every provider's health sorted by name.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.health)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthyProviders returns the names of providers currently classified healthy.
func (m *Monitor) HealthyProviders() []string {
	var names []string
	for _, h := range m.Snapshot() {
		if h.Status == StatusHealthy {
			names = append(names, h.Name)
		}
	}
	return names
}
