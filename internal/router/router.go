// Package router picks a data provider per request and fails over across providers,
// consulting each provider's health, circuit breaker and rate limiter.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/marketdata-router/internal/aggregate"
	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
	"github.com/yourorg/marketdata-router/internal/model"
	tracing "github.com/yourorg/marketdata-router/internal/otel"
	"github.com/yourorg/marketdata-router/internal/provider"
	"github.com/yourorg/marketdata-router/internal/ratelimit"
	"github.com/yourorg/marketdata-router/internal/validation"
)

// Observer receives router measurements.
type Observer interface {
	ObserveFetch(op, outcome string, d time.Duration)
	ObserveAttempt(provider, op, outcome string, d time.Duration)
	ObserveRateLimitWait(provider string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveFetch(string, string, time.Duration)           {}
func (nopObserver) ObserveAttempt(string, string, string, time.Duration) {}
func (nopObserver) ObserveRateLimitWait(string, time.Duration)           {}

// Option configures a Router.
type Option func(*Router)

// WithLogger replaces the router logger.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Router) { r.log = l }
}

// WithObserver sends measurements to o.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithCircuitListener adds a function called on every circuit breaker transition.
func WithCircuitListener(fn func(name string, from, to circuitbreaker.State)) Option {
	return func(r *Router) { r.circuitListeners = append(r.circuitListeners, fn) }
}

// WithHealthListener adds a function called on every health status change.
func WithHealthListener(fn func(name string, from, to health.Status)) Option {
	return func(r *Router) { r.healthListeners = append(r.healthListeners, fn) }
}

type member struct {
	index   int
	p       provider.Provider
	info    provider.Info
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	limiter *ratelimit.Limiter
	enabled atomic.Bool
}

// Router owns the provider set and its per-provider breaker, limiter and health
// record. It is safe for concurrent use.
type Router struct {
	cfg Config

	// members is replaced, never mutated, so a snapshot can be read without the lock
	mu        sync.RWMutex
	members   []*member
	byName    map[string]*member
	nextIndex int

	monitor  *health.Monitor
	observer Observer
	tracer   trace.Tracer
	log      *logrus.Entry

	circuitListeners []func(name string, from, to circuitbreaker.State)
	healthListeners  []func(name string, from, to health.Status)
}

// New builds a router over regs. Provider names must be unique.
func New(cfg Config, regs []Registration, opts ...Option) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		byName:   make(map[string]*member, len(regs)),
		observer: nopObserver{},
		tracer:   tracing.Tracer(),
		log:      logrus.WithField("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.DefaultTimeout <= 0 {
		r.cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	r.monitor = health.NewMonitor(cfg.Health).WithStatusChangeCallback(r.healthChanged)

	for i, reg := range regs {
		if err := r.add(reg); err != nil {
			return nil, fmt.Errorf("registration %d: %w", i, err)
		}
	}

	for name := range cfg.Priorities {
		if _, ok := r.lookup(name); !ok {
			r.log.Warnf("Priority configured for unknown provider %q", name)
		}
	}
	return r, nil
}

// Register adds a provider at runtime. It is checked right away when health checks
// are running.
func (r *Router) Register(reg Registration) error {
	return r.add(reg)
}

func (r *Router) add(reg Registration) error {
	if reg.Provider == nil {
		return errors.New("no provider")
	}
	name := reg.Provider.Name()
	if name == "" {
		return errors.New("provider name is empty")
	}

	var priority *int
	if p, ok := r.cfg.Priorities[name]; ok {
		priority = &p
	}
	breakerCfg := r.cfg.Breaker
	if reg.Breaker != nil {
		breakerCfg = *reg.Breaker
	}
	m := &member{
		p:       reg.Provider,
		info:    provider.Describe(reg.Provider, priority),
		timeout: r.callTimeout(reg),
		breaker: circuitbreaker.New(name, breakerCfg).
			WithLogger(r.log).
			WithStateChangeCallback(r.circuitChanged),
		limiter: ratelimit.New(name, reg.RateLimit),
	}
	m.enabled.Store(!reg.Disabled)

	r.mu.Lock()
	if _, dup := r.byName[name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("duplicate provider %q", name)
	}
	m.index = r.nextIndex
	r.nextIndex++
	members := make([]*member, len(r.members), len(r.members)+1)
	copy(members, r.members)
	r.members = append(members, m)
	r.byName[name] = m
	r.mu.Unlock()

	r.monitor.Register(reg.Provider)
	r.log.WithFields(logrus.Fields{
		"provider":     name,
		"priority":     m.info.Priority,
		"capabilities": m.info.Capabilities.Kinds.String(),
		"timeout":      m.timeout,
		"enabled":      !reg.Disabled,
	}).Info("Registered data provider")
	return nil
}

// Unregister removes a provider and its health record. Fetches already running keep
// the provider they snapshotted.
func (r *Router) Unregister(name string) error {
	r.mu.Lock()
	if _, ok := r.byName[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown provider %q", name)
	}
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		if m.info.Name != name {
			members = append(members, m)
		}
	}
	r.members = members
	delete(r.byName, name)
	r.mu.Unlock()

	r.monitor.Unregister(name)
	r.log.WithField("provider", name).Info("Unregistered data provider")
	return nil
}

func (r *Router) snapshot() []*member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members
}

func (r *Router) lookup(name string) (*member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

func (r *Router) callTimeout(reg Registration) time.Duration {
	if reg.Timeout > 0 {
		return reg.Timeout
	}
	if t, ok := reg.Provider.(provider.Timeouter); ok && t.CallTimeout() > 0 {
		return t.CallTimeout()
	}
	return r.cfg.DefaultTimeout
}

func (r *Router) circuitChanged(name string, from, to circuitbreaker.State) {
	for _, fn := range r.circuitListeners {
		fn(name, from, to)
	}
}

func (r *Router) healthChanged(name string, from, to health.Status) {
	for _, fn := range r.healthListeners {
		fn(name, from, to)
	}
}

// FetchCandles returns candles for symbol at tf within rng. When no provider serves tf
// and resampling is enabled, candles are fetched at the coarsest finer timeframe some
// provider serves and aggregated.
func (r *Router) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, rng model.DateRange) ([]model.Candle, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("invalid timeframe %d", int(tf))
	}
	q := request{op: "candles", kind: provider.CapCandles, symbol: symbol, tf: tf}

	if r.cfg.ResampleFallback && !r.anyServes(q) {
		for _, src := range aggregate.Sources(tf) {
			sq := q
			sq.tf = src
			if !r.anyServes(sq) {
				continue
			}
			r.log.WithFields(logrus.Fields{
				"symbol": symbol,
				"from":   src.String(),
				"to":     tf.String(),
			}).Debug("No provider serves timeframe, resampling")

			candles, err := r.fetchCandles(ctx, sq, rng)
			if err != nil {
				return nil, err
			}
			out, err := aggregate.Resample(candles, tf)
			if err != nil {
				return nil, fmt.Errorf("resample %s to %s: %w", src, tf, err)
			}
			return out, nil
		}
	}
	return r.fetchCandles(ctx, q, rng)
}

func (r *Router) fetchCandles(ctx context.Context, q request, rng model.DateRange) ([]model.Candle, error) {
	vreq := validation.Request{Symbol: q.symbol, Timeframe: q.tf}
	candles, err := execute(ctx, r, q,
		func(ctx context.Context, p provider.Provider) ([]model.Candle, error) {
			var c []model.Candle
			var err error
			if q.kind == provider.CapIndex {
				c, err = provider.FetchIndexDaily(ctx, p, q.symbol, rng)
			} else {
				c, err = p.FetchCandles(ctx, q.symbol, q.tf, rng)
			}
			if err != nil || !r.cfg.Validation.DropInvalid {
				return c, err
			}
			if c = validation.FilterInvalid(c); len(c) == 0 {
				return nil, provider.Malformed("no valid candles", nil)
			}
			return c, nil
		},
		func(c []model.Candle) error {
			return validation.CheckCandles(c, vreq, r.cfg.Validation)
		},
	)
	if err != nil {
		return nil, err
	}
	for i := range candles {
		if candles[i].Symbol == "" {
			candles[i].Symbol = q.symbol
		}
		if candles[i].Timeframe == 0 {
			candles[i].Timeframe = q.tf
		}
	}
	return aggregate.Trim(candles, rng), nil
}

// FetchIndexDaily returns daily candles of an index such as the CSI 300.
func (r *Router) FetchIndexDaily(ctx context.Context, symbol string, rng model.DateRange) ([]model.Candle, error) {
	q := request{op: "index_daily", kind: provider.CapIndex, symbol: symbol, tf: model.Daily}
	return r.fetchCandles(ctx, q, rng)
}

// FetchStockInfo returns the static description of symbol.
func (r *Router) FetchStockInfo(ctx context.Context, symbol string) (model.StockInfo, error) {
	q := request{op: "stock_info", kind: provider.CapStockInfo, symbol: symbol}
	return execute(ctx, r, q, func(ctx context.Context, p provider.Provider) (model.StockInfo, error) {
		return p.FetchStockInfo(ctx, symbol)
	}, nil)
}

// FetchFinancials returns the statements of symbol for period.
func (r *Router) FetchFinancials(ctx context.Context, symbol, period string) (model.FinancialStatementData, error) {
	q := request{op: "financials", kind: provider.CapFinancials, symbol: symbol}
	return execute(ctx, r, q, func(ctx context.Context, p provider.Provider) (model.FinancialStatementData, error) {
		return p.FetchFinancials(ctx, symbol, period)
	}, nil)
}

// FetchValuation returns the latest valuation metrics of symbol.
func (r *Router) FetchValuation(ctx context.Context, symbol string) (model.ValuationMetrics, error) {
	q := request{op: "valuation", kind: provider.CapValuation, symbol: symbol}
	return execute(ctx, r, q, func(ctx context.Context, p provider.Provider) (model.ValuationMetrics, error) {
		return p.FetchValuation(ctx, symbol)
	}, nil)
}

// FetchValuations returns the valuations of several symbols from a single provider.
// A provider that fails any symbol fails the whole batch over to the next one.
func (r *Router) FetchValuations(ctx context.Context, symbols []string) ([]model.ValuationMetrics, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols requested")
	}
	q := request{op: "batch_valuation", kind: provider.CapValuation, symbol: strings.Join(symbols, ",")}
	return execute(ctx, r, q, func(ctx context.Context, p provider.Provider) ([]model.ValuationMetrics, error) {
		return provider.FetchValuations(ctx, p, symbols)
	}, func(vs []model.ValuationMetrics) error {
		if len(vs) == 0 {
			return errors.New("empty batch")
		}
		return nil
	})
}

// execute runs the failover loop for one request. Candidates are tried one at a
// time and each at most once.
func execute[T any](
	ctx context.Context,
	r *Router,
	q request,
	call func(context.Context, provider.Provider) (T, error),
	validate func(T) error,
) (T, error) {
	var zero T
	start := time.Now()

	reqID := RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
		ctx = WithRequestID(ctx, reqID)
	}
	ctx, span := r.tracer.Start(ctx, "router.fetch", trace.WithAttributes(
		attribute.String("op", q.op),
		attribute.String("symbol", q.symbol),
		attribute.String("request_id", reqID),
	))
	defer span.End()
	log := r.log.WithFields(logrus.Fields{"request_id": reqID, "op": q.op, "symbol": q.symbol})

	cands := r.candidates(q)
	if len(cands) == 0 {
		err := fmt.Errorf("%w: %s", ErrUnsupportedCapability, q.describe())
		r.observer.ObserveFetch(q.op, "unsupported", time.Since(start))
		tracing.RecordError(ctx, err)
		return zero, err
	}

	abort := func(err error) (T, error) {
		r.observer.ObserveFetch(q.op, "canceled", time.Since(start))
		tracing.RecordError(ctx, err)
		return zero, err
	}

	var (
		attempts []Attempt
		called   bool
	)
	for _, c := range cands {
		m := c.m
		name := m.info.Name
		if called && !r.cfg.FailoverEnabled {
			break
		}
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		if c.state == circuitbreaker.StateOpen || !m.breaker.CanExecute() {
			attempts = append(attempts, Attempt{
				Provider: name,
				Err:      circuitbreaker.ErrCircuitOpen,
				Skipped:  true,
			})
			r.observer.ObserveAttempt(name, q.op, "circuit_open", 0)
			log.WithField("provider", name).Debug("Skipping provider with open circuit")
			continue
		}

		waitStart := time.Now()
		if err := m.limiter.Acquire(ctx); err != nil {
			m.breaker.Abandon()
			if ctx.Err() != nil {
				return abort(ctx.Err())
			}
			attempts = append(attempts, Attempt{Provider: name, Err: err, Skipped: true})
			r.observer.ObserveAttempt(name, q.op, "backpressure", 0)
			log.WithField("provider", name).WithError(err).Debug("Skipping rate limited provider")
			continue
		}
		if wait := time.Since(waitStart); wait > time.Millisecond {
			r.observer.ObserveRateLimitWait(name, wait)
		}

		called = true
		v, latency, err := callProvider(ctx, r, m, q.op, call)
		if err == nil && validate != nil {
			if verr := validate(v); verr != nil {
				err = provider.Malformed("response failed validation", verr)
			}
		}

		if err == nil {
			m.breaker.RecordSuccess()
			if r.cfg.ReportOutcomesToHealth {
				r.monitor.RecordSuccess(name, latency)
			}
			r.observer.ObserveAttempt(name, q.op, "success", latency)
			r.observer.ObserveFetch(q.op, "success", time.Since(start))
			log.WithFields(logrus.Fields{
				"provider": name,
				"latency":  latency,
				"attempt":  len(attempts) + 1,
			}).Debug("Fetched from provider")
			return v, nil
		}

		if ctx.Err() != nil {
			m.breaker.Abandon()
			return abort(ctx.Err())
		}

		pe := provider.Normalize(name, err)
		r.recordFailure(m, pe)
		attempts = append(attempts, Attempt{Provider: name, Err: pe})
		r.observer.ObserveAttempt(name, q.op, pe.Kind.String(), latency)
		log.WithFields(logrus.Fields{
			"provider": name,
			"kind":     pe.Kind.String(),
			"latency":  latency,
		}).WithError(pe).Warn("Provider call failed")
	}

	fail := &AllProvidersFailedError{Op: q.op, Attempts: attempts}
	outcome := "all_failed"
	if fail.NoneAvailable() {
		outcome = "none_available"
	}
	r.observer.ObserveFetch(q.op, outcome, time.Since(start))
	tracing.RecordError(ctx, fail)
	log.WithField("attempts", len(attempts)).Warn("All providers failed")
	return zero, fail
}

// callProvider invokes one provider with the per-call timeout. A provider that does
// not return by the deadline is abandoned and reported as a timeout; a panic is
// reported as a malformed response.
func callProvider[T any](
	ctx context.Context,
	r *Router,
	m *member,
	op string,
	call func(context.Context, provider.Provider) (T, error),
) (T, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, "provider."+op, trace.WithAttributes(
		attribute.String("provider", m.info.Name),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: provider.Malformed(fmt.Sprintf("panic: %v", p), nil)}
			}
		}()
		v, err := call(callCtx, m.p)
		done <- result{v: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	latency := time.Since(start)

	if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		provider.KindOf(res.err) != provider.KindTimeout {
		res.err = provider.Timeout(res.err)
	}
	if res.err != nil {
		tracing.RecordError(ctx, res.err)
	}
	return res.v, latency, res.err
}

// recordFailure feeds a provider error into the breaker and the health monitor.
// Unsupported answers stay out of both: a missing capability is not an outage.
// Under the soft policy a rate limited answer only starts a cooldown; otherwise it
// counts in the breaker and in health alike.
func (r *Router) recordFailure(m *member, pe *provider.Error) {
	name := m.info.Name
	switch pe.Kind {
	case provider.KindUnsupported:
		m.breaker.Abandon()
		return
	case provider.KindRateLimited:
		r.monitor.RecordRateLimited(name, pe.RetryAfter)
		if r.cfg.RateLimitPolicy == RateLimitSoftBackpressure {
			m.breaker.Abandon()
			return
		}
	}
	m.breaker.RecordFailure()
	if r.cfg.ReportOutcomesToHealth {
		r.monitor.RecordFailure(name, pe)
	}
}

// ProviderStatus is the runtime view of one provider.
type ProviderStatus struct {
	provider.Info
	Enabled   bool                  `json:"enabled"`
	Health    health.ProviderHealth `json:"health"`
	Circuit   circuitbreaker.Stats  `json:"circuit"`
	RateLimit ratelimit.Config      `json:"rate_limit"`
	Waiting   int                   `json:"waiting"`
	Timeout   time.Duration         `json:"timeout"`
}

// Providers lists every registered provider by priority.
func (r *Router) Providers() []ProviderStatus {
	members := r.snapshot()
	out := make([]ProviderStatus, 0, len(members))
	for _, m := range members {
		h, _ := r.monitor.Health(m.info.Name)
		out = append(out, ProviderStatus{
			Info:      m.info,
			Enabled:   m.enabled.Load(),
			Health:    h,
			Circuit:   m.breaker.Stats(),
			RateLimit: m.limiter.Config(),
			Waiting:   m.limiter.Pending(),
			Timeout:   m.timeout,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// SetEnabled turns routing to a provider on or off at runtime.
func (r *Router) SetEnabled(name string, enabled bool) error {
	m, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	if m.enabled.Swap(enabled) != enabled {
		r.log.WithFields(logrus.Fields{"provider": name, "enabled": enabled}).Info("Provider routing changed")
	}
	return nil
}

// CombinedCapabilities is the union of what the enabled providers declare.
func (r *Router) CombinedCapabilities() provider.Capabilities {
	var caps provider.Capabilities
	for _, m := range r.snapshot() {
		if m.enabled.Load() {
			caps = caps.Merge(m.info.Capabilities)
		}
	}
	return caps
}

// CircuitStats returns the breaker stats of every provider in registration order.
func (r *Router) CircuitStats() []circuitbreaker.Stats {
	members := r.snapshot()
	out := make([]circuitbreaker.Stats, 0, len(members))
	for _, m := range members {
		out = append(out, m.breaker.Stats())
	}
	return out
}

// ResetCircuit forces a provider's breaker back to closed.
func (r *Router) ResetCircuit(name string) error {
	m, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("unknown provider %q", name)
	}
	m.breaker.Reset()
	return nil
}

// Monitor returns the health monitor.
func (r *Router) Monitor() *health.Monitor { return r.monitor }

// StartHealthChecks launches the background checks.
func (r *Router) StartHealthChecks(ctx context.Context) { r.monitor.Start(ctx) }

// StopHealthChecks cancels the background checks without waiting for them.
func (r *Router) StopHealthChecks() { r.monitor.Stop() }

type requestIDKey struct{}

// WithRequestID attaches a request ID that fetches will log and trace instead of
// generating their own.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
