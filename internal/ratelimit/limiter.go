// Package ratelimit bounds the outbound request rate to each data provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrBackpressure is returned when a caller would have to wait longer than allowed
// or too many callers are already queued.
var ErrBackpressure = errors.New("rate limiter backpressure")

// Config is the per-provider rate limit.
type Config struct {
	// MaxRequests is the number of calls allowed per Window; zero disables limiting
	MaxRequests int `json:"max_requests" yaml:"max_requests"`

	// Window is the accounting period for MaxRequests
	Window time.Duration `json:"window" yaml:"window"`

	// Burst is how many calls may proceed back to back; defaults to 1, which spaces
	// calls evenly so no window ever sees more than MaxRequests
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty"`

	// MaxWait rejects a caller whose slot is further away than this; zero waits
	// as long as the context allows
	MaxWait time.Duration `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`

	// MaxPending caps callers queued for a slot; zero is unbounded
	MaxPending int `json:"max_pending,omitempty" yaml:"max_pending,omitempty"`
}

// Bounds applied by Bounded to a limit that sets none of its own
const (
	DefaultMaxWait    = 10 * time.Second
	DefaultMaxPending = 100
)

// Bounded returns c with DefaultMaxWait and DefaultMaxPending filled in for unset
// bounds, so a limited provider never queues callers without end. A config that
// limits nothing is returned unchanged.
func (c Config) Bounded() Config {
	if !c.Enabled() {
		return c
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	return c
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.MaxRequests > 0 && c.Window > 0
}

// Interval is the spacing between slots.
func (c Config) Interval() time.Duration {
	if !c.Enabled() {
		return 0
	}
	return c.Window / time.Duration(c.MaxRequests)
}

// Limiter is a token bucket shared by every caller of one provider. Slots are
// reserved in arrival order, so queued callers are served FIFO.
type Limiter struct {
	name    string
	cfg     Config
	lim     *rate.Limiter
	pending atomic.Int64
}

// New creates a limiter. A disabled config yields a limiter that never waits.
func New(name string, cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.Enabled() {
		limit = rate.Every(cfg.Interval())
	}
	return &Limiter{
		name: name,
		cfg:  cfg,
		lim:  rate.NewLimiter(limit, cfg.Burst),
	}
}

// Name returns the provider name.
func (l *Limiter) Name() string { return l.name }

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Pending returns the number of callers currently waiting for a slot.
func (l *Limiter) Pending() int { return int(l.pending.Load()) }

// Acquire takes one slot, suspending the caller until it is due. It fails with
// ErrBackpressure when the queue is full, the wait exceeds MaxWait or the slot falls
// after the context deadline, and with ctx.Err() when ctx ends while waiting. A slot
// that is not used is given back.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.cfg.Enabled() {
		return ctx.Err()
	}

	if limit := l.cfg.MaxPending; limit > 0 {
		if n := l.pending.Add(1); n > int64(limit) {
			l.pending.Add(-1)
			return fmt.Errorf("%s: %d callers queued: %w", l.name, limit, ErrBackpressure)
		}
	} else {
		l.pending.Add(1)
	}
	defer l.pending.Add(-1)

	now := time.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("%s: %w", l.name, ErrBackpressure)
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	if l.cfg.MaxWait > 0 && delay > l.cfg.MaxWait {
		r.CancelAt(now)
		return fmt.Errorf("%s: next slot in %s exceeds max wait %s: %w", l.name, delay, l.cfg.MaxWait, ErrBackpressure)
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Sub(now) < delay {
		r.CancelAt(now)
		return fmt.Errorf("%s: next slot in %s is past the deadline: %w", l.name, delay, ErrBackpressure)
	}

	logrus.WithFields(logrus.Fields{
		"provider": l.name,
		"wait":     delay,
	}).Debug("Waiting for rate limit slot")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is available right now.
func (l *Limiter) TryAcquire() bool {
	return l.lim.Allow()
}
