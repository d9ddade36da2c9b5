package router

import (
	"sort"
	"time"

	"github.com/yourorg/marketdata-router/internal/circuitbreaker"
	"github.com/yourorg/marketdata-router/internal/health"
	"github.com/yourorg/marketdata-router/internal/model"
	"github.com/yourorg/marketdata-router/internal/provider"
)

// request is what a fetch asks of a provider.
type request struct {
	op     string
	kind   provider.Capability
	symbol string
	tf     model.Timeframe // candles only
}

func (q request) describe() string {
	if q.kind == provider.CapCandles {
		return q.kind.String() + " " + q.tf.String()
	}
	return q.kind.String()
}

// candidate is a provider as seen at the start of a fetch.
type candidate struct {
	m       *member
	status  health.Status
	cooling bool
	state   circuitbreaker.State
}

func (m *member) serves(q request) bool {
	if !m.enabled.Load() {
		return false
	}
	caps := m.info.Capabilities
	if q.kind == provider.CapCandles {
		return caps.SupportsTimeframe(q.tf)
	}
	return caps.Supports(q.kind)
}

func (r *Router) anyServes(q request) bool {
	for _, m := range r.snapshot() {
		if m.serves(q) {
			return true
		}
	}
	return false
}

// candidates snapshots every enabled provider able to serve q, in the order they
// will be tried: providers in rate limit cooldown last, then by health severity,
// configured priority, circuit state (closed before half-open before open) and
// registration order. Open circuits stay in the list so they are reported as skipped.
func (r *Router) candidates(q request) []candidate {
	now := time.Now()
	var out []candidate
	for _, m := range r.snapshot() {
		if !m.serves(q) {
			continue
		}
		h, _ := r.monitor.Health(m.info.Name)
		out = append(out, candidate{
			m:       m,
			status:  h.Status,
			cooling: h.RateLimited(now),
			state:   m.breaker.State(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

func (c candidate) less(o candidate) bool {
	if c.cooling != o.cooling {
		return !c.cooling
	}
	if c.status != o.status {
		return c.status < o.status
	}
	if c.m.info.Priority != o.m.info.Priority {
		return c.m.info.Priority < o.m.info.Priority
	}
	if a, b := stateRank(c.state), stateRank(o.state); a != b {
		return a < b
	}
	return c.m.index < o.m.index
}

func stateRank(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.StateClosed:
		return 0
	case circuitbreaker.StateHalfOpen:
		return 1
	}
	return 2
}
