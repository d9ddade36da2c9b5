package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yourorg/marketdata-router/internal/model"
)

// Capability is a bitset of request kinds a provider can serve.
type Capability uint8

// Request kinds
const (
	CapCandles Capability = 1 << iota
	CapStockInfo
	CapFinancials
	CapValuation
	CapIndex

	CapNone Capability = 0
	CapAll             = CapCandles | CapStockInfo | CapFinancials | CapValuation | CapIndex
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapCandles, "candles"},
	{CapStockInfo, "stock_info"},
	{CapFinancials, "financials"},
	{CapValuation, "valuation"},
	{CapIndex, "index"},
}

// Has reports whether every bit in other is set in c.
func (c Capability) Has(other Capability) bool {
	return other != CapNone && c&other == other
}

func (c Capability) String() string {
	if c == CapNone {
		return "none"
	}
	var parts []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseCapability parses a single capability name.
func ParseCapability(s string) (Capability, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "all" {
		return CapAll, nil
	}
	for _, n := range capabilityNames {
		if n.name == name {
			return n.c, nil
		}
	}
	return CapNone, fmt.Errorf("unknown capability %q", s)
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Kinds Capability `json:"-"`

	// Timeframes restricts candle requests; empty means every timeframe
	Timeframes []model.Timeframe `json:"timeframes,omitempty"`

	// MaxHistoryDays is informational; zero means unknown or unlimited
	MaxHistoryDays int `json:"max_history_days,omitempty"`
}

// CandlesOnly is a convenience for providers that only serve candles.
func CandlesOnly(timeframes ...model.Timeframe) Capabilities {
	return Capabilities{Kinds: CapCandles, Timeframes: timeframes}
}

// Full declares every request kind and every timeframe.
func Full() Capabilities {
	return Capabilities{Kinds: CapAll}
}

// Supports reports whether the provider serves kind.
func (c Capabilities) Supports(kind Capability) bool {
	return c.Kinds.Has(kind)
}

// SupportsTimeframe reports whether candles at tf can be requested.
func (c Capabilities) SupportsTimeframe(tf model.Timeframe) bool {
	if !c.Kinds.Has(CapCandles) {
		return false
	}
	if len(c.Timeframes) == 0 {
		return true
	}
	for _, t := range c.Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// Merge returns the union of c and other.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	out := Capabilities{Kinds: c.Kinds | other.Kinds}

	// an unrestricted candle provider makes the union unrestricted
	unrestricted := (c.Kinds.Has(CapCandles) && len(c.Timeframes) == 0) ||
		(other.Kinds.Has(CapCandles) && len(other.Timeframes) == 0)
	if !unrestricted {
		seen := make(map[model.Timeframe]bool)
		for _, tf := range append(append([]model.Timeframe{}, c.Timeframes...), other.Timeframes...) {
			if !seen[tf] {
				seen[tf] = true
				out.Timeframes = append(out.Timeframes, tf)
			}
		}
	}

	out.MaxHistoryDays = c.MaxHistoryDays
	if other.MaxHistoryDays > out.MaxHistoryDays {
		out.MaxHistoryDays = other.MaxHistoryDays
	}
	return out
}

// MarshalJSON renders the kinds as a list of names.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	type alias Capabilities
	var kinds []string
	for _, n := range capabilityNames {
		if c.Kinds&n.c != 0 {
			kinds = append(kinds, n.name)
		}
	}
	return json.Marshal(struct {
		Kinds []string `json:"kinds"`
		alias
	}{kinds, alias(c)})
}
