// Package validation checks vendor candle data before it is handed to callers.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/marketdata-router/internal/model"
)

// Options holds configuration for candle validation
type Options struct {
	// MaxFutureSkew tolerates vendor clocks running ahead; bars further in the future are invalid
	MaxFutureSkew time.Duration

	// EnableOutlierDetection logs bars whose return is a statistical outlier
	EnableOutlierDetection bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64

	// DropInvalid removes inconsistent or out-of-order bars instead of rejecting the response
	DropInvalid bool

	now func() time.Time
}

// DefaultOptions returns the defaults used by the router.
func DefaultOptions() Options {
	return Options{
		MaxFutureSkew:          24 * time.Hour,
		EnableOutlierDetection: true,
		OutlierIQRMultiplier:   3.0,
	}
}

// Issue describes one invalid bar.
type Issue struct {
	Index  int
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("candle %d: %s", i.Index, i.Reason)
}

// Request identifies what the candles were fetched for. Zero fields are not checked.
type Request struct {
	Symbol    string
	Timeframe model.Timeframe
}

// Inspect returns every problem found in candles.
func Inspect(candles []model.Candle, req Request, opts Options) []Issue {
	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	horizon := now().Add(opts.MaxFutureSkew)

	var issues []Issue
	for i, c := range candles {
		if !c.IsConsistent() {
			issues = append(issues, Issue{i, fmt.Sprintf("inconsistent OHLCV o=%g h=%g l=%g c=%g v=%g", c.Open, c.High, c.Low, c.Close, c.Volume)})
		}
		if c.Timestamp.IsZero() {
			issues = append(issues, Issue{i, "missing timestamp"})
		} else if opts.MaxFutureSkew > 0 && c.Timestamp.After(horizon) {
			issues = append(issues, Issue{i, "timestamp " + c.Timestamp.Format(time.RFC3339) + " is in the future"})
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			issues = append(issues, Issue{i, "timestamp not after previous bar"})
		}
		if req.Symbol != "" && c.Symbol != "" && !strings.EqualFold(c.Symbol, req.Symbol) {
			issues = append(issues, Issue{i, fmt.Sprintf("symbol %q, requested %q", c.Symbol, req.Symbol)})
		}
		if req.Timeframe != 0 && c.Timeframe != 0 && c.Timeframe != req.Timeframe {
			issues = append(issues, Issue{i, fmt.Sprintf("timeframe %s, requested %s", c.Timeframe, req.Timeframe)})
		}
	}
	return issues
}

// CheckCandles returns an error describing the first problem, or nil when the
// sequence is usable. Outliers are logged but never fail the check.
func CheckCandles(candles []model.Candle, req Request, opts Options) error {
	issues := Inspect(candles, req, opts)
	if len(issues) > 0 {
		if len(issues) == 1 {
			return fmt.Errorf("invalid candle data: %s", issues[0])
		}
		return fmt.Errorf("invalid candle data: %s (and %d more)", issues[0], len(issues)-1)
	}

	if opts.EnableOutlierDetection && len(candles) > 4 {
		for _, i := range Outliers(candles, opts.OutlierIQRMultiplier) {
			logrus.WithFields(logrus.Fields{
				"symbol":    candles[i].Symbol,
				"timestamp": candles[i].Timestamp,
				"close":     candles[i].Close,
			}).Debug("Candle return is an outlier")
		}
	}
	return nil
}

// FilterInvalid drops inconsistent bars and bars that do not advance in time.
func FilterInvalid(candles []model.Candle) []model.Candle {
	valid := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.IsConsistent() || c.Timestamp.IsZero() {
			logrus.WithFields(logrus.Fields{
				"symbol":    c.Symbol,
				"timestamp": c.Timestamp,
			}).Debug("Filtered invalid candle")
			continue
		}
		if n := len(valid); n > 0 && !c.Timestamp.After(valid[n-1].Timestamp) {
			continue
		}
		valid = append(valid, c)
	}
	return valid
}

// Outliers returns the indexes of bars whose close-to-close log return lies outside
// the interquartile fence [Q1 - k*IQR, Q3 + k*IQR].
func Outliers(candles []model.Candle, iqrMultiplier float64) []int {
	if len(candles) < 5 {
		return nil
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev <= 0 || cur <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lower := q1 - iqrMultiplier*iqr
	upper := q3 + iqrMultiplier*iqr

	var out []int
	for i, r := range returns {
		if r < lower || r > upper {
			out = append(out, i+1)
		}
	}
	return out
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
