// Package aggregate builds coarser candles from finer ones, used when no provider
// serves the requested timeframe directly.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/yourorg/marketdata-router/internal/model"
)

// CanResample reports whether candles at from can be combined into candles at to.
// Intraday targets must be a whole multiple of the source; daily and weekly targets
// accept any finer source and bucket by calendar day or ISO week.
func CanResample(from, to model.Timeframe) bool {
	if !from.Valid() || !to.Valid() || from >= to {
		return false
	}
	if !to.IsIntraday() {
		return true
	}
	return to.Duration()%from.Duration() == 0
}

// Sources returns the timeframes that can be resampled into target, coarsest first so
// that the fewest bars are fetched.
func Sources(target model.Timeframe) []model.Timeframe {
	var out []model.Timeframe
	for i := len(model.AllTimeframes) - 1; i >= 0; i-- {
		if tf := model.AllTimeframes[i]; CanResample(tf, target) {
			out = append(out, tf)
		}
	}
	return out
}

// Resample combines candles into target-sized bars. Input must be sorted by timestamp.
// Each output bar takes the first open, the last close, the highest high, the lowest
// low and the summed volume and amount of its bucket, and is stamped with the open
// time of its first input bar.
func Resample(candles []model.Candle, target model.Timeframe) ([]model.Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}
	from := candles[0].Timeframe
	if from == target {
		return candles, nil
	}
	if !CanResample(from, target) {
		return nil, fmt.Errorf("cannot resample %s candles into %s", from, target)
	}

	out := make([]model.Candle, 0, len(candles)/2+1)
	var (
		cur     model.Candle
		curKey  int64
		started bool
	)
	for i, c := range candles {
		if c.Timeframe != from {
			return nil, fmt.Errorf("candle %d has timeframe %s, expected %s", i, c.Timeframe, from)
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return nil, fmt.Errorf("candle %d at %s is not after its predecessor", i, c.Timestamp.Format(time.RFC3339))
		}

		key := bucket(c.Timestamp, target)
		if !started || key != curKey {
			if started {
				out = append(out, cur)
			}
			cur = c
			cur.Timeframe = target
			curKey = key
			started = true
			continue
		}

		cur.High = math.Max(cur.High, c.High)
		cur.Low = math.Min(cur.Low, c.Low)
		cur.Close = c.Close
		cur.Volume += c.Volume
		cur.Amount += c.Amount
	}
	if started {
		out = append(out, cur)
	}
	return out, nil
}

// bucket maps a timestamp to an identifier shared by every bar of the same target bar.
func bucket(t time.Time, target model.Timeframe) int64 {
	switch target {
	case model.Daily:
		y, m, d := t.Date()
		return int64(y)*10000 + int64(m)*100 + int64(d)
	case model.Weekly:
		y, w := t.ISOWeek()
		return int64(y)*100 + int64(w)
	default:
		return t.Truncate(target.Duration()).Unix()
	}
}

// Trim drops candles outside r and returns the rest in timestamp order.
func Trim(candles []model.Candle, r model.DateRange) []model.Candle {
	out := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if r.Contains(c.Timestamp) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
