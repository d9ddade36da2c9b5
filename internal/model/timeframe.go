package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Timeframe is the granularity of a candle. Values are ordered from finest to coarsest.
type Timeframe int

// Supported timeframes
const (
	M1 Timeframe = iota + 1
	M5
	M15
	M30
	H1
	H4
	Daily
	Weekly
)

// AllTimeframes lists every timeframe from finest to coarsest.
var AllTimeframes = []Timeframe{M1, M5, M15, M30, H1, H4, Daily, Weekly}

// ParseTimeframe accepts the common spellings ("1m", "M5", "1H", "4h", "D", "daily", "W").
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1M", "M1", "1MIN":
		return M1, nil
	case "5M", "M5", "5MIN":
		return M5, nil
	case "15M", "M15", "15MIN":
		return M15, nil
	case "30M", "M30", "30MIN":
		return M30, nil
	case "1H", "H1", "60M", "60MIN":
		return H1, nil
	case "4H", "H4", "240M", "240MIN":
		return H4, nil
	case "D", "1D", "DAILY":
		return Daily, nil
	case "W", "1W", "WEEKLY":
		return Weekly, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", s)
}

// String returns the canonical short name.
func (tf Timeframe) String() string {
	switch tf {
	case M1:
		return "1m"
	case M5:
		return "5m"
	case M15:
		return "15m"
	case M30:
		return "30m"
	case H1:
		return "1h"
	case H4:
		return "4h"
	case Daily:
		return "1d"
	case Weekly:
		return "1w"
	}
	return fmt.Sprintf("timeframe(%d)", int(tf))
}

// Valid reports whether tf is one of the declared timeframes.
func (tf Timeframe) Valid() bool {
	return tf >= M1 && tf <= Weekly
}

// Duration returns the nominal wall-clock length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M1:
		return time.Minute
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case M30:
		return 30 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// IsIntraday reports whether the timeframe is finer than a trading day.
func (tf Timeframe) IsIntraday() bool {
	return tf < Daily
}

// MarshalJSON encodes the timeframe as its short name.
func (tf Timeframe) MarshalJSON() ([]byte, error) {
	return json.Marshal(tf.String())
}

// UnmarshalJSON accepts any spelling understood by ParseTimeframe.
func (tf *Timeframe) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeframe(s)
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// UnmarshalText lets timeframes appear as YAML scalars and map keys.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}
