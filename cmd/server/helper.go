package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/marketdata-router/internal/model"
)

// Helper functions for request parsing and JSON responses

// dateLayouts are the accepted forms of the from and to query parameters
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// parseTimeframe reads the timeframe query parameter, defaulting to daily
func parseTimeframe(r *http.Request) (model.Timeframe, error) {
	raw := r.URL.Query().Get("timeframe")
	if raw == "" {
		return model.Daily, nil
	}
	return model.ParseTimeframe(raw)
}

// parseDateRange reads the optional from and to query parameters
func parseDateRange(r *http.Request) (model.DateRange, error) {
	var rng model.DateRange
	var err error
	if rng.From, err = parseDate(r.URL.Query().Get("from")); err != nil {
		return rng, fmt.Errorf("invalid from: %w", err)
	}
	if rng.To, err = parseDate(r.URL.Query().Get("to")); err != nil {
		return rng, fmt.Errorf("invalid to: %w", err)
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return rng, fmt.Errorf("to %s is before from %s", rng.To.Format(time.RFC3339), rng.From.Format(time.RFC3339))
	}
	return rng, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}
