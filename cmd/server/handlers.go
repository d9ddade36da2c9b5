package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/marketdata-router/internal/config"
	"github.com/yourorg/marketdata-router/internal/health"
	"github.com/yourorg/marketdata-router/internal/provider"
	"github.com/yourorg/marketdata-router/internal/router"
)

const maxProviderBody = 64 << 10

// Response is the envelope of every data endpoint
type Response struct {
	RequestID  string      `json:"request_id"`
	StatusCode int         `json:"statusCode"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`

	// Attempts lists each provider's failure when the request could not be served
	Attempts []attemptView `json:"attempts,omitempty"`

	LatencyMs int64 `json:"latencyMs"`
}

type attemptView struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Handler returns the HTTP routes of the service
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Market data
	mux.HandleFunc("GET /v1/candles/{symbol}", s.handleCandles)
	mux.HandleFunc("GET /v1/stocks/{symbol}", s.handleStockInfo)
	mux.HandleFunc("GET /v1/financials/{symbol}", s.handleFinancials)
	mux.HandleFunc("GET /v1/valuation/{symbol}", s.handleValuation)
	mux.HandleFunc("GET /v1/valuation", s.handleValuations)
	mux.HandleFunc("GET /v1/indices/{symbol}/daily", s.handleIndexDaily)

	// Operations
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("POST /providers", s.handleRegisterProvider)
	mux.HandleFunc("DELETE /providers/{name}", s.handleUnregisterProvider)
	mux.HandleFunc("POST /providers/{name}/{action}", s.handleProviderAction)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return withRequestID(mux)
}

type requestStartKey struct{}

// withRequestID propagates X-Request-ID, generating one when absent
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := router.WithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, requestStartKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func latencyMs(r *http.Request) int64 {
	start, ok := r.Context().Value(requestStartKey{}).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start).Milliseconds()
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	tf, err := parseTimeframe(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	rng, err := parseDateRange(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	candles, err := s.router.FetchCandles(r.Context(), r.PathValue("symbol"), tf, rng)
	s.respond(w, r, candles, err)
}

func (s *Server) handleStockInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.router.FetchStockInfo(r.Context(), r.PathValue("symbol"))
	s.respond(w, r, info, err)
}

func (s *Server) handleFinancials(w http.ResponseWriter, r *http.Request) {
	data, err := s.router.FetchFinancials(r.Context(), r.PathValue("symbol"), r.URL.Query().Get("period"))
	s.respond(w, r, data, err)
}

func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	v, err := s.router.FetchValuation(r.Context(), r.PathValue("symbol"))
	s.respond(w, r, v, err)
}

// handleValuations serves a comma separated symbols list from one provider
func (s *Server) handleValuations(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		s.errorResponse(w, r, http.StatusBadRequest, "symbols is required", nil)
		return
	}

	vs, err := s.router.FetchValuations(r.Context(), symbols)
	s.respond(w, r, vs, err)
}

func (s *Server) handleIndexDaily(w http.ResponseWriter, r *http.Request) {
	rng, err := parseDateRange(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	candles, err := s.router.FetchIndexDaily(r.Context(), r.PathValue("symbol"), rng)
	s.respond(w, r, candles, err)
}

// respond writes data, or maps a router error to a status code
func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, Response{
			RequestID:  router.RequestIDFromContext(r.Context()),
			StatusCode: http.StatusOK,
			Status:     "success",
			Data:       data,
			LatencyMs:  latencyMs(r),
		})
		return
	}

	var failed *router.AllProvidersFailedError
	switch {
	case errors.Is(err, router.ErrUnsupportedCapability):
		s.errorResponse(w, r, http.StatusNotImplemented, err.Error(), nil)
	case errors.As(err, &failed):
		s.errorResponse(w, r, failureStatus(failed), "all providers failed", failed.Attempts)
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, r, http.StatusGatewayTimeout, err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to send
		logrus.WithField("request_id", router.RequestIDFromContext(r.Context())).Debug("Request canceled")
	default:
		s.errorResponse(w, r, http.StatusInternalServerError, err.Error(), nil)
	}
}

// failureStatus is 503 when no provider could be called, 404 when every vendor
// reported the symbol unknown, and 502 otherwise
func failureStatus(e *router.AllProvidersFailedError) int {
	if e.NoneAvailable() {
		return http.StatusServiceUnavailable
	}
	notFound := true
	for _, a := range e.Attempts {
		if !a.Skipped && provider.KindOf(a.Err) != provider.KindNotFound {
			notFound = false
		}
	}
	if notFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// errorResponse returns a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorMsg string, attempts []router.Attempt) {
	reqID := router.RequestIDFromContext(r.Context())
	logrus.WithFields(logrus.Fields{
		"request_id": reqID,
		"path":       r.URL.Path,
		"status":     statusCode,
	}).Warn(errorMsg)

	resp := Response{
		RequestID:  reqID,
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
		LatencyMs:  latencyMs(r),
	}
	for _, a := range attempts {
		v := attemptView{Provider: a.Provider, Skipped: a.Skipped}
		if a.Err != nil {
			v.Error = a.Err.Error()
			if k := provider.KindOf(a.Err); k != 0 {
				v.Kind = k.String()
			}
		}
		resp.Attempts = append(resp.Attempts, v)
	}
	writeJSON(w, statusCode, resp)
}

// handleHealth reports ok while at least one enabled provider is not unhealthy
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serving := 0
	for _, p := range s.router.Providers() {
		if p.Enabled && p.Health.Status != health.StatusUnhealthy {
			serving++
		}
	}

	status, code := "OK", http.StatusOK
	if serving == 0 {
		status, code = "UNAVAILABLE", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"providers": serving,
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "operational",
		"uptime":       time.Since(startTime).String(),
		"version":      version,
		"providers":    s.router.Providers(),
		"capabilities": s.router.CombinedCapabilities(),
		"events":       s.notifier.Status(),
		"configuration": map[string]interface{}{
			"failover":          s.config.FailoverEnabled,
			"request_timeout":   s.config.RequestTimeout.String(),
			"rate_limit_policy": s.config.RateLimitPolicy,
			"resample_fallback": s.config.ResampleFallback,
		},
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Providers())
}

// handleRegisterProvider adds a vendor described by a providers file entry, in YAML or JSON
func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProviderBody))
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	spec, err := config.ParseProvider(body)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	regs, err := createRegistrations([]config.ProviderSpec{spec})
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.router.Register(regs[0]); err != nil {
		s.errorResponse(w, r, http.StatusConflict, err.Error(), nil)
		return
	}
	s.metrics.InitProvider(spec.Name)

	writeJSON(w, http.StatusCreated, map[string]interface{}{"provider": spec.Name, "enabled": spec.Enabled})
}

func (s *Server) handleUnregisterProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.router.Unregister(name); err != nil {
		s.errorResponse(w, r, http.StatusNotFound, err.Error(), nil)
		return
	}
	s.metrics.RemoveProvider(name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": name, "removed": true})
}

// handleProviderAction enables or disables routing to one provider
func (s *Server) handleProviderAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var enabled bool
	switch r.PathValue("action") {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		s.errorResponse(w, r, http.StatusNotFound, "unknown action", nil)
		return
	}
	if err := s.router.SetEnabled(name, enabled); err != nil {
		s.errorResponse(w, r, http.StatusNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": name, "enabled": enabled})
}

// handleCircuitStatus allows viewing and resetting the per-provider circuit breakers
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			s.errorResponse(w, r, http.StatusBadRequest, "unsupported action", nil)
			return
		}
		name := r.URL.Query().Get("provider")
		if err := s.router.ResetCircuit(name); err != nil {
			s.errorResponse(w, r, http.StatusNotFound, err.Error(), nil)
			return
		}
		response["message"] = "Circuit breaker reset for " + name
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response["circuits"] = s.router.CircuitStats()
	writeJSON(w, http.StatusOK, response)
}
