package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/yourorg/marketdata-router/internal/config"
	"github.com/yourorg/marketdata-router/internal/model"
	"github.com/yourorg/marketdata-router/internal/provider"
	"github.com/yourorg/marketdata-router/internal/provider/providermock"
	"github.com/yourorg/marketdata-router/internal/router"
)

func newMock(ctrl *gomock.Controller, name string, priority int, caps provider.Capabilities) *providermock.MockProvider {
	m := providermock.NewMockProvider(ctrl)
	m.EXPECT().Name().Return(name).AnyTimes()
	m.EXPECT().Priority().Return(priority).AnyTimes()
	m.EXPECT().Capabilities().Return(caps).AnyTimes()
	return m
}

func newTestServer(t *testing.T, ps ...provider.Provider) *Server {
	t.Helper()
	regs := make([]router.Registration, len(ps))
	for i, p := range ps {
		regs[i] = router.Registration{Provider: p}
	}
	cfg := config.Load()
	cfg.EventsEnabled = false
	s, err := NewServer(cfg, regs)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target string, header map[string]string) (*http.Response, Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	res := rec.Result()
	var body Response
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(raw, &body)
	return res, body
}

func TestHandleCandles(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMock(ctrl, "alpha", 1, provider.Full())
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	p.EXPECT().FetchCandles(gomock.Any(), "AAPL", model.H1, model.DateRange{From: day}).Return([]model.Candle{
		{Timestamp: day, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
	}, nil)

	s := newTestServer(t, p)
	res, body := do(t, s, http.MethodGet, "/v1/candles/AAPL?timeframe=1h&from=2024-05-06", map[string]string{"X-Request-ID": "req-42"})

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "req-42", res.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-42", body.RequestID)
	assert.Equal(t, "success", body.Status)

	candles, ok := body.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, candles, 1)
	assert.Equal(t, "AAPL", candles[0].(map[string]interface{})["symbol"])
}

func TestHandleCandles_BadQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "alpha", 1, provider.Full()))

	res, _ := do(t, s, http.MethodGet, "/v1/candles/AAPL?timeframe=3d", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = do(t, s, http.MethodGet, "/v1/candles/AAPL?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = do(t, s, http.MethodGet, "/v1/candles/AAPL?from=2024-05-06&to=2024-05-01", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandleStockInfo_Failover(t *testing.T) {
	ctrl := gomock.NewController(t)
	primary := newMock(ctrl, "primary", 1, provider.Full())
	backup := newMock(ctrl, "backup", 2, provider.Full())
	primary.EXPECT().FetchStockInfo(gomock.Any(), "AAPL").Return(model.StockInfo{}, provider.Unavailable("down", nil))
	backup.EXPECT().FetchStockInfo(gomock.Any(), "AAPL").Return(model.StockInfo{Code: "AAPL", Name: "Apple"}, nil)

	s := newTestServer(t, primary, backup)
	res, body := do(t, s, http.MethodGet, "/v1/stocks/AAPL", nil)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"), "A request ID is generated when absent")
	assert.Equal(t, "Apple", body.Data.(map[string]interface{})["name"])
}

func TestHandleErrors(t *testing.T) {
	tests := []struct {
		name     string
		errs     [2]error
		wantCode int
	}{
		{"vendors failing", [2]error{provider.Unavailable("down", nil), provider.Timeout(nil)}, http.StatusBadGateway},
		{"unknown symbol", [2]error{provider.NotFound("no such symbol"), provider.NotFound("unknown")}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			a := newMock(ctrl, "a", 1, provider.Full())
			b := newMock(ctrl, "b", 2, provider.Full())
			a.EXPECT().FetchValuation(gomock.Any(), "AAPL").Return(model.ValuationMetrics{}, tt.errs[0])
			b.EXPECT().FetchValuation(gomock.Any(), "AAPL").Return(model.ValuationMetrics{}, tt.errs[1])

			s := newTestServer(t, a, b)
			res, body := do(t, s, http.MethodGet, "/v1/valuation/AAPL", nil)

			assert.Equal(t, tt.wantCode, res.StatusCode)
			assert.Equal(t, "error", body.Status)
			require.Len(t, body.Attempts, 2)
			assert.Equal(t, "a", body.Attempts[0].Provider)
			assert.Equal(t, provider.KindOf(tt.errs[0]).String(), body.Attempts[0].Kind)
		})
	}
}

func TestHandleUnsupported(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "candles", 1, provider.CandlesOnly()))

	res, body := do(t, s, http.MethodGet, "/v1/financials/AAPL?period=2023", nil)
	assert.Equal(t, http.StatusNotImplemented, res.StatusCode)
	assert.Contains(t, body.Error, "financials")
}

func TestFailureStatus_NoneAvailable(t *testing.T) {
	err := &router.AllProvidersFailedError{Op: "candles", Attempts: []router.Attempt{
		{Provider: "a", Err: errors.New("circuit open"), Skipped: true},
	}}
	assert.Equal(t, http.StatusServiceUnavailable, failureStatus(err))
}

func TestHandleHealth(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "alpha", 1, provider.Full()))

	res, _ := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	for i := 0; i < 3; i++ {
		s.router.Monitor().RecordFailure("alpha", errors.New("check failed"))
	}
	res, _ = do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestHandleProviders(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "alpha", 1, provider.Full()))

	res, _ := do(t, s, http.MethodPost, "/providers/alpha/disable", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, s.router.Providers()[0].Enabled)

	res, _ = do(t, s, http.MethodPost, "/providers/alpha/enable", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, s.router.Providers()[0].Enabled)

	res, _ = do(t, s, http.MethodPost, "/providers/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"alpha"`)
}

func TestHandleIndexDaily(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMock(ctrl, "alpha", 1, provider.Full())
	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	p.EXPECT().FetchCandles(gomock.Any(), "000300", model.Daily, model.DateRange{From: day}).Return([]model.Candle{
		{Timestamp: day, Open: 3500, High: 3550, Low: 3480, Close: 3520, Volume: 1e9},
	}, nil)

	s := newTestServer(t, p)
	res, body := do(t, s, http.MethodGet, "/v1/indices/000300/daily?from=2024-05-06", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, body.Data, 1)

	res, _ = do(t, s, http.MethodGet, "/v1/indices/000300/daily?to=soon", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandleIndexDaily_Unsupported(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "candles", 1, provider.CandlesOnly()))

	res, _ := do(t, s, http.MethodGet, "/v1/indices/000300/daily", nil)
	assert.Equal(t, http.StatusNotImplemented, res.StatusCode)
}

func TestHandleValuations(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMock(ctrl, "alpha", 1, provider.Full())
	p.EXPECT().FetchValuation(gomock.Any(), "AAPL").Return(model.ValuationMetrics{Symbol: "AAPL"}, nil)
	p.EXPECT().FetchValuation(gomock.Any(), "MSFT").Return(model.ValuationMetrics{Symbol: "MSFT"}, nil)

	s := newTestServer(t, p)
	res, body := do(t, s, http.MethodGet, "/v1/valuation?symbols=AAPL,%20MSFT,", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	vs, ok := body.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, vs, 2)
	assert.Equal(t, "MSFT", vs[1].(map[string]interface{})["symbol"])

	res, body = do(t, s, http.MethodGet, "/v1/valuation?symbols=,", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "symbols is required", body.Error)
}

func TestHandleRegisterAndUnregisterProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "alpha", 1, provider.Full()))

	post := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/providers", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Result()
	}

	res := post("name: gamma\npriority: 5\nbase_url: https://gamma.example.com\ncapabilities: [index]\n")
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	require.Len(t, s.router.Providers(), 2)
	assert.Equal(t, "gamma", s.router.Providers()[1].Name)
	assert.True(t, s.router.Providers()[1].Capabilities.Supports(provider.CapIndex))

	assert.Equal(t, http.StatusConflict, post(`{"name":"gamma","base_url":"https://other.example.com"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"base_url":"https://other.example.com"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"name":"delta","base_url":"https://d.example.com","kind":"grpc"}`).StatusCode)

	res, _ = do(t, s, http.MethodDelete, "/providers/gamma", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, s.router.Providers(), 1)
	assert.Equal(t, "alpha", s.router.Providers()[0].Name)

	res, _ = do(t, s, http.MethodDelete, "/providers/gamma", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHandleCircuitStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newTestServer(t, newMock(ctrl, "alpha", 1, provider.Full()))

	req := httptest.NewRequest(http.MethodGet, "/circuit", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"closed"`)

	res, _ := do(t, s, http.MethodPost, "/circuit?action=reset&provider=alpha", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = do(t, s, http.MethodPost, "/circuit?action=reset&provider=nope", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = do(t, s, http.MethodDelete, "/circuit", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestHandleStatusAndMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := newMock(ctrl, "alpha", 1, provider.Full())
	p.EXPECT().FetchStockInfo(gomock.Any(), "AAPL").Return(model.StockInfo{Code: "AAPL"}, nil)
	s := newTestServer(t, p)

	do(t, s, http.MethodGet, "/v1/stocks/AAPL", nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operational"`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `marketdata_fetch_total{op="stock_info",outcome="success"} 1`), body)
	assert.Contains(t, body, `marketdata_circuit_breaker_state{provider="alpha"} 0`)
}

func TestNewServer_NoProviders(t *testing.T) {
	_, err := NewServer(config.Load(), nil)
	assert.Error(t, err)
}

func TestCreateRegistrations(t *testing.T) {
	regs, err := createRegistrations([]config.ProviderSpec{
		{Name: "alpha", BaseURL: "https://alpha.example.com", Enabled: true, Timeout: time.Second},
		{Name: "beta", BaseURL: "https://beta.example.com"},
	})
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, "alpha", regs[0].Provider.Name())
	assert.Equal(t, time.Second, regs[0].Timeout)
	assert.True(t, regs[1].Disabled)

	_, err = createRegistrations([]config.ProviderSpec{{Name: "x", BaseURL: "::"}})
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2024-05-06T09:30:00+08:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 6, 1, 30, 0, 0, time.UTC), d)

	d, err = parseDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}
