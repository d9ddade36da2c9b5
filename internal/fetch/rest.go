package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/marketdata-router/internal/model"
	"github.com/yourorg/marketdata-router/internal/provider"
)

// RESTConfig describes a vendor serving the JSON market data API:
//
//	GET /candles?symbol=&timeframe=&from=&to=
//	GET /stocks/{symbol}
//	GET /financials/{symbol}?period=
//	GET /valuation/{symbol}
//	GET /valuation?symbols=a,b
//	GET /indices/{symbol}/daily?from=&to=
//	GET /ping
//
// Every data endpoint answers {"data": ...}.
type RESTConfig struct {
	Name    string
	BaseURL string
	APIKey  string

	// APIKeyHeader carries the key; empty means "Authorization: Bearer <key>"
	APIKeyHeader string

	Priority     int
	Capabilities provider.Capabilities

	// Timeout is the per-call budget the router applies to this vendor
	Timeout time.Duration

	// Retries bounds retries of requests that received no response
	Retries int
}

const (
	// maxBodyBytes caps a vendor response
	maxBodyBytes = 32 << 20

	// defaultSharedTimeout bounds a shared vendor call when the vendor declares no timeout
	defaultSharedTimeout = 30 * time.Second
)

// REST is a provider backed by a vendor's HTTP API.
type REST struct {
	cfg        RESTConfig
	baseURL    *url.URL
	httpClient *retryablehttp.Client
	inflight   singleflight.Group
	log        *logrus.Entry
}

// NewREST creates a REST provider.
func NewREST(cfg RESTConfig) (*REST, error) {
	if cfg.Name == "" {
		return nil, errors.New("rest provider: name is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rest provider %s: invalid base url %q", cfg.Name, cfg.BaseURL)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &REST{
		cfg:        cfg,
		baseURL:    u,
		httpClient: newRetryClient(cfg.Retries),
		log:        logrus.WithFields(logrus.Fields{"component": "fetch", "provider": cfg.Name}),
	}, nil
}

func (c *REST) Name() string                        { return c.cfg.Name }
func (c *REST) Priority() int                       { return c.cfg.Priority }
func (c *REST) Capabilities() provider.Capabilities { return c.cfg.Capabilities }
func (c *REST) CallTimeout() time.Duration          { return c.cfg.Timeout }

// HealthCheck pings the vendor.
func (c *REST) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, c.url("/ping", nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return c.statusError(resp, provider.CapNone)
	}
	return nil
}

// FetchCandles retrieves candles from the vendor.
func (c *REST) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, r model.DateRange) ([]model.Candle, error) {
	if !c.cfg.Capabilities.SupportsTimeframe(tf) {
		return nil, provider.Unsupported(provider.CapCandles)
	}
	q := rangeQuery(r)
	q.Set("symbol", symbol)
	q.Set("timeframe", tf.String())

	var candles []model.Candle
	if err := c.get(ctx, provider.CapCandles, "/candles", q, &candles); err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, provider.NotFound(fmt.Sprintf("no %s candles for %s", tf, symbol))
	}
	c.log.Debugf("Received %d candles for %s", len(candles), symbol)
	return candles, nil
}

// FetchIndexDaily retrieves daily candles of an index.
func (c *REST) FetchIndexDaily(ctx context.Context, symbol string, r model.DateRange) ([]model.Candle, error) {
	if !c.cfg.Capabilities.Supports(provider.CapIndex) {
		return nil, provider.Unsupported(provider.CapIndex)
	}
	q := rangeQuery(r)
	var candles []model.Candle
	if err := c.get(ctx, provider.CapIndex, "/indices/"+url.PathEscape(symbol)+"/daily", q, &candles); err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, provider.NotFound("no daily candles for index " + symbol)
	}
	return candles, nil
}

// FetchStockInfo retrieves the static description of symbol.
func (c *REST) FetchStockInfo(ctx context.Context, symbol string) (model.StockInfo, error) {
	var info model.StockInfo
	if !c.cfg.Capabilities.Supports(provider.CapStockInfo) {
		return info, provider.Unsupported(provider.CapStockInfo)
	}
	err := c.get(ctx, provider.CapStockInfo, "/stocks/"+url.PathEscape(symbol), nil, &info)
	return info, err
}

// FetchFinancials retrieves the statements of symbol for period.
func (c *REST) FetchFinancials(ctx context.Context, symbol, period string) (model.FinancialStatementData, error) {
	var data model.FinancialStatementData
	if !c.cfg.Capabilities.Supports(provider.CapFinancials) {
		return data, provider.Unsupported(provider.CapFinancials)
	}
	q := url.Values{}
	if period != "" {
		q.Set("period", period)
	}
	err := c.get(ctx, provider.CapFinancials, "/financials/"+url.PathEscape(symbol), q, &data)
	return data, err
}

// FetchValuation retrieves the latest valuation metrics of symbol.
func (c *REST) FetchValuation(ctx context.Context, symbol string) (model.ValuationMetrics, error) {
	var v model.ValuationMetrics
	if !c.cfg.Capabilities.Supports(provider.CapValuation) {
		return v, provider.Unsupported(provider.CapValuation)
	}
	err := c.get(ctx, provider.CapValuation, "/valuation/"+url.PathEscape(symbol), nil, &v)
	return v, err
}

// FetchValuations retrieves the valuations of several symbols in one request.
func (c *REST) FetchValuations(ctx context.Context, symbols []string) ([]model.ValuationMetrics, error) {
	if !c.cfg.Capabilities.Supports(provider.CapValuation) {
		return nil, provider.Unsupported(provider.CapValuation)
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	var out []model.ValuationMetrics
	if err := c.get(ctx, provider.CapValuation, "/valuation", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func rangeQuery(r model.DateRange) url.Values {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339))
	}
	return q
}

func (c *REST) get(ctx context.Context, kind provider.Capability, path string, q url.Values, out any) error {
	u := c.url(path, q)

	// identical requests in flight share one vendor call; it runs detached from
	// every caller so one caller leaving does not fail the others
	ch := c.inflight.DoChan(u, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedTimeout())
		defer cancel()
		return c.fetchBody(callCtx, u, kind)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return transportError(ctx.Err())
	}
	if res.Err != nil {
		return res.Err
	}

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(res.Val.([]byte), &envelope); err != nil {
		return provider.Malformed("error decoding response", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return provider.NotFound("empty response")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return provider.Malformed("error decoding data", err)
	}
	return nil
}

func (c *REST) sharedTimeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return defaultSharedTimeout
}

func (c *REST) fetchBody(ctx context.Context, u string, kind provider.Capability) ([]byte, error) {
	resp, err := c.do(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, kind)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transportError(ctxErr)
		}
		return nil, provider.Unavailable("error reading response", err)
	}
	return body, nil
}

func (c *REST) url(path string, q url.Values) string {
	u := *c.baseURL
	u.Path += path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *REST) do(ctx context.Context, u string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.APIKeyHeader == "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
		}
	}

	c.log.Debugf("Fetching %s", req.URL.Path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

func transportError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Timeout(err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return provider.Timeout(err)
	}
	return provider.Unavailable("request failed", err)
}

func (c *REST) statusError(resp *http.Response, kind provider.Capability) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	reason := fmt.Sprintf("status %d", resp.StatusCode)
	if msg := strings.TrimSpace(string(body)); msg != "" {
		reason += ", body: " + msg
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return provider.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.AuthFailure(reason)
	case code == http.StatusNotFound || code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return provider.NotFound(reason)
	case code == http.StatusNotImplemented && kind != provider.CapNone:
		return provider.Unsupported(kind)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return provider.Timeout(errors.New(reason))
	}
	return provider.Unavailable(reason, nil)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
