// Package fetch provides HTTP adapters that expose market data vendors as providers.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/yourorg/marketdata-router/internal/config"
	"github.com/yourorg/marketdata-router/internal/provider"
)

// NewProvider creates a provider for a configured vendor.
func NewProvider(spec config.ProviderSpec) (provider.Provider, error) {
	switch spec.Kind {
	case "", "rest":
		return NewREST(RESTConfig{
			Name:         spec.Name,
			BaseURL:      spec.BaseURL,
			APIKey:       spec.APIKey(),
			APIKeyHeader: spec.APIKeyHeader,
			Priority:     spec.Priority,
			Capabilities: spec.Capabilities,
			Timeout:      spec.Timeout,
			Retries:      spec.Retries,
		})
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", spec.Name, spec.Kind)
	}
}

// newRetryClient creates an HTTP client that retries requests which got no response.
// Status codes are returned as is; failing over on them is the router's job.
func newRetryClient(retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	c.CheckRetry = retryTransportErrors
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil || resp != nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
