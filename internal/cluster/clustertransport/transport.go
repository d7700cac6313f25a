// Package clustertransport provides the opaque per-node HTTP transport
// handle owned by the Manager and handed out by reference to the request
// path, plus a small debug HTTP surface exposing cluster status.
package clustertransport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transport is the opaque handle described in spec.md section 3: an HTTP
// client bound to one node's base URL. The request path must not retain it
// beyond one request; the Manager owns its lifecycle.
type Transport struct {
	baseURL string
	client  *http.Client
}

// New builds a Transport for baseURL with the given per-request timeout.
// Outbound calls are wrapped with otelhttp the same way the teacher wraps
// every outbound AI provider call, so cluster probes show up in the same
// tracing pipeline as the rest of the process.
func New(baseURL string, timeout time.Duration) *Transport {
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// HTTPClient returns the underlying *http.Client for the (out-of-scope)
// data path's reverse-proxying use.
func (t *Transport) HTTPClient() *http.Client { return t.client }

// BaseURL returns the node's canonicalised base URL.
func (t *Transport) BaseURL() string { return t.baseURL }

// Get issues a GET request to baseURL+path, bounded by ctx, and returns the
// HTTP status code, elapsed time, the response body (read up to 1 MiB), and
// any transport-level error. Probes never introspect bodies beyond a 2xx
// check or a shape check performed by the caller for validation probes.
func (t *Transport) Get(ctx context.Context, path string) (status int, elapsed time.Duration, body []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return 0, 0, nil, err
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	elapsed = time.Since(start)
	if err != nil {
		return 0, elapsed, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, elapsed, b, nil
}
