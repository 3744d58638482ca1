// Package httpclient provides a resilient HTTP client used by REST broker
// adapters and webhook alert channels: failsafe retry with backoff plus a
// circuit breaker, instrumented with OTel.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"optionsbot/pkg/telemetry"
)

// APIError represents a non-2xx API response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer mutates an outgoing request with authentication.
type Signer interface {
	SignRequest(req *http.Request) error
}

// BearerSigner signs requests with a static bearer token.
type BearerSigner struct {
	Token string
}

func (s BearerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Accept", "application/json")
	return nil
}

// Client wraps http.Client with retry and circuit breaker policies. The
// retrying pipeline is only safe for idempotent requests; non-idempotent
// POSTs go through the single-attempt path so a lost response can never
// silently duplicate a server-side action.
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]
	once     failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client with default resilience policies.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		once:        failsafe.With[*http.Response](breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request with query parameters.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.do(req, c.pipeline)
}

// PostForm sends a POST with form-encoded body, the encoding brokerage REST
// APIs expect for order endpoints.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, c.pipeline)
}

// PostFormOnce sends a form-encoded POST exactly once, bypassing transport
// retries. Order-creation endpoints are not idempotent at this layer: a
// retried POST after a lost response books a second order. Callers own the
// retry decision and must reconcile the outcome before resubmitting.
func (c *Client) PostFormOnce(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, c.once)
}

// PostJSON sends a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, c.pipeline)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, c.pipeline)
}

func (c *Client) do(req *http.Request, exec failsafe.Executor[*http.Response]) ([]byte, error) {
	ctx, span := c.tracer.Start(req.Context(), "http."+req.Method,
		trace.WithAttributes(attribute.String("path", req.URL.Path)))
	defer span.End()

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", req.Method)))

	start := time.Now()
	resp, err := exec.GetWithExecution(func(_ failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})
	c.latencyHist.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("method", req.Method)))

	if err != nil {
		c.errCounter.Add(ctx, 1)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errCounter.Add(ctx, 1)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.errCounter.Add(ctx, 1)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	return body, nil
}
