package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Request is one outbound call made on behalf of a task attempt.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Params  map[string]string
	Body    map[string]interface{}
	Timeout time.Duration
}

// Response is the normalized result of a call.
type Response struct {
	StatusCode int
	Body       map[string]interface{}
	Duration   time.Duration
}

// StatusError is returned for responses outside the 2xx range. The decoded
// response is attached so it can be stored on the task.
type StatusError struct {
	StatusCode int
	Response   *Response
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Snippet)
}

// Dispatcher performs task HTTP calls.
type Dispatcher interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPDispatcher is the net/http implementation of Dispatcher.
type HTTPDispatcher struct {
	client         *http.Client
	limiter        *rate.Limiter
	resultMaxBytes int64
}

// DispatcherOption configures an HTTPDispatcher.
type DispatcherOption func(*HTTPDispatcher)

// WithRateLimit caps outbound calls per second across all workers. Zero
// or less disables the limit.
func WithRateLimit(perSecond float64) DispatcherOption {
	return func(d *HTTPDispatcher) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithResultMaxBytes sets the largest response body stored verbatim.
func WithResultMaxBytes(n int64) DispatcherOption {
	return func(d *HTTPDispatcher) {
		if n > 0 {
			d.resultMaxBytes = n
		}
	}
}

// WithHTTPClient replaces the underlying client. Its transport is wrapped
// for tracing.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *HTTPDispatcher) {
		transport := c.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		cp := *c
		cp.Transport = otelhttp.NewTransport(transport)
		d.client = &cp
	}
}

// NewHTTPDispatcher creates a new HTTPDispatcher.
func NewHTTPDispatcher(opts ...DispatcherOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		client:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		resultMaxBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do sends req and decodes the response body. The call is bound to
// req.Timeout: when it elapses the request context is canceled and the
// connection torn down.
func (d *HTTPDispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	httpReq, err := d.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timed out after %s: %w", req.Timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.resultMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	size := len(raw)
	if int64(size) > d.resultMaxBytes {
		// Count the rest without keeping it.
		n, _ := io.Copy(io.Discard, resp.Body)
		size += int(n)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       d.decodeBody(raw, size),
		Duration:   time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Response: out, Snippet: snippet(raw)}
	}
	return out, nil
}

func (d *HTTPDispatcher) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}

	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		for k, v := range req.Body {
			switch v.(type) {
			case map[string]interface{}, []interface{}, nil:
				continue
			}
			q.Set(k, formatValue(v))
		}
	} else if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// decodeBody stores JSON objects as-is, other JSON under "result", text
// under "text" and oversized bodies as a size marker.
func (d *HTTPDispatcher) decodeBody(raw []byte, size int) map[string]interface{} {
	if int64(size) > d.resultMaxBytes {
		return map[string]interface{}{"truncated": true, "size": size}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]interface{}{"text": string(raw)}
	}
	if obj, ok := v.(map[string]interface{}); ok {
		return obj
	}
	return map[string]interface{}{"result": v}
}

func snippet(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
