// Package transport is the generic request/response call to the remote API.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"shiftsync/internal/metrics"
)

// ErrUnreachable means no response was received: the connection failed, the
// request timed out or the caller cancelled it.
var ErrUnreachable = errors.New("server unreachable")

type Request struct {
	Method string
	// URL is either absolute or a path (with query) relative to the origin.
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Err returns nil for a 2xx response and a *StatusError otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &StatusError{Status: r.Status, Header: r.Header, Body: r.Body}
}

// StatusError wraps a non-2xx response for callers that need an error value.
type StatusError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, body)
}

// Transport performs one live call.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Do(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

type HTTP struct {
	origin  string
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

type HTTPOption func(*HTTP)

func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func WithLogger(l *zap.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = l }
}

func WithMetrics(m *metrics.Collector) HTTPOption {
	return func(h *HTTP) { h.metrics = m }
}

func NewHTTP(origin string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		tracer: otel.Tracer("shiftsync/transport"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Origin() string { return h.origin }

func (h *HTTP) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return h.origin + u
}

func (h *HTTP) Do(ctx context.Context, r *Request) (*Response, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := h.resolve(r.URL)

	ctx, span := h.tracer.Start(ctx, "transport "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", target),
		))
	defer span.End()

	start := time.Now()
	resp, err := h.do(ctx, method, target, r)
	result := "ok"
	if err != nil {
		result = "unreachable"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Debug("live call failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
	} else {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		if !resp.OK() {
			result = "status"
		}
	}
	h.metrics.LiveCall(method, result, time.Since(start))
	return resp, err
}

func (h *HTTP) do(ctx context.Context, method, target string, r *Request) (*Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, target, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   b,
	}
	out.Header.Del("Content-Length")
	return out, nil
}
