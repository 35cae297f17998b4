// Package relay delivers envelopes to the upstream AO relay endpoint with
// per-attempt timeouts and bounded, linear backoff.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 10 * time.Second
	DefaultBackoffStep    = 300 * time.Millisecond

	// DefaultMaxResponseBytes caps an upstream reply. Larger successful
	// replies fail with ErrResponseTooLarge instead of being cut short.
	DefaultMaxResponseBytes = 8 << 20
	// maxErrorBody caps how much of an error body is echoed in messages.
	maxErrorBody = 512
)

// Response is a successful upstream reply.
type Response struct {
	Status int
	// Payload is the upstream body. JSON bodies are passed through verbatim;
	// anything else is wrapped as a JSON string.
	Payload  json.RawMessage
	Attempts int
}

// Forwarder posts envelopes to a single upstream URL. It holds no per-request
// state and is safe for concurrent use.
type Forwarder struct {
	url            string
	client         *http.Client
	maxAttempts    int
	attemptTimeout time.Duration
	backoff        func(attempt int) time.Duration
	wait           func(ctx context.Context, d time.Duration) error
	maxResponse    int64
	tracer         trace.Tracer
	logger         *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient sets the client used for upstream calls. The client's own
// Timeout should be zero or larger than the attempt timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

// WithMaxAttempts sets the total attempt budget.
func WithMaxAttempts(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithMaxResponseBytes sets the largest upstream reply accepted.
func WithMaxResponseBytes(n int64) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxResponse = n
		}
	}
}

// WithBackoff replaces the delay schedule. attempt is the 1-based index of
// the attempt that just failed.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(f *Forwarder) {
		if fn != nil {
			f.backoff = fn
		}
	}
}

// WithWait replaces the function used to sleep between attempts.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Forwarder) {
		if fn != nil {
			f.wait = fn
		}
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Forwarder) {
		if t != nil {
			f.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// LinearBackoff waits DefaultBackoffStep * attempt.
func LinearBackoff(attempt int) time.Duration {
	return DefaultBackoffStep * time.Duration(attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewForwarder creates a forwarder for the given relay URL.
func NewForwarder(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:            url,
		client:         &http.Client{},
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		backoff:        LinearBackoff,
		wait:           Sleep,
		maxResponse:    DefaultMaxResponseBytes,
		tracer:         otel.Tracer("aobridge.relay"),
		logger:         slog.Default().With("component", "relay"),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// MaxAttempts returns the attempt budget.
func (f *Forwarder) MaxAttempts() int {
	return f.maxAttempts
}

// Forward delivers env upstream. Transport errors, timeouts and 5xx replies
// are retried; a 4xx reply is returned at once as a *StatusError, and an
// oversized reply as ErrResponseTooLarge. When every attempt fails the result
// is an *ExhaustedError carrying the last failure.
func (f *Forwarder) Forward(ctx context.Context, env Envelope, headers http.Header) (*Response, error) {
	body, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		attempts = attempt
		resp, err := f.attempt(ctx, env.Action, body, headers, attempt)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.ClientError() {
			return nil, err
		}
		if errors.Is(err, ErrResponseTooLarge) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil || attempt == f.maxAttempts {
			break
		}

		delay := f.backoff(attempt)
		f.logger.WarnContext(ctx, "relay attempt failed",
			"action", env.Action,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if err := f.wait(ctx, delay); err != nil {
			break
		}
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

func (f *Forwarder) attempt(ctx context.Context, action string, body []byte, headers http.Header, n int) (_ *Response, err error) {
	ctx, span := f.tracer.Start(ctx, "relay.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ao.action", action),
			attribute.Int("relay.attempt", n),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	actx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("upstream timed out after %s", f.attemptTimeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponse+1))
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("upstream timed out after %s", f.attemptTimeout)
		}
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{Status: resp.StatusCode, Body: snippet(data)}
	}
	if int64(len(data)) > f.maxResponse {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, f.maxResponse)
	}

	return &Response{Status: resp.StatusCode, Payload: payload(data)}, nil
}

func payload(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
