// Package dispatch issues one logical backend request per call, bounded by a
// per-kind timeout and retried with linear backoff on transient failures.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"biashara-copilot/internal/observability"
)

// Kind is the logical request type. It selects the timeout and retry budget.
type Kind string

const (
	KindChat       Kind = "chat"
	KindVision     Kind = "vision"
	KindImage      Kind = "image"
	KindTranscribe Kind = "transcribe"
	// KindTask creates records on the backend and is never retried.
	KindTask Kind = "task"
)

const (
	defaultRetries = 2
	maxRetries     = 5
	backoffStep    = 350 * time.Millisecond
	maxDiagnostic  = 900
	maxBody        = 8 << 20
)

// Budget bounds one logical request.
type Budget struct {
	Timeout time.Duration
	Retries int
}

// DefaultBudgets returns the per-kind timeouts and retry counts.
func DefaultBudgets() map[Kind]Budget {
	return map[Kind]Budget{
		KindChat:       {Timeout: 25 * time.Second, Retries: defaultRetries},
		KindVision:     {Timeout: 40 * time.Second, Retries: defaultRetries},
		KindImage:      {Timeout: 60 * time.Second, Retries: defaultRetries},
		KindTranscribe: {Timeout: 45 * time.Second, Retries: defaultRetries},
		KindTask:       {Timeout: 25 * time.Second},
	}
}

// Request is one logical call. Body is re-sent unchanged on every attempt.
type Request struct {
	Kind   Kind
	Tag    string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a successful (2xx) outcome.
type Response struct {
	Status int
	// Body is the decoded JSON document, or map[string]any{"raw": text} when
	// the response is not JSON.
	Body     any
	Raw      string
	Attempts int
}

// Decode unmarshals the raw body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal([]byte(r.Raw), v); err != nil {
		return fmt.Errorf("dispatch: decode response: %w", err)
	}
	return nil
}

// Failure is the handled failure outcome of Do.
type Failure struct {
	Kind      Kind
	Tag       string
	Status    int
	Body      string
	Attempts  int
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Status == 0 {
		return fmt.Sprintf("dispatch: %s request %s failed after %d attempt(s): %v", f.Kind, f.Tag, f.Attempts, f.Err)
	}
	return fmt.Sprintf("dispatch: %s request %s failed after %d attempt(s): status %d: %s", f.Kind, f.Tag, f.Attempts, f.Status, f.Body)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) HTTPStatusCode() int { return f.Status }

// Timeout reports whether the last attempt ran out of time.
func (f *Failure) Timeout() bool {
	if errors.Is(f.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(f.Err, &netErr) && netErr.Timeout()
}

// IsRetryableStatus reports whether status is worth another attempt.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher runs requests with per-kind budgets.
type Dispatcher struct {
	client  Doer
	budgets map[Kind]Budget
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

// WithBudget overrides the budget for one kind. Retries are clamped to [0,5].
func WithBudget(kind Kind, b Budget) Option {
	return func(d *Dispatcher) {
		d.budgets[kind] = b
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// New creates a Dispatcher. A nil client uses an http.Client without its own
// timeout; attempts are bounded by the per-kind budget instead.
func New(client Doer, opts ...Option) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	d := &Dispatcher{
		client:  client,
		budgets: DefaultBudgets(),
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Budget returns the effective budget for kind.
func (d *Dispatcher) Budget(kind Kind) Budget {
	b, ok := d.budgets[kind]
	if !ok {
		b = d.budgets[KindChat]
	}
	if b.Retries < 0 {
		b.Retries = 0
	}
	if b.Retries > maxRetries {
		b.Retries = maxRetries
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultBudgets()[KindChat].Timeout
	}
	return b
}

// Backoff is the wait between attempt i and i+1 (zero-based).
func Backoff(attempt int) time.Duration {
	return backoffStep * time.Duration(attempt+1)
}

// Do performs req. Handled failures are returned as *Failure; any other error
// means the request could not be attempted at all.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, errors.New("dispatch: request URL must not be empty")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	budget := d.Budget(req.Kind)
	start := time.Now()

	var fail *Failure
	for attempt := 0; attempt <= budget.Retries; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt - 1)
			d.logger.Debug("retrying backend request", "kind", req.Kind, "tag", req.Tag, "attempt", attempt+1, "wait", wait)
			if err := d.sleep(ctx, wait); err != nil {
				fail.Err = err
				fail.Retryable = false
				break
			}
		}

		resp, err := d.attempt(ctx, req, budget.Timeout)
		observability.RecordDispatchAttempt(string(req.Kind), outcome(err))
		if err == nil {
			resp.Attempts = attempt + 1
			observability.RecordDispatch(string(req.Kind), "success", time.Since(start))
			return resp, nil
		}

		var f *Failure
		if !errors.As(err, &f) {
			return nil, err
		}
		f.Kind, f.Tag, f.Attempts = req.Kind, req.Tag, attempt+1
		fail = f
		if !f.Retryable || ctx.Err() != nil {
			break
		}
	}

	observability.RecordDispatch(string(req.Kind), "failure", time.Since(start))
	d.logger.Warn("backend request failed", "kind", req.Kind, "tag", req.Tag, "status", fail.Status, "attempts", fail.Attempts, "err", fail.Err)
	return nil, fail
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Failure{Body: Clip(err.Error(), maxDiagnostic), Err: fmt.Errorf("dispatch: create request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	res, err := d.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, classifyTransport(ctx, fmt.Errorf("read response body: %w", err))
	}
	raw := string(buf)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &Failure{
			Status:    res.StatusCode,
			Body:      Clip(raw, maxDiagnostic),
			Retryable: IsRetryableStatus(res.StatusCode),
			Err:       fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}
	return &Response{Status: res.StatusCode, Body: decodeBody(res.Header.Get("Content-Type"), raw), Raw: raw}, nil
}

// classifyTransport decides whether an error from the HTTP round trip is
// transient. Cancellation by the caller is never retried.
func classifyTransport(parent context.Context, err error) *Failure {
	f := &Failure{Body: Clip(err.Error(), maxDiagnostic), Err: err}
	switch {
	case parent.Err() != nil:
		f.Err = fmt.Errorf("%w: %v", parent.Err(), err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		f.Retryable = true
	default:
		var netErr net.Error
		var opErr *net.OpError
		f.Retryable = errors.As(err, &netErr) || errors.As(err, &opErr) || isUnreachable(err)
	}
	return f
}

func isUnreachable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "network is unreachable", "no such host", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func decodeBody(contentType, raw string) any {
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return map[string]any{"raw": raw}
}

// Clip shortens s to at most n bytes without splitting a UTF-8 sequence.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var f *Failure
	if errors.As(err, &f) {
		if f.Retryable {
			return "retryable"
		}
		return "terminal"
	}
	return "error"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
