// Package stream consumes the incremental reply route and degrades to the
// one-shot route, replayed with pacing, whenever streaming cannot be used.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/observability"
	"biashara-copilot/internal/pacing"
	"biashara-copilot/internal/reply"
)

// Event names consumed from the stream.
const (
	EventDelta = "delta"
	EventError = "error"
	EventDone  = "done"
)

// DefaultTimeout bounds the streaming request, matching the chat budget.
const DefaultTimeout = 25 * time.Second

// ErrStopped is returned when Stop cancels an in-flight Stream.
var ErrStopped = pacing.ErrStopped

// Request describes one streamed turn.
type Request struct {
	// Open builds the streaming HTTP request.
	Open func(ctx context.Context) (*http.Request, error)
	// Fallback performs the equivalent one-shot call and returns raw text.
	Fallback func(ctx context.Context) (string, error)
}

// Result is the outcome of a Stream call.
type Result struct {
	Raw      string
	Meta     domain.AiMeta
	Streamed bool
	// FallbackReason is set when the one-shot route produced the reply.
	FallbackReason string
	// Stopped is set when Stop cut the reveal short after the reply arrived.
	Stopped bool
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Streamer runs one streamed turn at a time for a single chat surface.
type Streamer struct {
	client  Doer
	pacer   *pacing.Pacer
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

type Option func(*Streamer)

// WithTimeout bounds the streaming request from open to the last frame.
func WithTimeout(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a Streamer. pacer replays fallback replies; nil disables pacing.
func New(client Doer, pacer *pacing.Pacer, logger *slog.Logger, opts ...Option) *Streamer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Streamer{client: client, pacer: pacer, logger: logger, timeout: DefaultTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stop cancels the turn in progress along with any fallback pacing.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	if s.pacer != nil {
		s.pacer.Stop()
	}
}

// Stream delivers the reply for req. onPartial, if set, receives growing
// prefixes of the visible reply and finally the parsed text itself. An error
// is returned only when the fallback call fails or the turn is stopped before
// a reply arrives.
func (s *Streamer) Stream(ctx context.Context, req Request, onPartial func(string)) (Result, error) {
	ctx, id := s.begin(ctx)
	defer s.end(id)

	em := &emitter{fn: onPartial}
	raw, reason, err := s.consume(ctx, req, em)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return s.fallback(ctx, req, em, reason)
	}

	meta := reply.Parse(raw)
	stopped := s.reveal(ctx, em, meta.Text, false)
	observability.RecordStreamCompletion("streamed")
	return Result{Raw: raw, Meta: meta, Streamed: true, Stopped: stopped}, nil
}

// consume reads the stream. A non-empty reason means fall back.
func (s *Streamer) consume(ctx context.Context, req Request, em *emitter) (string, string, error) {
	if req.Open == nil {
		return "", "unsupported", nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := req.Open(sctx)
	if err != nil {
		return "", "request_build", nil
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ErrStopped
		}
		if sctx.Err() != nil {
			return "", "timeout", nil
		}
		return "", "request_failed", nil
	}
	if res.Body == nil {
		return "", "no_reader", nil
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", "bad_status", nil
	}
	if !strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "text/event-stream") {
		return "", "not_streaming", nil
	}

	var (
		dec  FrameDecoder
		text strings.Builder
		buf  = make([]byte, 4096)
	)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				switch f.Event {
				case EventDelta:
					text.WriteString(f.Data)
					em.emit(reply.ReplyPrefix(text.String()))
				case EventError:
					s.logger.Info("stream error frame", "data", f.Data)
					return "", "error_frame", nil
				case EventDone:
					return text.String(), "", nil
				}
			}
		}
		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return "", "", ErrStopped
		}
		if sctx.Err() != nil {
			if text.Len() == 0 {
				return "", "timeout", nil
			}
			s.logger.Info("stream deadline reached, keeping received text", "timeout", s.timeout)
			return text.String(), "", nil
		}
		if errors.Is(readErr, io.EOF) {
			if text.Len() == 0 {
				return "", "empty_stream", nil
			}
			return text.String(), "", nil
		}
		return "", "read_error", nil
	}
}

func (s *Streamer) fallback(ctx context.Context, req Request, em *emitter, reason string) (Result, error) {
	observability.RecordStreamFallback(reason)
	s.logger.Info("stream fallback", "reason", reason)
	if req.Fallback == nil {
		return Result{}, errors.New("stream: no fallback configured")
	}

	raw, err := req.Fallback(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrStopped
		}
		return Result{}, err
	}
	meta := reply.Parse(raw)
	stopped := s.reveal(ctx, em, meta.Text, true)
	observability.RecordStreamCompletion("fallback")
	return Result{Raw: raw, Meta: meta, FallbackReason: reason, Stopped: stopped}, nil
}

// reveal brings the caller's view to text and reports whether Stop cut it
// short. A text that does not extend what was already shown is re-paced from
// the start; otherwise a streamed reply is completed at once.
func (s *Streamer) reveal(ctx context.Context, em *emitter, text string, paced bool) bool {
	if em.fn == nil {
		return false
	}
	extends := strings.HasPrefix(text, em.last)
	if s.pacer == nil || (extends && !paced) {
		em.set(text)
		return false
	}
	if err := s.pacer.RunFrom(ctx, em.last, text, em.fn); err != nil {
		return true
	}
	em.last = text
	return false
}

func (s *Streamer) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	s.cancel = cancel
	return ctx, s.gen
}

func (s *Streamer) end(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == id && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// emitter forwards only strictly growing prefixes.
type emitter struct {
	fn   func(string)
	last string
}

func (e *emitter) emit(s string) {
	if e.fn == nil || len(s) <= len(e.last) || !strings.HasPrefix(s, e.last) {
		return
	}
	e.last = s
	e.fn(s)
}

// set replaces the shown text with s when they differ.
func (e *emitter) set(s string) {
	if e.fn == nil || s == e.last {
		return
	}
	e.last = s
	e.fn(s)
}
