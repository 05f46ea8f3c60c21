// Package pacing reveals finished text a little at a time so it reads like
// live generation.
package pacing

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrStopped is returned by Run when Stop or a newer Run cancelled it.
var ErrStopped = errors.New("pacing: stopped")

// Granularity selects how much text each update adds.
type Granularity int

const (
	// Character reveals 1-3 runes per step.
	Character Granularity = iota
	// Word reveals one whitespace-delimited token per step.
	Word
)

// Options tune the cadence.
type Options struct {
	BaseDelay     time.Duration
	Jitter        time.Duration
	SentencePause time.Duration
	ClausePause   time.Duration
	MaxDuration   time.Duration
	Granularity   Granularity
}

// DefaultOptions is a brisk character-level reveal capped at 12 seconds.
func DefaultOptions() Options {
	return Options{
		BaseDelay:     14 * time.Millisecond,
		Jitter:        18 * time.Millisecond,
		SentencePause: 120 * time.Millisecond,
		ClausePause:   50 * time.Millisecond,
		MaxDuration:   12 * time.Second,
		Granularity:   Character,
	}
}

// Pacer runs one reveal at a time for a single output target.
type Pacer struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu      sync.Mutex
	rnd     *rand.Rand
	cancel  context.CancelFunc
	current uint64
}

type Option func(*Pacer)

// WithSleep replaces the inter-chunk sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRand seeds the chunk and jitter randomness.
func WithRand(r *rand.Rand) Option {
	return func(p *Pacer) {
		if r != nil {
			p.rnd = r
		}
	}
}

func New(opts Options, options ...Option) *Pacer {
	p := &Pacer{
		opts:  opts,
		sleep: sleepContext,
		now:   time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- cadence does not need cryptographic randomness
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Run reveals text through update and blocks until done. Updates are strictly
// growing prefixes of text and the last one is text itself, unless the run is
// stopped first. Starting a Run cancels any run already in progress.
func (p *Pacer) Run(ctx context.Context, text string, update func(string)) error {
	return p.RunFrom(ctx, "", text, update)
}

// RunFrom is Run starting after shown, which must be a prefix of text to be
// kept; otherwise the reveal starts from the beginning.
func (p *Pacer) RunFrom(ctx context.Context, shown, text string, update func(string)) error {
	ctx, id := p.begin(ctx)
	defer p.end(id)

	pos := 0
	if len(shown) <= len(text) && text[:len(shown)] == shown {
		pos = len(shown)
	}
	if pos == len(text) {
		return nil
	}

	start := p.now()
	for pos < len(text) {
		if ctx.Err() != nil {
			return ErrStopped
		}
		if p.opts.MaxDuration > 0 && p.now().Sub(start) > p.opts.MaxDuration {
			update(text)
			return nil
		}

		next := p.nextChunk(text, pos)
		chunk := text[pos:next]
		pos = next
		update(text[:pos])
		if pos == len(text) {
			break
		}
		if err := p.sleep(ctx, p.delayAfter(chunk, text[pos:])); err != nil {
			return ErrStopped
		}
	}
	return nil
}

// Stop cancels the run in progress, if any.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Pacer) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.current++
	p.cancel = cancel
	return ctx, p.current
}

func (p *Pacer) end(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == id && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Pacer) nextChunk(text string, pos int) int {
	if p.opts.Granularity == Word {
		return nextWord(text, pos)
	}
	n := p.runeCount()
	for i := 0; i < n && pos < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[pos:])
		pos += size
	}
	return pos
}

// runeCount draws 1, 2 or 3 with weights 60/30/10.
func (p *Pacer) runeCount() int {
	p.mu.Lock()
	r := p.rnd.Float64()
	p.mu.Unlock()
	switch {
	case r < 0.6:
		return 1
	case r < 0.9:
		return 2
	default:
		return 3
	}
}

// nextWord advances over leading whitespace and then one token.
func nextWord(text string, pos int) int {
	inToken := false
	for pos < len(text) {
		r, size := utf8.DecodeRuneInString(text[pos:])
		if unicode.IsSpace(r) {
			if inToken {
				return pos
			}
		} else {
			inToken = true
		}
		pos += size
	}
	return pos
}

// delayAfter is the pause after chunk. In word mode the separator belongs to
// the next chunk, so a line break at the start of rest counts as well.
func (p *Pacer) delayAfter(chunk, rest string) time.Duration {
	d := p.opts.BaseDelay
	if p.opts.Jitter > 0 {
		p.mu.Lock()
		d += time.Duration(p.rnd.Int63n(int64(p.opts.Jitter) + 1))
		p.mu.Unlock()
	}
	last, _ := utf8.DecodeLastRuneInString(chunk)
	if p.opts.Granularity == Word && breaksLine(rest) {
		last = '\n'
	}
	switch last {
	case '.', '!', '?', '\n':
		d += p.opts.SentencePause
	case ',', ';', ':':
		d += p.opts.ClausePause
	}
	return d
}

// breaksLine reports whether the whitespace leading rest contains a newline.
func breaksLine(rest string) bool {
	for _, r := range rest {
		if r == '\n' {
			return true
		}
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
