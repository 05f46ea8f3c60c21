package pacing

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	updates []string
}

func (r *recorder) update(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updates...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func requireGrowingPrefixes(t *testing.T, updates []string, final string) {
	t.Helper()
	require.NotEmpty(t, updates)
	prev := ""
	for _, u := range updates {
		require.True(t, strings.HasPrefix(final, u), "%q is not a prefix of %q", u, final)
		require.Greater(t, len(u), len(prev), "update did not grow: %q -> %q", prev, u)
		prev = u
	}
	require.Equal(t, final, updates[len(updates)-1])
}

func TestRun_CharacterRevealGrowsToFinal(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		rec := &recorder{}
		p := New(DefaultOptions(), WithSleep(noSleep), WithRand(rand.New(rand.NewSource(seed))))
		require.NoError(t, p.Run(context.Background(), "Hi there.", rec.update))
		requireGrowingPrefixes(t, rec.snapshot(), "Hi there.")
	}
}

func TestRun_ChunksAreOneToThreeRunes(t *testing.T) {
	rec := &recorder{}
	text := "Habari ya asubuhi, mkuu! Leo tunauza nini?"
	p := New(DefaultOptions(), WithSleep(noSleep), WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, p.Run(context.Background(), text, rec.update))

	prev := 0
	for _, u := range rec.snapshot() {
		n := len([]rune(u)) - prev
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, 3)
		prev = len([]rune(u))
	}
}

func TestRun_MultibyteTextStaysValid(t *testing.T) {
	rec := &recorder{}
	p := New(DefaultOptions(), WithSleep(noSleep))
	require.NoError(t, p.Run(context.Background(), "Bei: €5 — sawa ✓", rec.update))
	for _, u := range rec.snapshot() {
		require.True(t, strings.ToValidUTF8(u, "?") == u, "split rune in %q", u)
	}
}

func TestRun_WordGranularity(t *testing.T) {
	rec := &recorder{}
	opts := DefaultOptions()
	opts.Granularity = Word
	p := New(opts, WithSleep(noSleep))
	require.NoError(t, p.Run(context.Background(), "Hi there.", rec.update))
	require.Equal(t, []string{"Hi", "Hi there."}, rec.snapshot())
}

func TestRun_PunctuationAddsPause(t *testing.T) {
	var waits []time.Duration
	opts := Options{BaseDelay: 10 * time.Millisecond, SentencePause: 100 * time.Millisecond, ClausePause: 40 * time.Millisecond, Granularity: Word}
	p := New(opts, WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	require.NoError(t, p.Run(context.Background(), "Yes, done. ok", func(string) {}))
	require.Equal(t, []time.Duration{50 * time.Millisecond, 110 * time.Millisecond}, waits)
}

func TestRun_WordModeLineBreakAddsPause(t *testing.T) {
	var waits []time.Duration
	opts := Options{BaseDelay: 10 * time.Millisecond, SentencePause: 100 * time.Millisecond, Granularity: Word}
	p := New(opts, WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	rec := &recorder{}
	require.NoError(t, p.Run(context.Background(), "Hatua\n  ya pili", rec.update))
	require.Equal(t, []string{"Hatua", "Hatua\n  ya", "Hatua\n  ya pili"}, rec.snapshot())
	require.Equal(t, []time.Duration{110 * time.Millisecond, 10 * time.Millisecond}, waits)
}

func TestRun_MaxDurationFlushesRemainder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	elapsed := time.Duration(0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(elapsed)
	}
	opts := DefaultOptions()
	opts.MaxDuration = 50 * time.Millisecond
	p := New(opts, WithClock(clock), WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		elapsed += 20 * time.Millisecond
		mu.Unlock()
		return nil
	}))

	text := strings.Repeat("abc ", 50)
	rec := &recorder{}
	require.NoError(t, p.Run(context.Background(), text, rec.update))

	updates := rec.snapshot()
	requireGrowingPrefixes(t, updates, text)
	require.Less(t, len(updates), 6)
}

func TestStop_CancelsRun(t *testing.T) {
	p := New(DefaultOptions())
	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	rec := &recorder{}
	go func() {
		done <- p.Run(context.Background(), strings.Repeat("x", 10_000), func(s string) {
			rec.update(s)
			once.Do(func() { close(started) })
		})
	}()

	<-started
	p.Stop()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	updates := rec.snapshot()
	require.Less(t, len(updates[len(updates)-1]), 10_000)
}

func TestRun_NewRunCancelsPrevious(t *testing.T) {
	p := New(DefaultOptions())
	started := make(chan struct{})
	var once sync.Once
	first := make(chan error, 1)
	go func() {
		first <- p.Run(context.Background(), strings.Repeat("y", 10_000), func(string) {
			once.Do(func() { close(started) })
		})
	}()
	<-started

	rec := &recorder{}
	require.NoError(t, p.Run(context.Background(), "ok", rec.update))

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("first run was not cancelled")
	}
	require.Equal(t, "ok", rec.snapshot()[len(rec.snapshot())-1])
}

func TestRunFrom_ContinuesAfterShownPrefix(t *testing.T) {
	rec := &recorder{}
	opts := DefaultOptions()
	opts.Granularity = Word
	p := New(opts, WithSleep(noSleep))
	require.NoError(t, p.RunFrom(context.Background(), "Hello", "Hello big world", rec.update))
	require.Equal(t, []string{"Hello big", "Hello big world"}, rec.snapshot())

	rec = &recorder{}
	require.NoError(t, p.RunFrom(context.Background(), "Other", "Hi there", rec.update))
	require.Equal(t, []string{"Hi", "Hi there"}, rec.snapshot())

	rec = &recorder{}
	require.NoError(t, p.RunFrom(context.Background(), "Done", "Done", rec.update))
	require.Empty(t, rec.snapshot())
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	err := New(DefaultOptions(), WithSleep(noSleep)).Run(ctx, "text", rec.update)
	require.ErrorIs(t, err, ErrStopped)
	require.Empty(t, rec.snapshot())
}
