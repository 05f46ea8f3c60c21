package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"biashara-copilot/internal/memory"
)

func newBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewBadgerStore_RequiresDir(t *testing.T) {
	_, err := NewBadgerStore(BadgerOptions{})
	require.Error(t, err)
}

func TestBadgerStore_SetGetDelete(t *testing.T) {
	s := newBadger(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "org:1")
	require.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, s.Set(ctx, "org:1", []byte(`{"topic":"stock"}`)))
	v, err := s.Get(ctx, "org:1")
	require.NoError(t, err)
	require.Equal(t, `{"topic":"stock"}`, string(v))

	require.NoError(t, s.Set(ctx, "org:1", []byte(`{"topic":"cash"}`)))
	v, err = s.Get(ctx, "org:1")
	require.NoError(t, err)
	require.Equal(t, `{"topic":"cash"}`, string(v))

	require.NoError(t, s.Delete(ctx, "org:1"))
	_, err = s.Get(ctx, "org:1")
	require.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "never-set"))
}

func TestBadgerStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "global", []byte(`{}`)))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, err := s.Get(context.Background(), "global")
	require.NoError(t, err)
	require.Equal(t, `{}`, string(v))
}
