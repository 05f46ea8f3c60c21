package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"biashara-copilot/internal/memory"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string
	// InMemory runs badger without touching disk.
	InMemory bool
	// TTL is applied to every entry. Non-positive uses the memory default.
	TTL time.Duration
	// Logger receives badger warnings and errors.
	Logger *slog.Logger
}

// BadgerStore is a local Durable backend for single-process runs.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

var _ memory.Durable = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) a badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("repository: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{l: logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("repository: open badger: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func badgerKey(key string) []byte {
	return []byte(memoryPK(key))
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: badger get: %w", err)
	}
	return val, nil
}

func (b *BadgerStore) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(badgerKey(key), value).WithTTL(b.ttl))
	})
	if err != nil {
		return fmt.Errorf("repository: badger set: %w", err)
	}
	return nil
}

func (b *BadgerStore) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("repository: badger delete: %w", err)
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger forwards warnings and errors to slog and drops the rest.
type badgerLogger struct{ l *slog.Logger }

func (g badgerLogger) Errorf(f string, v ...interface{}) { g.l.Error(fmt.Sprintf("badger: "+f, v...)) }
func (g badgerLogger) Warningf(f string, v ...interface{}) {
	g.l.Warn(fmt.Sprintf("badger: "+f, v...))
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
