// Package memory keeps short-lived conversation state per context key. Reads
// are served from an in-process cache; writes go to the cache immediately and
// to a Durable backend in the background.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/observability"
)

// DefaultTTL is how long a conversation state stays meaningful.
const DefaultTTL = 6 * time.Hour

const defaultPersistTimeout = 5 * time.Second

// ErrNotFound is returned by a Durable when the key holds no record.
var ErrNotFound = errors.New("memory: not found")

// Durable is the opaque persistent key-value store.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is safe for concurrent use. Two Sets for the same key race on the
// durable side; whichever persist completes last wins.
type Store struct {
	durable        Durable
	ttl            time.Duration
	persistTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu       sync.Mutex
	entries  map[string]domain.ConversationState
	hydrated map[string]bool
	// writes counts Sets and Clears per key so Hydrate can tell that the key
	// changed while it was reading.
	writes map[string]uint64

	pending sync.WaitGroup
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store. A nil durable keeps memory in-process only.
func New(durable Durable, opts ...Option) *Store {
	s := &Store{
		durable:        durable,
		ttl:            DefaultTTL,
		persistTimeout: defaultPersistTimeout,
		logger:         slog.Default(),
		now:            time.Now,
		entries:        make(map[string]domain.ConversationState),
		hydrated:       make(map[string]bool),
		writes:         make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured expiry.
func (s *Store) TTL() time.Duration { return s.ttl }

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the live state for key, or nil. Reading an expired entry drops
// it and clears the persisted copy in the background.
func (s *Store) Get(_ context.Context, key string) *domain.ConversationState {
	s.mu.Lock()
	st, ok := s.entries[key]
	if ok && st.Expired(s.now(), s.ttl) {
		delete(s.entries, key)
		s.mu.Unlock()
		s.persist(key, nil)
		return nil
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return &st
}

// Set replaces the state for key. A nil state clears it. The cache is updated
// before Set returns; the durable write is not awaited.
func (s *Store) Set(key string, st *domain.ConversationState) {
	s.mu.Lock()
	if st == nil {
		delete(s.entries, key)
	} else {
		s.entries[key] = *st
	}
	s.writes[key]++
	s.mu.Unlock()
	s.persist(key, st)
}

// Clear removes the state for key.
func (s *Store) Clear(key string) {
	s.Set(key, nil)
}

// Hydrate loads key from the durable store once per process lifetime, and
// only when the cache has no live entry. A Set or Clear made while the read
// is in flight wins over the loaded record. Failures leave the cache untouched.
func (s *Store) Hydrate(ctx context.Context, key string) {
	s.mu.Lock()
	if s.hydrated[key] {
		s.mu.Unlock()
		return
	}
	s.hydrated[key] = true
	if st, ok := s.entries[key]; ok && !st.Expired(s.now(), s.ttl) {
		s.mu.Unlock()
		return
	}
	seen := s.writes[key]
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	raw, err := s.durable.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		observability.RecordMemoryPersistError("read")
		s.logger.Warn("memory hydrate failed", "key", key, "err", err)
		return
	}
	st, ok := decodeState(raw)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes[key] != seen {
		return
	}
	if st.Expired(s.now(), s.ttl) {
		s.persist(key, nil)
		return
	}
	s.entries[key] = *st
}

// Flush waits for background durable writes issued so far.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) persist(key string, st *domain.ConversationState) {
	if s.durable == nil {
		return
	}
	var payload []byte
	if st != nil {
		b, err := json.Marshal(st)
		if err != nil {
			s.logger.Warn("memory encode failed", "key", key, "err", err)
			return
		}
		payload = b
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()

		var err error
		op := "write"
		if payload == nil {
			op = "delete"
			err = s.durable.Delete(ctx, key)
		} else {
			err = s.durable.Set(ctx, key, payload)
		}
		if err != nil {
			observability.RecordMemoryPersistError(op)
			s.logger.Warn("memory persist failed", "key", key, "op", op, "err", err)
		}
	}()
}

func decodeState(raw []byte) (*domain.ConversationState, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, false
	}
	var st domain.ConversationState
	if err := json.Unmarshal([]byte(trimmed), &st); err != nil {
		return nil, false
	}
	if !st.Informative() {
		return nil, false
	}
	return &st, true
}

// Merge combines prev and next field by field: a non-empty value in next wins,
// otherwise prev's value is kept. UpdatedAt is set to now. The result is nil
// when no informative field remains.
func Merge(prev, next *domain.ConversationState, now time.Time) *domain.ConversationState {
	var p, n domain.ConversationState
	if prev != nil {
		p = *prev
	}
	if next != nil {
		n = *next
	}
	out := &domain.ConversationState{
		Topic:         pick(n.Topic, p.Topic),
		Objective:     pick(n.Objective, p.Objective),
		LastPlan:      pick(n.LastPlan, p.LastPlan),
		StrategyLevel: domain.StrategyLevel(pick(string(n.StrategyLevel), string(p.StrategyLevel))),
		Lang:          domain.Lang(pick(string(n.Lang), string(p.Lang))),
		UpdatedAt:     now,
	}
	if !out.Informative() {
		return nil
	}
	return out
}

func pick(next, prev string) string {
	if strings.TrimSpace(next) != "" {
		return next
	}
	return prev
}
