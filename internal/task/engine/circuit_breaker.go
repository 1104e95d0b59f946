package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "pricewatch/pkg/logx"
)

// BreakerConfig configures a consecutive-failure circuit breaker.
//
// After TripFailures consecutive failures the key is open for BaseDelay,
// doubling with every further failure up to MaxDelay. A success closes it.
// If the last failure is older than ResetAfter the count starts over.
// TripFailures < 0 disables the breaker; 0 means the default (5).
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// BreakerState is the persisted state of one key.
type BreakerState struct {
	Fails       int
	OpenUntil   time.Time
	LastFailure time.Time
}

// BreakerStore persists breaker state. Implementations must be safe for
// concurrent use; Breaker serializes read-modify-write per process.
type BreakerStore interface {
	Load(ctx context.Context, key string) (BreakerState, error)
	Save(ctx context.Context, key string, st BreakerState) error
	Delete(ctx context.Context, key string) error
}

// Breaker tracks consecutive failures per key.
type Breaker struct {
	cfg   BreakerConfig
	store BreakerStore
	log   logx.Logger

	mu sync.Mutex
}

func NewBreaker(cfg BreakerConfig, store BreakerStore, log logx.Logger) *Breaker {
	if store == nil {
		store = NewMemoryBreakerStore()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Breaker{cfg: cfg.withDefaults(), store: store, log: log}
}

func (b *Breaker) enabled() bool { return b != nil && b.cfg.TripFailures > 0 }

// Open reports whether key is in cooldown at now, and until when.
// Store errors fail open (the key is treated as closed).
func (b *Breaker) Open(ctx context.Context, key string, now time.Time) (bool, time.Time) {
	key = strings.TrimSpace(key)
	if !b.enabled() || key == "" {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.store.Load(ctx, key)
	if err != nil {
		b.log.Warn("breaker state load failed", logx.String("key", key), logx.Err(err))
		return false, time.Time{}
	}
	if b.expired(st, now) {
		return false, time.Time{}
	}
	if !st.OpenUntil.IsZero() && now.Before(st.OpenUntil) {
		return true, st.OpenUntil
	}
	return false, time.Time{}
}

// Record updates key with the outcome of a run finished at now.
func (b *Breaker) Record(ctx context.Context, key string, now time.Time, runErr error) {
	key = strings.TrimSpace(key)
	if !b.enabled() || key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if runErr == nil {
		if err := b.store.Delete(ctx, key); err != nil {
			b.log.Warn("breaker state reset failed", logx.String("key", key), logx.Err(err))
		}
		return
	}

	st, err := b.store.Load(ctx, key)
	if err != nil {
		b.log.Warn("breaker state load failed", logx.String("key", key), logx.Err(err))
		st = BreakerState{}
	}
	if b.expired(st, now) {
		st = BreakerState{}
	}
	st.Fails++
	st.LastFailure = now
	if st.Fails >= b.cfg.TripFailures {
		st.OpenUntil = now.Add(b.cooldown(st.Fails))
		if st.Fails == b.cfg.TripFailures {
			b.log.Warn("circuit opened", logx.String("key", key), logx.Int("fails", st.Fails), logx.Time("until", st.OpenUntil))
		}
	}
	if err := b.store.Save(ctx, key, st); err != nil {
		b.log.Warn("breaker state save failed", logx.String("key", key), logx.Err(err))
	}
}

func (b *Breaker) expired(st BreakerState, now time.Time) bool {
	return !st.LastFailure.IsZero() && now.Sub(st.LastFailure) > b.cfg.ResetAfter
}

func (b *Breaker) cooldown(fails int) time.Duration {
	d := b.cfg.BaseDelay
	for i := 0; i < fails-b.cfg.TripFailures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			return b.cfg.MaxDelay
		}
	}
	return d
}

// MemoryBreakerStore keeps breaker state in process memory.
type MemoryBreakerStore struct {
	mu sync.Mutex
	m  map[string]BreakerState
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{m: map[string]BreakerState{}}
}

func (s *MemoryBreakerStore) Load(_ context.Context, key string) (BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *MemoryBreakerStore) Save(_ context.Context, key string, st BreakerState) error {
	s.mu.Lock()
	s.m[key] = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryBreakerStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

// Counts returns the number of tracked keys and how many are open at now.
func (s *MemoryBreakerStore) Counts(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.m {
		total++
		if !st.OpenUntil.IsZero() && now.Before(st.OpenUntil) {
			open++
		}
	}
	return total, open
}
