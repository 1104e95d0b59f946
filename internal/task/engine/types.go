package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the batch execution engine.
type Config struct {
	// Workers bounds concurrent task execution within one batch.
	Workers int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int

	// Circuit breaker (consecutive-failure based), applied per Task.Key.
	//
	// If CircuitTripFailures < 0, the circuit breaker is disabled.
	// If CircuitTripFailures == 0, a default is applied.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) breaker() BreakerConfig {
	return BreakerConfig{
		TripFailures: c.CircuitTripFailures,
		BaseDelay:    c.CircuitBaseDelay,
		MaxDelay:     c.CircuitMaxDelay,
		ResetAfter:   c.CircuitResetAfter,
	}
}

// Task is a unit of work executed by the engine.
//
// Key is the circuit-breaker key; tasks sharing a Key share failure state.
// An empty Key bypasses the breaker.
type Task struct {
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Result is the outcome of one task in a batch, in submission order.
type Result struct {
	Name     string
	Key      string
	Started  time.Time
	Duration time.Duration
	Err      error
	// Skipped is set when the task never ran (open circuit or cancelled batch).
	Skipped bool
}

// RunState tracks whether a job is already in-flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

// TryAcquire marks the job running. It returns false if it already is.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether the job is in-flight.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	Batch    string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
	Skipped  bool
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	Batch    string        `json:"batch"`
	Name     string        `json:"name"`
	Key      string        `json:"key,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// BatchEvent is emitted when a batch finishes.
type BatchEvent struct {
	Batch    string        `json:"batch"`
	Total    int           `json:"total"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	InFlight int
	Batches  uint64

	// Circuit breaker diagnostics (memory store only).
	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}
