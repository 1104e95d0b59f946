package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

// Service runs batches of independent tasks on a bounded set of workers.
//
// A failing or panicking task never affects its siblings. Tasks whose
// breaker key is open are skipped with ErrCircuitOpen.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	breaker *Breaker
	mem     *MemoryBreakerStore

	inFlight atomic.Int32
	batches  atomic.Uint64

	drainOnce sync.Once
	drain     chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

// New returns an engine. A nil store keeps breaker state in memory.
func New(cfg Config, store BreakerStore, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log, bus: bus, drain: make(chan struct{})}
	if store == nil {
		s.mem = NewMemoryBreakerStore()
		store = s.mem
	} else if m, ok := store.(*MemoryBreakerStore); ok {
		s.mem = m
	}
	s.breaker = NewBreaker(cfg.breaker(), store, log.With(logx.String("comp", "breaker")))
	return s
}

// Breaker exposes the breaker so callers running tasks outside a batch can
// record outcomes against the same keys.
func (s *Service) Breaker() *Breaker { return s.breaker }

// Drain stops every batch from starting further tasks. Tasks already
// running keep their context and finish normally; the rest are skipped with
// ErrDraining. It cannot be undone.
func (s *Service) Drain() {
	s.drainOnce.Do(func() {
		close(s.drain)
		s.log.Info("draining", logx.Int("in_flight", int(s.inFlight.Load())))
	})
}

func (s *Service) draining() bool {
	select {
	case <-s.drain:
		return true
	default:
		return false
	}
}

// RunBatch executes tasks with at most Config.Workers running at once and
// blocks until all of them have finished. Results are in task order.
//
// Cancelling ctx stops new tasks from starting; running tasks observe ctx.
// Drain stops new tasks without cancelling the running ones.
func (s *Service) RunBatch(ctx context.Context, batch string, tasks []Task) []Result {
	start := time.Now()
	s.batches.Add(1)
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := min(s.cfg.Workers, len(tasks))
	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				results[i] = s.execOne(ctx, batch, tasks[i])
			}
		}()
	}

	skipFrom := func(i int, err error) {
		for j := i; j < len(tasks); j++ {
			results[j] = Result{Name: tasks[j].Name, Key: tasks[j].Key, Started: time.Now(), Err: err, Skipped: true}
		}
	}
feed:
	for i := range tasks {
		switch {
		case ctx.Err() != nil:
			skipFrom(i, ctx.Err())
			break feed
		case s.draining():
			skipFrom(i, ErrDraining)
			break feed
		}
		select {
		case <-ctx.Done():
			skipFrom(i, ctx.Err())
			break feed
		case <-s.drain:
			skipFrom(i, ErrDraining)
			break feed
		case next <- i:
		}
	}
	close(next)
	wg.Wait()

	ev := BatchEvent{Batch: batch, Total: len(tasks), Duration: time.Since(start)}
	for _, r := range results {
		switch {
		case r.Skipped:
			ev.Skipped++
		case r.Err != nil:
			ev.Failed++
		}
	}
	s.publish("batch.finished", ev)
	return results
}

func (s *Service) execOne(ctx context.Context, batch string, t Task) Result {
	start := time.Now()
	res := Result{Name: t.Name, Key: t.Key, Started: start}
	if err := ctx.Err(); err != nil {
		res.Err, res.Skipped = err, true
		return res
	}
	if s.draining() {
		res.Err, res.Skipped = ErrDraining, true
		return res
	}

	if open, until := s.breaker.Open(ctx, t.Key, start); open {
		res.Err = fmt.Errorf("%w (until %s)", ErrCircuitOpen, until.Format(time.RFC3339))
		res.Skipped = true
		s.log.Debug("task.skipped", logx.String("batch", batch), logx.String("task", t.Name), logx.Time("until", until))
		s.record(batch, res)
		return res
	}

	s.inFlight.Add(1)
	res.Err = s.run(ctx, t)
	s.inFlight.Add(-1)
	res.Duration = time.Since(start)

	s.breaker.Record(ctx, t.Key, time.Now(), res.Err)

	ev := TaskEvent{Batch: batch, Name: t.Name, Key: t.Key, Started: start, Duration: res.Duration}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		s.log.Warn("task.failed", logx.String("batch", batch), logx.String("task", t.Name), logx.Err(res.Err), logx.Duration("dur", res.Duration))
		s.publish("task.failed", ev)
	} else {
		s.log.Debug("task.completed", logx.String("batch", batch), logx.String("task", t.Name), logx.Duration("dur", res.Duration))
		s.publish("task.finished", ev)
	}
	s.record(batch, res)
	return res
}

func (s *Service) run(ctx context.Context, t Task) (err error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if t.Run == nil {
		return nil
	}
	return t.Run(ctx)
}

func (s *Service) record(batch string, r Result) {
	item := HistoryItem{Batch: batch, Name: r.Name, Started: r.Started, Duration: r.Duration, Skipped: r.Skipped}
	if r.Err != nil {
		item.Error = r.Err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Workers:  s.cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Batches:  s.batches.Load(),
	}
	if s.mem != nil {
		snap.CircuitTotal, snap.CircuitOpen = s.mem.Counts(time.Now())
	}
	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}
