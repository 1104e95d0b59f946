// Package supervisor runs the process's long-lived background loops (HTTP
// server, rules watcher, event log) under one cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "pricewatch/pkg/logx"
)

// Supervisor owns a set of named goroutines. Panics are recovered and
// recorded; the first failure is kept for health reporting.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	loops    map[string]*loopStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every loop after the first unrecovered failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		done:   make(chan struct{}),
		loops:  map[string]*loopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned error other than cancellation, or a panic,
// is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		err := s.runOnce(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)
			s.fail(err)
			return
		}
		s.noteStop(name, nil)
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	publishFirst bool
}

// WithRestartBackoff sets the backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while still
// restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// GoRestart runs fn until ctx is done, restarting it with jittered
// exponential backoff after errors or panics. A clean return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.minBackoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			started := s.noteStart(name, restarts > 0)
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err)
			if cfg.publishFirst {
				s.mu.Lock()
				if s.firstErr == nil {
					s.firstErr = err
				}
				s.mu.Unlock()
			}

			// A long healthy run earns a fresh backoff.
			if time.Since(started) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Warn("loop restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("loop panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("loop started", logx.String("name", name))
	return fn(s.ctx)
}

// Stop cancels every loop and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every loop has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

type loopStats struct {
	active   int
	starts   int
	restarts int
	panics   int
	lastErr  string
	lastStop time.Time
}

// LoopInfo is one loop's entry in a Snapshot.
type LoopInfo struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Starts   int       `json:"starts"`
	Restarts int       `json:"restarts"`
	Panics   int       `json:"panics"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop,omitzero"`
}

type Snapshot struct {
	FirstError string     `json:"first_error,omitempty"`
	Loops      []LoopInfo `json:"loops"`
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for name, st := range s.loops {
		snap.Loops = append(snap.Loops, LoopInfo{
			Name:     name,
			Active:   st.active,
			Starts:   st.starts,
			Restarts: st.restarts,
			Panics:   st.panics,
			LastErr:  st.lastErr,
			LastStop: st.lastStop,
		})
	}
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

func (s *Supervisor) stats(name string) *loopStats {
	st := s.loops[name]
	if st == nil {
		st = &loopStats{}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	st.active++
	st.starts++
	if restart {
		st.restarts++
	}
	return time.Now()
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats(name)
	st.active--
	st.lastStop = time.Now()
	if err != nil {
		st.lastErr = err.Error()
	}
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.stats(name).panics++
	s.mu.Unlock()
}
