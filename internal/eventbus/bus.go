// Package eventbus is an in-process fanout of monitoring events (price
// changes, alerts, batch results) to optional observers.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory signal. Data is JSON-friendly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel of events. With types given,
	// only those event types are delivered; a type ending in "." matches
	// every type with that prefix ("task.").
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// Stats counts traffic since the bus was created.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// New returns an in-memory bus. It owns no goroutines; Publish never
// blocks and a full subscriber loses the event.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	exact    map[string]bool
	prefixes []string

	mu     sync.Mutex
	closed bool
	ch     chan Event
}

func (s *subscriber) wants(typ string) bool {
	if s.exact == nil && s.prefixes == nil {
		return true
	}
	if s.exact[typ] {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// offer reports whether e was queued; a closed subscriber counts as taken.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.offer(e) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	for _, t := range types {
		switch {
		case t == "":
		case strings.HasSuffix(t, "."):
			s.prefixes = append(s.prefixes, t)
		default:
			if s.exact == nil {
				s.exact = map[string]bool{}
			}
			s.exact[t] = true
		}
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, unsub
}

func (b *memBus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}
