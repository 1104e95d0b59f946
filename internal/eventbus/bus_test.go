package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, ua := b.Subscribe(1)
	c, uc := b.Subscribe(1)
	defer ua()
	defer uc()

	b.Publish(Event{Type: CheckCompleted, Data: 7})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != CheckCompleted || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %s, want a", e.Type)
	}
}

func TestUnsubscribeClosesAndPublishSurvives(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(8, AlertSent, "task.")
	defer unsub()

	b.Publish(Event{Type: CheckCompleted})
	b.Publish(Event{Type: "task.failed"})
	b.Publish(Event{Type: AlertSent})
	b.Publish(Event{Type: AlertFailed})

	var got []string
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	if len(got) != 2 || got[0] != "task.failed" || got[1] != AlertSent {
		t.Fatalf("got %v", got)
	}
}

func TestStatsCountsDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	st := b.Stats()
	if st.Subscribers != 1 || st.Published != 2 || st.Delivered != 1 || st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	unsub()
	if n := b.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", n)
	}
}
