package monitor

import (
	"context"
	"fmt"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

const DefaultRetention = 30 * 24 * time.Hour

// RetentionSweeper purges observations older than a horizon.
type RetentionSweeper struct {
	store   storage.Store
	horizon time.Duration
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

func NewRetentionSweeper(store storage.Store, horizon time.Duration, log logx.Logger, bus eventbus.Bus) *RetentionSweeper {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RetentionSweeper{
		store:   store,
		horizon: horizon,
		log:     log.With(logx.String("comp", "retention")),
		bus:     bus,
		now:     time.Now,
	}
}

// RetentionEvent is published after each sweep.
type RetentionEvent struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

// Sweep deletes observations captured before now minus the horizon and
// returns how many were removed.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.horizon)
	n, err := r.store.DeleteObservationsBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("retention sweep failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	r.log.Info("retention sweep finished", logx.Time("cutoff", cutoff), logx.Int64("deleted", n))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.RetentionSwept, Time: r.now(), Data: RetentionEvent{Cutoff: cutoff, Deleted: n}})
	}
	return n, nil
}

// Job adapts Sweep to a scheduler job.
func (r *RetentionSweeper) Job(ctx context.Context) error {
	_, err := r.Sweep(ctx)
	return err
}
