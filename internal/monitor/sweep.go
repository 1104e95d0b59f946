package monitor

import (
	"context"
	"strconv"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

// SweepReport counts the outcomes of one sweep.
//
// Updated items had a price recorded; Unchanged ones were fetched but
// yielded no price. Skipped items were in failure cooldown, untracked
// mid-sweep, or not reached before cancellation or shutdown.
type SweepReport struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Alerted   int           `json:"alerted"`
	// Err is set when the item listing failed and the sweep did nothing.
	Err error `json:"-"`
}

// Sweep checks every active item on the engine's bounded pool. Item
// failures, including panics, are counted and never abort the sweep.
func (c *Checker) Sweep(ctx context.Context) SweepReport {
	rep := SweepReport{Started: c.now()}
	items, err := c.store.ActiveItems(ctx)
	if err != nil {
		c.log.Error("sweep skipped: listing active items failed", logx.Err(err))
		rep.Err = err
		rep.Duration = time.Since(rep.Started)
		return rep
	}

	checks := make([]CheckResult, len(items))
	tasks := make([]engine.Task, len(items))
	for i, it := range items {
		tasks[i] = engine.Task{
			Name:    "check:" + strconv.FormatInt(it.ID, 10),
			Key:     itemKey(it.ID),
			Timeout: c.cfg.ItemTimeout,
			Run: func(ctx context.Context) error {
				r, err := c.Check(ctx, it)
				checks[i] = r
				return err
			},
		}
	}
	results := c.eng.RunBatch(ctx, "price.sweep", tasks)

	for i, r := range results {
		switch {
		case r.Skipped:
			rep.Skipped++
			continue
		case r.Err != nil:
			rep.Failed++
		case checks[i].Inactive:
			rep.Skipped++
			continue
		case checks[i].Recorded:
			rep.Updated++
		default:
			rep.Unchanged++
		}
		rep.Checked++
		if checks[i].Alerted {
			rep.Alerted++
		}
	}
	rep.Duration = time.Since(rep.Started)

	c.log.Info("sweep finished",
		logx.Int("items", len(items)),
		logx.Int("checked", rep.Checked),
		logx.Int("updated", rep.Updated),
		logx.Int("unchanged", rep.Unchanged),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("alerted", rep.Alerted),
		logx.Duration("dur", rep.Duration),
	)
	c.publish(eventbus.SweepFinished, rep)
	return rep
}

// SweepJob adapts Sweep to a scheduler job. A listing failure fails the tick.
func (c *Checker) SweepJob(ctx context.Context) error {
	return c.Sweep(ctx).Err
}
