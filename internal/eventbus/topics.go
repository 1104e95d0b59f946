package eventbus

import (
	"context"

	logx "pricewatch/pkg/logx"
)

// Event types published by the monitoring engine.
const (
	CheckCompleted = "check.completed"
	CheckFailed    = "check.failed"
	PriceDropped   = "price.dropped"
	ItemTracked    = "item.tracked"
	ItemUntracked  = "item.untracked"
	AlertSent      = "alert.sent"
	AlertFailed    = "alert.failed"
	SweepFinished  = "sweep.finished"
	RetentionSwept = "retention.swept"
)

// Forward logs every event at debug level until ctx is done.
func Forward(ctx context.Context, b Bus, log logx.Logger) {
	ch, unsub := b.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Time("at", e.Time), logx.Any("data", e.Data))
		}
	}
}
