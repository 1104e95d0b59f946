package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pricewatch/internal/alert"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/extract"
	"pricewatch/internal/storage"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

var (
	// ErrPersist wraps store failures while recording a check.
	ErrPersist = errors.New("persist failed")
	// ErrInactive is returned for items that are no longer tracked.
	ErrInactive = errors.New("item is not tracked")
)

// Extractor reads product facts from a listing URL.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (extract.ProductFacts, error)
}

// Notifier delivers an alert and reports success.
type Notifier interface {
	Send(ctx context.Context, a alert.Alert) bool
}

type Config struct {
	// ItemTimeout bounds one check inside a sweep. 0 uses the engine default.
	ItemTimeout time.Duration
}

// CheckResult describes one completed check.
type CheckResult struct {
	ItemID   int64
	OldPrice *float64
	NewPrice *float64
	// Recorded is set when an observation was appended.
	Recorded bool
	Alerted  bool
	// Inactive is set when the item was untracked before its turn came.
	Inactive bool
}

// Changed reports whether a recorded price differs from the previous one.
func (r CheckResult) Changed() bool {
	if !r.Recorded {
		return false
	}
	return r.OldPrice == nil || *r.OldPrice != *r.NewPrice
}

// CheckNowResult is returned to on-demand callers.
type CheckNowResult struct {
	CurrentPrice *float64
}

// Checker runs single-item checks and sweeps.
type Checker struct {
	cfg    Config
	store  storage.Store
	ex     Extractor
	notify Notifier
	eng    *engine.Service
	log    logx.Logger
	bus    eventbus.Bus
	locks  *keyLock
	now    func() time.Time

	trackMu sync.Mutex
}

func NewChecker(cfg Config, store storage.Store, ex Extractor, notify Notifier, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if eng == nil {
		eng = engine.New(engine.Config{}, nil, log, bus)
	}
	return &Checker{
		cfg:    cfg,
		store:  store,
		ex:     ex,
		notify: notify,
		eng:    eng,
		log:    log.With(logx.String("comp", "monitor")),
		bus:    bus,
		locks:  newKeyLock(),
		now:    time.Now,
	}
}

// Check fetches item, records the price if one was found and alerts on a
// qualifying drop. A page without a price changes nothing.
//
// Only item.ID is used: the item is read again under its lock, so a stale
// copy from a listing never decides the alert. An item removed or
// untracked in the meantime is skipped.
func (c *Checker) Check(ctx context.Context, item storage.Item) (CheckResult, error) {
	unlock := c.locks.Lock(item.ID)
	defer unlock()

	cur, err := c.store.Item(ctx, item.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound), err == nil && !cur.Active:
		c.log.Debug("check skipped: item no longer tracked", logx.Int64("item", item.ID))
		return CheckResult{ItemID: item.ID, Inactive: true}, nil
	case err != nil:
		return CheckResult{ItemID: item.ID}, fmt.Errorf("load item %d: %w", item.ID, err)
	}
	return c.check(ctx, cur)
}

func (c *Checker) check(ctx context.Context, item storage.Item) (CheckResult, error) {
	log := c.log.With(logx.Int64("item", item.ID))
	res := CheckResult{ItemID: item.ID, OldPrice: item.CurrentPrice}

	facts, err := c.ex.Extract(ctx, item.URL)
	if err != nil {
		log.Warn("check fetch failed", logx.String("url", item.URL), logx.Err(err))
		c.publish(eventbus.CheckFailed, CheckEvent{ItemID: item.ID, Error: err.Error()})
		return res, err
	}
	if !facts.HasPrice() {
		log.Info("no price found", logx.String("url", item.URL))
		c.publish(eventbus.CheckCompleted, CheckEvent{ItemID: item.ID})
		return res, nil
	}

	newPrice := *facts.Price
	_, err = c.store.RecordPrice(ctx, storage.PriceRecord{
		ItemID:      item.ID,
		Price:       newPrice,
		At:          c.now(),
		ImageURL:    facts.ImageURL,
		Description: facts.Description,
	})
	if err != nil {
		err = fmt.Errorf("%w: item %d: %w", ErrPersist, item.ID, err)
		log.Error("check persist failed", logx.Err(err))
		c.publish(eventbus.CheckFailed, CheckEvent{ItemID: item.ID, Error: err.Error()})
		return res, err
	}
	res.NewPrice = &newPrice
	res.Recorded = true
	log.Debug("price recorded", logx.Price("old", item.CurrentPrice), logx.Float64("new", newPrice))
	c.publish(eventbus.CheckCompleted, CheckEvent{ItemID: item.ID, Price: res.NewPrice, Changed: res.Changed()})

	if ShouldAlert(item.CurrentPrice, newPrice, item.TargetPrice) {
		c.publish(eventbus.PriceDropped, CheckEvent{ItemID: item.ID, Price: res.NewPrice, Changed: true})
		res.Alerted = c.sendAlert(ctx, log, item, newPrice)
	}
	return res, nil
}

func (c *Checker) sendAlert(ctx context.Context, log logx.Logger, item storage.Item, newPrice float64) bool {
	if c.notify == nil {
		return false
	}
	rcpt, err := c.store.Recipient(ctx, item.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRecipient) {
			log.Info("alert skipped: no recipient")
		} else {
			log.Warn("alert skipped: recipient lookup failed", logx.Err(err))
		}
		return false
	}
	name := item.Name
	if name == "" {
		name = item.URL
	}
	return c.notify.Send(ctx, alert.Alert{
		Recipient: alert.Recipient{Email: rcpt.Email, ChatID: rcpt.TelegramChatID},
		ItemID:    item.ID,
		ItemName:  name,
		OldPrice:  *item.CurrentPrice,
		NewPrice:  newPrice,
		ItemURL:   item.URL,
	})
}

// CheckNow checks one item on demand, ignoring any failure cooldown, and
// returns the latest persisted price. The check's own failure is logged and
// not returned; only an unknown or untracked id or a store read failure is
// an error.
func (c *Checker) CheckNow(ctx context.Context, id int64) (CheckNowResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	item, err := c.store.Item(ctx, id)
	if err != nil {
		return CheckNowResult{}, err
	}
	if !item.Active {
		return CheckNowResult{}, fmt.Errorf("%w: item %d", ErrInactive, id)
	}
	_, checkErr := c.check(ctx, item)
	// A caller that went away says nothing about the item.
	if ctx.Err() == nil {
		c.eng.Breaker().Record(ctx, itemKey(id), c.now(), checkErr)
	}

	item, err = c.store.Item(ctx, id)
	if err != nil {
		return CheckNowResult{}, err
	}
	return CheckNowResult{CurrentPrice: item.CurrentPrice}, nil
}

// CheckEvent is published for check.* and price.dropped.
type CheckEvent struct {
	ItemID  int64    `json:"item_id"`
	Price   *float64 `json:"price,omitempty"`
	Changed bool     `json:"changed,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (c *Checker) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}

func itemKey(id int64) string { return "item:" + strconv.FormatInt(id, 10) }
