// Package alert delivers price-drop notifications over one statically
// configured channel.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricewatch/internal/eventbus"
	logx "pricewatch/pkg/logx"
)

var (
	ErrNoEmail = errors.New("recipient has no email")
	ErrNoChat  = errors.New("recipient has no telegram chat")
)

type Recipient struct {
	Email  string
	ChatID int64
}

// Alert is one price drop for one recipient.
type Alert struct {
	Recipient Recipient
	ItemID    int64
	ItemName  string
	OldPrice  float64
	NewPrice  float64
	ItemURL   string
}

func (a Alert) Savings() float64 { return a.OldPrice - a.NewPrice }

// Channel delivers a rendered message.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, a Alert, m Message) error
}

// Event is published on the bus after each Send.
type Event struct {
	ItemID  int64   `json:"item_id"`
	Channel string  `json:"channel"`
	Price   float64 `json:"price"`
	Error   string  `json:"error,omitempty"`
}

// Dispatcher renders alerts and hands them to its channel.
type Dispatcher struct {
	ch      Channel
	log     logx.Logger
	bus     eventbus.Bus
	timeout time.Duration
}

func NewDispatcher(ch Channel, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ch == nil {
		ch = NewLogChannel(log)
	}
	return &Dispatcher{ch: ch, log: log, bus: bus, timeout: 30 * time.Second}
}

// Channel names the active channel.
func (d *Dispatcher) Channel() string { return d.ch.Name() }

// Send delivers a and reports success. It never panics and never returns
// an error; failures are logged.
func (d *Dispatcher) Send(ctx context.Context, a Alert) (ok bool) {
	log := d.log.With(logx.String("channel", d.ch.Name()), logx.Int64("item", a.ItemID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("alert panic", logx.Any("panic", r))
			d.publish(eventbus.AlertFailed, a, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	msg, err := Render(a)
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.ch.Deliver(dctx, a, msg)
		cancel()
	}
	if err != nil {
		log.Warn("alert delivery failed", logx.String("item_name", a.ItemName), logx.Err(err))
		d.publish(eventbus.AlertFailed, a, err)
		return false
	}
	log.Info("alert sent", logx.String("item_name", a.ItemName), logx.Float64("old", a.OldPrice), logx.Float64("new", a.NewPrice))
	d.publish(eventbus.AlertSent, a, nil)
	return true
}

func (d *Dispatcher) publish(typ string, a Alert, err error) {
	if d.bus == nil {
		return
	}
	ev := Event{ItemID: a.ItemID, Channel: d.ch.Name(), Price: a.NewPrice}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
