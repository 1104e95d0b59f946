package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

var (
	ErrInvalidURL = errors.New("invalid item url")
	// ErrAlreadyTracked is returned by Track for a URL with an active item.
	ErrAlreadyTracked = errors.New("url is already tracked")
)

// TrackRequest describes a new item to monitor.
type TrackRequest struct {
	URL         string
	TargetPrice *float64
	// OwnerEmail receives alerts; empty leaves the item unowned.
	OwnerEmail string
	ChatID     int64
}

// Track extracts url once, creates the item from what was found and records
// the first observation when a price was present. A URL that already has
// an active item is rejected with ErrAlreadyTracked.
func (c *Checker) Track(ctx context.Context, req TrackRequest) (storage.Item, error) {
	raw := strings.TrimSpace(req.URL)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return storage.Item{}, fmt.Errorf("%w: %q", ErrInvalidURL, req.URL)
	}
	if err := c.ensureUntracked(ctx, raw); err != nil {
		return storage.Item{}, err
	}

	facts, err := c.ex.Extract(ctx, raw)
	if err != nil {
		return storage.Item{}, err
	}

	ni := storage.NewItem{
		URL:         raw,
		Name:        facts.Name,
		Platform:    facts.Platform,
		TargetPrice: req.TargetPrice,
		ImageURL:    facts.ImageURL,
		Description: facts.Description,
	}
	if ni.Name == "" {
		ni.Name = raw
	}
	if email := strings.TrimSpace(req.OwnerEmail); email != "" || req.ChatID != 0 {
		uid, err := c.store.CreateUser(ctx, email, req.ChatID)
		if err != nil {
			return storage.Item{}, fmt.Errorf("%w: create user: %w", ErrPersist, err)
		}
		ni.UserID = &uid
	}

	// Checked again with creation serialized: two requests for the same URL
	// may both pass the first check while extracting.
	c.trackMu.Lock()
	if err := c.ensureUntracked(ctx, raw); err != nil {
		c.trackMu.Unlock()
		return storage.Item{}, err
	}
	it, err := c.store.CreateItem(ctx, ni)
	c.trackMu.Unlock()
	if err != nil {
		return storage.Item{}, fmt.Errorf("%w: create item: %w", ErrPersist, err)
	}
	defer c.locks.Lock(it.ID)()

	if facts.HasPrice() {
		if _, err := c.store.RecordPrice(ctx, storage.PriceRecord{ItemID: it.ID, Price: *facts.Price, At: c.now()}); err != nil {
			return it, fmt.Errorf("%w: first observation: %w", ErrPersist, err)
		}
		if it, err = c.store.Item(ctx, it.ID); err != nil {
			return it, err
		}
	}
	c.log.Info("item tracked",
		logx.Int64("item", it.ID),
		logx.String("url", raw),
		logx.String("platform", it.Platform),
		logx.Price("price", it.CurrentPrice),
		logx.Price("target", it.TargetPrice),
	)
	c.publish(eventbus.ItemTracked, CheckEvent{ItemID: it.ID, Price: it.CurrentPrice})
	return it, nil
}

func (c *Checker) ensureUntracked(ctx context.Context, rawURL string) error {
	it, err := c.store.ActiveItemByURL(ctx, rawURL)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("%w: lookup url: %w", ErrPersist, err)
	}
	return fmt.Errorf("%w: item %d", ErrAlreadyTracked, it.ID)
}

// Untrack deactivates an item. Its history is kept; sweeps and checks
// waiting on the item skip it from then on.
func (c *Checker) Untrack(ctx context.Context, id int64) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	it, err := c.store.Item(ctx, id)
	if err != nil {
		return err
	}
	if !it.Active {
		return fmt.Errorf("%w: item %d", ErrInactive, id)
	}
	if err := c.store.DeactivateItem(ctx, id); err != nil {
		return fmt.Errorf("%w: deactivate item %d: %w", ErrPersist, id, err)
	}
	c.log.Info("item untracked", logx.Int64("item", id), logx.String("url", it.URL))
	c.publish(eventbus.ItemUntracked, CheckEvent{ItemID: id})
	return nil
}
