package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	items  map[int64]*Item
	obs    map[int64][]Observation // per item, capture order
	users  map[int64]*memUser
	nextID struct{ item, obs, user int64 }

	// failRecord makes RecordPrice fail for the given item ids.
	failRecord map[int64]error
}

type memUser struct {
	email  string
	chatID int64
}

func NewMemory() *Memory {
	return &Memory{
		items:      map[int64]*Item{},
		obs:        map[int64][]Observation{},
		users:      map[int64]*memUser{},
		failRecord: map[int64]error{},
	}
}

// FailRecordPrice makes RecordPrice return err for itemID until cleared
// with a nil err. Used to simulate persistence failures.
func (m *Memory) FailRecordPrice(itemID int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failRecord, itemID)
		return
	}
	m.failRecord[itemID] = err
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ActiveItems(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if it.Active {
			out = append(out, cloneItem(*it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Item(_ context.Context, id int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return cloneItem(*it), nil
}

func (m *Memory) CreateItem(_ context.Context, n NewItem) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID.item++
	now := time.Now()
	it := &Item{
		ID:          m.nextID.item,
		URL:         n.URL,
		Name:        n.Name,
		Platform:    platformOrDefault(n.Platform),
		TargetPrice: copyFloat(n.TargetPrice),
		ImageURL:    copyString(n.ImageURL),
		Description: copyString(n.Description),
		UserID:      copyInt(n.UserID),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.items[it.ID] = it
	return cloneItem(*it), nil
}

func (m *Memory) UpdateItem(_ context.Context, it Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = it.Name
	cur.Platform = platformOrDefault(it.Platform)
	cur.TargetPrice = copyFloat(it.TargetPrice)
	cur.ImageURL = copyString(it.ImageURL)
	cur.Description = copyString(it.Description)
	cur.UserID = copyInt(it.UserID)
	cur.Active = it.Active
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeactivateItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Active = false
	it.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AppendObservation(ctx context.Context, itemID int64, price float64, at time.Time) (Observation, error) {
	return m.RecordPrice(ctx, PriceRecord{ItemID: itemID, Price: price, At: at})
}

func (m *Memory) RecordPrice(ctx context.Context, rec PriceRecord) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRecord[rec.ItemID]; err != nil {
		return Observation{}, err
	}
	it, ok := m.items[rec.ItemID]
	if !ok {
		return Observation{}, ErrNotFound
	}

	var last time.Time
	if h := m.obs[rec.ItemID]; len(h) > 0 {
		last = h[len(h)-1].CapturedAt
	}
	at := clampCapture(rec.At, last)

	m.nextID.obs++
	o := Observation{ID: m.nextID.obs, ItemID: rec.ItemID, Price: rec.Price, CapturedAt: at}
	m.obs[rec.ItemID] = append(m.obs[rec.ItemID], o)

	p := rec.Price
	it.CurrentPrice = &p
	it.UpdatedAt = at
	if rec.ImageURL != nil {
		it.ImageURL = copyString(rec.ImageURL)
	}
	if rec.Description != nil {
		it.Description = copyString(rec.Description)
	}
	return o, nil
}

func (m *Memory) Observations(_ context.Context, itemID int64, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.obs[itemID]
	out := make([]Observation, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (m *Memory) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, h := range m.obs {
		kept := h[:0]
		for _, o := range h {
			if o.CapturedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, o)
		}
		m.obs[id] = kept
	}
	return n, nil
}

func (m *Memory) CreateUser(_ context.Context, email string, chatID int64) (int64, error) {
	email = strings.TrimSpace(email)
	if email == "" && chatID == 0 {
		return 0, ErrNoContact
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		switch {
		case email != "" && u.email == email:
			if chatID != 0 {
				u.chatID = chatID
			}
			return id, nil
		case email == "" && u.email == "" && u.chatID == chatID:
			return id, nil
		}
	}
	m.nextID.user++
	m.users[m.nextID.user] = &memUser{email: email, chatID: chatID}
	return m.nextID.user, nil
}

func (m *Memory) Recipient(_ context.Context, itemID int64) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	if it.UserID == nil {
		return Recipient{}, ErrNoRecipient
	}
	u, ok := m.users[*it.UserID]
	if !ok {
		return Recipient{}, ErrNoRecipient
	}
	return recipientOf(u.email, u.chatID)
}

func (m *Memory) ActiveItemByURL(_ context.Context, url string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Item
	for _, it := range m.items {
		if it.Active && it.URL == url && (found == nil || it.ID < found.ID) {
			found = it
		}
	}
	if found == nil {
		return Item{}, ErrNotFound
	}
	return cloneItem(*found), nil
}

func cloneItem(it Item) Item {
	it.TargetPrice = copyFloat(it.TargetPrice)
	it.CurrentPrice = copyFloat(it.CurrentPrice)
	it.ImageURL = copyString(it.ImageURL)
	it.Description = copyString(it.Description)
	it.UserID = copyInt(it.UserID)
	return it
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
