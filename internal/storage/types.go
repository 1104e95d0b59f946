package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrNoRecipient is returned by Recipient for items without an owner.
	ErrNoRecipient = errors.New("storage: item has no recipient")
	// ErrNoContact is returned by CreateUser without an email or chat id.
	ErrNoContact = errors.New("storage: user needs an email or telegram chat")
)

// Config selects and configures a backend.
//
// Driver values:
//   - "sqlite": SQLite file at DSN (default)
//   - "postgres": PostgreSQL connection string in DSN
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only
}

// Item is a tracked product listing.
type Item struct {
	ID           int64
	URL          string
	Name         string
	Platform     string
	TargetPrice  *float64
	CurrentPrice *float64
	ImageURL     *string
	Description  *string
	UserID       *int64
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Observation is one captured price. Observations are append-only.
type Observation struct {
	ID         int64
	ItemID     int64
	Price      float64
	CapturedAt time.Time
}

// NewItem describes an item to create.
type NewItem struct {
	URL         string
	Name        string
	Platform    string
	TargetPrice *float64
	ImageURL    *string
	Description *string
	UserID      *int64
}

// PriceRecord is the outcome of one successful check with a price.
// Metadata fields left nil keep their stored value.
type PriceRecord struct {
	ItemID      int64
	Price       float64
	At          time.Time
	ImageURL    *string
	Description *string
}

// Recipient is where alerts for an item go. Email is empty for owners
// known only by their Telegram chat.
type Recipient struct {
	Email          string
	TelegramChatID int64
}

// Store is the persistence contract used by the monitor.
//
// Every method is its own transaction. AppendObservation and RecordPrice
// clamp the capture time so observations stay monotonic per item, and keep
// the item's current price equal to its newest observation.
type Store interface {
	ActiveItems(ctx context.Context) ([]Item, error)
	Item(ctx context.Context, id int64) (Item, error)
	// ActiveItemByURL returns the tracked item for url, or ErrNotFound.
	ActiveItemByURL(ctx context.Context, url string) (Item, error)
	CreateItem(ctx context.Context, it NewItem) (Item, error)
	// UpdateItem writes the mutable item fields (name, target, active, metadata).
	UpdateItem(ctx context.Context, it Item) error
	DeactivateItem(ctx context.Context, id int64) error

	AppendObservation(ctx context.Context, itemID int64, price float64, at time.Time) (Observation, error)
	// RecordPrice sets current_price, updated_at and metadata, and appends
	// the observation, atomically.
	RecordPrice(ctx context.Context, rec PriceRecord) (Observation, error)
	// Observations returns the newest observations first.
	Observations(ctx context.Context, itemID int64, limit int) ([]Observation, error)
	DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateUser returns the owner for email, or for the chat when email is
	// empty, creating it if needed. A known email adopts a new chat id.
	CreateUser(ctx context.Context, email string, telegramChatID int64) (int64, error)
	Recipient(ctx context.Context, itemID int64) (Recipient, error)

	Close() error
}

// recipientOf treats an owner with neither an email nor a chat as absent.
func recipientOf(email string, chatID int64) (Recipient, error) {
	r := Recipient{Email: strings.TrimSpace(email), TelegramChatID: chatID}
	if r.Email == "" && r.TelegramChatID == 0 {
		return Recipient{}, ErrNoRecipient
	}
	return r, nil
}

func clampCapture(at, last time.Time) time.Time {
	if at.IsZero() {
		at = time.Now()
	}
	if !last.IsZero() && at.Before(last) {
		return last
	}
	return at
}

func platformOrDefault(p string) string {
	if p == "" {
		return "generic"
	}
	return p
}
