package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pricewatch/pkg/logx"
)

//go:embed migrations.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; transactions serialize on the single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteItemCols = `id, url, name, platform, target_price, current_price, image_url, description, user_id, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(r rowScanner) (Item, error) {
	var (
		it               Item
		target, current  sql.NullFloat64
		image, desc      sql.NullString
		userID           sql.NullInt64
		active           int
		created, updated int64
	)
	if err := r.Scan(&it.ID, &it.URL, &it.Name, &it.Platform, &target, &current, &image, &desc, &userID, &active, &created, &updated); err != nil {
		return Item{}, err
	}
	it.TargetPrice = fromNullFloat(target)
	it.CurrentPrice = fromNullFloat(current)
	it.ImageURL = fromNullString(image)
	it.Description = fromNullString(desc)
	if userID.Valid {
		v := userID.Int64
		it.UserID = &v
	}
	it.Active = active != 0
	it.CreatedAt = time.UnixMilli(created)
	it.UpdatedAt = time.UnixMilli(updated)
	return it, nil
}

func (s *sqliteStore) ActiveItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteItemCols+` FROM items WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Item(ctx context.Context, id int64) (Item, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx, `SELECT `+sqliteItemCols+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) ActiveItemByURL(ctx context.Context, url string) (Item, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemCols+` FROM items WHERE url = ? AND active = 1 ORDER BY id LIMIT 1`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) CreateItem(ctx context.Context, n NewItem) (Item, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items(url, name, platform, target_price, image_url, description, user_id, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,1,?,?)`,
		n.URL, n.Name, platformOrDefault(n.Platform), nullFloat(n.TargetPrice), nullString(n.ImageURL), nullString(n.Description),
		nullInt(n.UserID), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Item{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, err
	}
	return s.Item(ctx, id)
}

func (s *sqliteStore) UpdateItem(ctx context.Context, it Item) error {
	active := 0
	if it.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET name=?, platform=?, target_price=?, image_url=?, description=?, user_id=?, active=?, updated_at=?
		 WHERE id=?`,
		it.Name, platformOrDefault(it.Platform), nullFloat(it.TargetPrice), nullString(it.ImageURL), nullString(it.Description),
		nullInt(it.UserID), active, time.Now().UnixMilli(), it.ID,
	)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) DeactivateItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE items SET active=0, updated_at=? WHERE id=?`, time.Now().UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) AppendObservation(ctx context.Context, itemID int64, price float64, at time.Time) (Observation, error) {
	return s.RecordPrice(ctx, PriceRecord{ItemID: itemID, Price: price, At: at})
}

func (s *sqliteStore) RecordPrice(ctx context.Context, rec PriceRecord) (Observation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Observation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(captured_at) FROM observations WHERE item_id = ?`, rec.ItemID).Scan(&last); err != nil {
		return Observation{}, err
	}
	var lastAt time.Time
	if last.Valid {
		lastAt = time.UnixMilli(last.Int64)
	}
	at := clampCapture(rec.At, lastAt)

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET current_price=?, updated_at=?,
		        image_url=COALESCE(?, image_url), description=COALESCE(?, description)
		 WHERE id=?`,
		rec.Price, at.UnixMilli(), nullString(rec.ImageURL), nullString(rec.Description), rec.ItemID,
	)
	if err := affectedOrNotFound(res, err); err != nil {
		return Observation{}, err
	}

	res, err = tx.ExecContext(ctx, `INSERT INTO observations(item_id, price, captured_at) VALUES(?,?,?)`, rec.ItemID, rec.Price, at.UnixMilli())
	if err != nil {
		return Observation{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Observation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Observation{}, err
	}
	return Observation{ID: id, ItemID: rec.ItemID, Price: rec.Price, CapturedAt: time.UnixMilli(at.UnixMilli())}, nil
}

func (s *sqliteStore) Observations(ctx context.Context, itemID int64, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, price, captured_at FROM observations WHERE item_id = ? ORDER BY captured_at DESC, id DESC LIMIT ?`,
		itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			o  Observation
			ms int64
		)
		if err := rows.Scan(&o.ID, &o.ItemID, &o.Price, &ms); err != nil {
			return nil, err
		}
		o.CapturedAt = time.UnixMilli(ms)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM observations WHERE captured_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) CreateUser(ctx context.Context, email string, chatID int64) (int64, error) {
	email = strings.TrimSpace(email)
	var chat any
	if chatID != 0 {
		chat = chatID
	}
	var (
		id  int64
		err error
	)
	switch {
	case email != "":
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO users(email, telegram_chat_id, created_at) VALUES(?,?,?)
			 ON CONFLICT(email) DO UPDATE SET telegram_chat_id=COALESCE(excluded.telegram_chat_id, users.telegram_chat_id)
			 RETURNING id`,
			email, chat, time.Now().UnixMilli(),
		).Scan(&id)
	case chatID != 0:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO users(email, telegram_chat_id, created_at) VALUES(NULL,?,?)
			 ON CONFLICT(telegram_chat_id) WHERE email IS NULL DO UPDATE SET telegram_chat_id=excluded.telegram_chat_id
			 RETURNING id`,
			chatID, time.Now().UnixMilli(),
		).Scan(&id)
	default:
		err = ErrNoContact
	}
	return id, err
}

func (s *sqliteStore) Recipient(ctx context.Context, itemID int64) (Recipient, error) {
	var (
		found  int64
		userID sql.NullInt64
		email  sql.NullString
		chatID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT i.id, u.id, u.email, u.telegram_chat_id FROM items i LEFT JOIN users u ON u.id = i.user_id WHERE i.id = ?`,
		itemID,
	).Scan(&found, &userID, &email, &chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, err
	}
	if !userID.Valid {
		return Recipient{}, ErrNoRecipient
	}
	return recipientOf(email.String, chatID.Int64)
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
