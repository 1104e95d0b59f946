package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "pricewatch/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	pcfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres ready", logx.Int("max_conns", int(maxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const pgItemCols = `id, url, name, platform, target_price, current_price, image_url, description, user_id, active, created_at, updated_at`

func scanPgItem(r pgx.Row) (Item, error) {
	var it Item
	err := r.Scan(&it.ID, &it.URL, &it.Name, &it.Platform, &it.TargetPrice, &it.CurrentPrice,
		&it.ImageURL, &it.Description, &it.UserID, &it.Active, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (s *postgresStore) ActiveItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgItemCols+` FROM items WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) Item(ctx context.Context, id int64) (Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx, `SELECT `+pgItemCols+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *postgresStore) ActiveItemByURL(ctx context.Context, url string) (Item, error) {
	it, err := scanPgItem(s.pool.QueryRow(ctx,
		`SELECT `+pgItemCols+` FROM items WHERE url = $1 AND active ORDER BY id LIMIT 1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *postgresStore) CreateItem(ctx context.Context, n NewItem) (Item, error) {
	now := time.Now()
	it, err := scanPgItem(s.pool.QueryRow(ctx,
		`INSERT INTO items(url, name, platform, target_price, image_url, description, user_id, active, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,TRUE,$8,$8)
		 RETURNING `+pgItemCols,
		n.URL, n.Name, platformOrDefault(n.Platform), n.TargetPrice, n.ImageURL, n.Description, n.UserID, now,
	))
	return it, err
}

func (s *postgresStore) UpdateItem(ctx context.Context, it Item) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET name=$1, platform=$2, target_price=$3, image_url=$4, description=$5, user_id=$6, active=$7, updated_at=$8
		 WHERE id=$9`,
		it.Name, platformOrDefault(it.Platform), it.TargetPrice, it.ImageURL, it.Description, it.UserID, it.Active, time.Now(), it.ID,
	)
	return tagOrNotFound(tag, err)
}

func (s *postgresStore) DeactivateItem(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE items SET active=FALSE, updated_at=$1 WHERE id=$2`, time.Now(), id)
	return tagOrNotFound(tag, err)
}

func (s *postgresStore) AppendObservation(ctx context.Context, itemID int64, price float64, at time.Time) (Observation, error) {
	return s.RecordPrice(ctx, PriceRecord{ItemID: itemID, Price: price, At: at})
}

func (s *postgresStore) RecordPrice(ctx context.Context, rec PriceRecord) (Observation, error) {
	var obs Observation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Row lock keeps the clamp and the insert consistent under concurrent writers.
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM items WHERE id=$1 FOR UPDATE`, rec.ItemID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		var last *time.Time
		if err := tx.QueryRow(ctx, `SELECT MAX(captured_at) FROM observations WHERE item_id=$1`, rec.ItemID).Scan(&last); err != nil {
			return err
		}
		var lastAt time.Time
		if last != nil {
			lastAt = *last
		}
		at := clampCapture(rec.At, lastAt)

		if _, err := tx.Exec(ctx,
			`UPDATE items SET current_price=$1, updated_at=$2,
			        image_url=COALESCE($3, image_url), description=COALESCE($4, description)
			 WHERE id=$5`,
			rec.Price, at, rec.ImageURL, rec.Description, rec.ItemID,
		); err != nil {
			return err
		}
		obs = Observation{ItemID: rec.ItemID, Price: rec.Price, CapturedAt: at}
		return tx.QueryRow(ctx,
			`INSERT INTO observations(item_id, price, captured_at) VALUES($1,$2,$3) RETURNING id`,
			rec.ItemID, rec.Price, at,
		).Scan(&obs.ID)
	})
	if err != nil {
		return Observation{}, err
	}
	return obs, nil
}

func (s *postgresStore) Observations(ctx context.Context, itemID int64, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_id, price, captured_at FROM observations WHERE item_id=$1 ORDER BY captured_at DESC, id DESC LIMIT $2`,
		itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.ItemID, &o.Price, &o.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM observations WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) CreateUser(ctx context.Context, email string, chatID int64) (int64, error) {
	email = strings.TrimSpace(email)
	var chat *int64
	if chatID != 0 {
		chat = &chatID
	}
	var (
		id  int64
		err error
	)
	switch {
	case email != "":
		err = s.pool.QueryRow(ctx,
			`INSERT INTO users(email, telegram_chat_id) VALUES($1,$2)
			 ON CONFLICT(email) DO UPDATE SET telegram_chat_id=COALESCE(EXCLUDED.telegram_chat_id, users.telegram_chat_id)
			 RETURNING id`,
			email, chat,
		).Scan(&id)
	case chatID != 0:
		err = s.pool.QueryRow(ctx,
			`INSERT INTO users(email, telegram_chat_id) VALUES(NULL,$1)
			 ON CONFLICT(telegram_chat_id) WHERE email IS NULL DO UPDATE SET telegram_chat_id=EXCLUDED.telegram_chat_id
			 RETURNING id`,
			chatID,
		).Scan(&id)
	default:
		err = ErrNoContact
	}
	return id, err
}

func (s *postgresStore) Recipient(ctx context.Context, itemID int64) (Recipient, error) {
	var (
		found  int64
		userID *int64
		email  *string
		chatID *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT i.id, u.id, u.email, u.telegram_chat_id FROM items i LEFT JOIN users u ON u.id = i.user_id WHERE i.id=$1`,
		itemID,
	).Scan(&found, &userID, &email, &chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, err
	}
	if userID == nil {
		return Recipient{}, ErrNoRecipient
	}
	var (
		addr string
		chat int64
	)
	if email != nil {
		addr = *email
	}
	if chatID != nil {
		chat = *chatID
	}
	return recipientOf(addr, chat)
}

func tagOrNotFound(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
