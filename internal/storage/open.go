// Package storage persists tracked items, their price observations and the
// users that receive alerts. Backends: SQLite (modernc), PostgreSQL (pgx)
// and an in-memory store for tests and throwaway runs.
package storage

import (
	"context"
	"errors"
	"strings"

	logx "pricewatch/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
