package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBreakerStore keeps breaker state in Redis hashes so failure counts
// survive restarts. Keys expire after ttl of inactivity.
type RedisBreakerStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisBreakerStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisBreakerStore {
	if prefix == "" {
		prefix = "pricewatch:breaker"
	}
	return &RedisBreakerStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisBreakerStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisBreakerStore) Load(ctx context.Context, key string) (BreakerState, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return BreakerState{}, nil
		}
		return BreakerState{}, err
	}
	var st BreakerState
	if v, ok := m["fails"]; ok {
		st.Fails, _ = strconv.Atoi(v)
	}
	st.OpenUntil = unixMilli(m["open_until"])
	st.LastFailure = unixMilli(m["last_failure"])
	return st, nil
}

func (s *RedisBreakerStore) Save(ctx context.Context, key string, st BreakerState) error {
	k := s.key(key)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			"fails", st.Fails,
			"open_until", millis(st.OpenUntil),
			"last_failure", millis(st.LastFailure),
		)
		if s.ttl > 0 {
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisBreakerStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMilli(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
