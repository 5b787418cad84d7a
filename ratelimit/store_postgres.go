package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConfig struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
}

// PostgresStore keeps one row per recorded request. Each RecordAndCount runs
// in a transaction holding an advisory lock on the key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(config.ConnString) == "" {
		return nil, invalid("postgres.dsn", "must not be empty")
	}
	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.MinConns == 0 {
		config.MinConns = 2
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ratelimit_events (
			key        TEXT NOT NULL,
			member     TEXT NOT NULL,
			score_ms   BIGINT NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (key, member)
		);
		CREATE INDEX IF NOT EXISTS ratelimit_events_key_score_idx ON ratelimit_events (key, score_ms);
		CREATE INDEX IF NOT EXISTS ratelimit_events_expires_idx ON ratelimit_events (expires_at);
	`)
	return err
}

func (s *PostgresStore) RecordAndCount(ctx context.Context, r Request) (Usage, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Usage{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.Key); err != nil {
		return Usage{}, fmt.Errorf("lock %s: %w", r.Key, err)
	}

	nowMs := r.Now.UnixMilli()
	if _, err := tx.Exec(ctx,
		`DELETE FROM ratelimit_events WHERE key = $1 AND (score_ms < $2 OR expires_at <= $3)`,
		r.Key, nowMs-r.Window.Milliseconds(), r.Now,
	); err != nil {
		return Usage{}, fmt.Errorf("purge %s: %w", r.Key, err)
	}

	var count, oldest int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MIN(score_ms), 0) FROM ratelimit_events WHERE key = $1`,
		r.Key,
	).Scan(&count, &oldest); err != nil {
		return Usage{}, fmt.Errorf("count %s: %w", r.Key, err)
	}

	u := Usage{Count: int(count)}
	if u.Count+r.Cost <= r.Limit {
		expiresAt := r.Now.Add(r.TTL)
		batch := &pgx.Batch{}
		for _, m := range r.Members {
			batch.Queue(`INSERT INTO ratelimit_events (key, member, score_ms, expires_at) VALUES ($1, $2, $3, $4)`,
				r.Key, m, nowMs, expiresAt)
		}
		batch.Queue(`UPDATE ratelimit_events SET expires_at = $2 WHERE key = $1`, r.Key, expiresAt)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Usage{}, fmt.Errorf("record %s: %w", r.Key, err)
		}
		if oldest == 0 {
			oldest = nowMs
		}
		u.Count += r.Cost
		u.Allowed = true
	}
	u.Oldest = fromMillis(oldest)

	if err := tx.Commit(ctx); err != nil {
		return Usage{}, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	var count, oldest int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MIN(score_ms), 0)
		FROM ratelimit_events
		WHERE key = $1 AND score_ms >= $2 AND expires_at > $3
	`, key, now.UnixMilli()-window.Milliseconds(), now).Scan(&count, &oldest)
	if err != nil {
		return Usage{}, fmt.Errorf("count %s: %w", key, err)
	}
	return Usage{Count: int(count), Oldest: fromMillis(oldest)}, nil
}

func (s *PostgresStore) Reset(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ratelimit_events WHERE key = $1`, key)
	return err
}

// Sweep deletes rows whose TTL has passed.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ratelimit_events WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
