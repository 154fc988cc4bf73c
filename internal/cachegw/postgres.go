package cachegw

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool abstracts the pgx pool operations the gateway needs, so tests can
// substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresGateway is a shared Gateway backed by a pgx connection pool, for
// deployments where multiple engine processes share one cache.
type PostgresGateway struct {
	pool Pool

	nowFunc func() time.Time
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS feed_cache (
	id         UUID PRIMARY KEY,
	cache_key  TEXT NOT NULL,
	payload    JSONB NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feed_cache_key ON feed_cache(cache_key);
CREATE INDEX IF NOT EXISTS idx_feed_cache_expires_at ON feed_cache(expires_at);
`

// NewPostgres connects a postgres-backed gateway and applies the schema.
func NewPostgres(ctx context.Context, connString string) (*PostgresGateway, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "cachegw: postgres parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "cachegw: postgres create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "cachegw: postgres ping")
	}

	g := &PostgresGateway{pool: pool, nowFunc: time.Now}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "cachegw: postgres migrate")
	}
	return g, nil
}

// NewPostgresWithPool wraps an existing pool (or mock) without migrating.
func NewPostgresWithPool(pool Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool, nowFunc: time.Now}
}

// Get returns the newest unexpired entry for key, or (nil, nil) on miss.
func (p *PostgresGateway) Get(ctx context.Context, key string) (*Entry, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT payload, stored_at FROM feed_cache
		 WHERE cache_key = $1 AND expires_at > now()
		 ORDER BY stored_at DESC LIMIT 1`,
		key,
	)

	var payloadJSON []byte
	var storedAt time.Time
	err := row.Scan(&payloadJSON, &storedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cachegw: postgres get")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, eris.Wrap(err, "cachegw: postgres unmarshal payload")
	}
	return &Entry{Payload: payload, StoredAt: storedAt}, nil
}

// Set stores the payload under key with the given TTL.
func (p *PostgresGateway) Set(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "cachegw: postgres marshal payload")
	}

	now := p.nowFunc().UTC()
	_, err = p.pool.Exec(ctx,
		`INSERT INTO feed_cache (id, cache_key, payload, stored_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), key, payloadJSON, now, now.Add(ttl),
	)
	return eris.Wrap(err, "cachegw: postgres set")
}

// Delete removes all entries for key.
func (p *PostgresGateway) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM feed_cache WHERE cache_key = $1`, key)
	return eris.Wrap(err, "cachegw: postgres delete")
}

// Close releases the pool.
func (p *PostgresGateway) Close() error {
	p.pool.Close()
	return nil
}
