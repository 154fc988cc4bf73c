package cachegw

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteGateway is a persistent Gateway backed by modernc.org/sqlite.
type SQLiteGateway struct {
	db *sql.DB

	nowFunc func() time.Time
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS feed_cache (
	id         TEXT PRIMARY KEY,
	cache_key  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	stored_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feed_cache_key ON feed_cache(cache_key);
CREATE INDEX IF NOT EXISTS idx_feed_cache_expires_at ON feed_cache(expires_at);
`

// NewSQLite opens (or creates) a sqlite-backed gateway at dsn and applies
// the schema. WAL mode keeps concurrent readers cheap.
func NewSQLite(dsn string) (*SQLiteGateway, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cachegw: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cachegw: sqlite exec %s", pragma)
		}
	}
	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "cachegw: sqlite migrate")
	}
	return &SQLiteGateway{db: db, nowFunc: time.Now}, nil
}

// Get returns the newest unexpired entry for key, or (nil, nil) on miss.
func (s *SQLiteGateway) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, stored_at FROM feed_cache
		 WHERE cache_key = ? AND expires_at > ?
		 ORDER BY stored_at DESC LIMIT 1`,
		key, s.nowFunc().UTC(),
	)

	var payloadJSON string
	var storedAt time.Time
	err := row.Scan(&payloadJSON, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cachegw: sqlite get")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, eris.Wrap(err, "cachegw: sqlite unmarshal payload")
	}
	return &Entry{Payload: payload, StoredAt: storedAt}, nil
}

// Set stores the payload under key with the given TTL.
func (s *SQLiteGateway) Set(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "cachegw: sqlite marshal payload")
	}

	now := s.nowFunc().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feed_cache (id, cache_key, payload, stored_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), key, string(payloadJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "cachegw: sqlite set")
}

// Delete removes all entries for key.
func (s *SQLiteGateway) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_cache WHERE cache_key = ?`, key)
	return eris.Wrap(err, "cachegw: sqlite delete")
}

// PurgeExpired removes entries past their TTL and returns how many were dropped.
func (s *SQLiteGateway) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM feed_cache WHERE expires_at <= ?`, s.nowFunc().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "cachegw: sqlite purge")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "cachegw: sqlite rows affected")
}

// Close closes the underlying database.
func (s *SQLiteGateway) Close() error {
	return s.db.Close()
}
