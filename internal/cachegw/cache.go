// Package cachegw provides the read-through/write-through cache gateway the
// engine consults before any network attempt, with in-memory, sqlite, and
// postgres backends.
package cachegw

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/quotefall/internal/model"
)

// Entry is a cached payload plus its write timestamp. Freshness policy is
// the engine's concern; the gateway only enforces the storage TTL.
type Entry struct {
	Payload  map[string]any `json:"payload"`
	StoredAt time.Time      `json:"stored_at"`
}

// Age returns how old the entry is relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Gateway is the key/value store contract. Get returns (nil, nil) on miss.
type Gateway interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, payload map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key composes the opaque cache key for a capability and symbol:
// "capability:SYMBOL[:extra...]". Symbols are normalized to upper case.
func Key(capability model.Capability, symbol string, extra ...string) string {
	parts := make([]string, 0, 2+len(extra))
	parts = append(parts, string(capability), strings.ToUpper(strings.TrimSpace(symbol)))
	parts = append(parts, extra...)
	return strings.Join(parts, ":")
}
