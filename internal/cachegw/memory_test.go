package cachegw

import (
	"context"
	"testing"
	"time"
)

func TestMemory_RoundTrip(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	entry, err := m.Get(ctx, "price:AAPL")
	if err != nil || entry != nil {
		t.Fatalf("expected clean miss, got entry=%v err=%v", entry, err)
	}

	payload := map[string]any{"price": 187.3, "currency": "USD"}
	if err := m.Set(ctx, "price:AAPL", payload, time.Minute); err != nil {
		t.Fatal(err)
	}

	entry, err = m.Get(ctx, "price:AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("expected a hit")
	}
	if entry.Payload["price"] != 187.3 {
		t.Errorf("unexpected payload: %v", entry.Payload)
	}
	if entry.StoredAt.IsZero() {
		t.Error("stored_at should be set")
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	if err := m.Set(ctx, "price:AAPL", map[string]any{"price": 1.0}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "price:AAPL"); err != nil {
		t.Fatal(err)
	}
	entry, err := m.Get(ctx, "price:AAPL")
	if err != nil || entry != nil {
		t.Errorf("expected miss after delete, got entry=%v err=%v", entry, err)
	}

	// Deleting a missing key is fine.
	if err := m.Delete(ctx, "price:GHOST"); err != nil {
		t.Errorf("delete of missing key should not error: %v", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	if err := m.Set(ctx, "price:AAPL", map[string]any{"price": 1.0}, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	entry, err := m.Get(ctx, "price:AAPL")
	if err != nil || entry != nil {
		t.Errorf("expected miss after TTL, got entry=%v err=%v", entry, err)
	}
}

func TestMemory_EntryAge(t *testing.T) {
	now := time.Now()
	e := &Entry{StoredAt: now.Add(-42 * time.Second)}
	if age := e.Age(now); age != 42*time.Second {
		t.Errorf("expected 42s, got %v", age)
	}
}
