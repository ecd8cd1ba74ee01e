package voice

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisSessionStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client)
}

func TestRedisSessionRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	session, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load fresh: %v", err)
	}
	if session.ID != "sess-1" || session.PendingIntent != "" {
		t.Fatalf("expected a fresh session, got %+v", session)
	}

	session.Merge("book", map[string]string{"patient_name": "John Doe"})
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PendingIntent != "book" {
		t.Errorf("pending intent = %q, want book", loaded.PendingIntent)
	}
	if loaded.PendingEntities["patient_name"] != "John Doe" {
		t.Errorf("entities = %v, want patient_name preserved", loaded.PendingEntities)
	}
}

func TestRedisSessionReset(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	session := NewSession("sess-1")
	session.Merge("book", map[string]string{"patient_name": "John Doe"})
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Reset(ctx, "sess-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if len(loaded.PendingEntities) != 0 || loaded.PendingIntent != "" {
		t.Errorf("expected a fresh session after reset, got %+v", loaded)
	}
}

func TestRedisSessionExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStore(client)
	ctx := context.Background()

	session := NewSession("sess-1")
	session.Merge("book", map[string]string{"patient_name": "John Doe"})
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	mr.FastForward(sessionTTL + 1)

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load after expiry: %v", err)
	}
	if loaded.PendingIntent != "" {
		t.Errorf("expected the stale conversation to be gone, got %+v", loaded)
	}
}

func TestInMemorySessionStore(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()

	session := NewSession("sess-1")
	session.Merge("cancel", map[string]string{"appointment_id": "appt-1"})
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PendingEntities["appointment_id"] != "appt-1" {
		t.Errorf("entities = %v", loaded.PendingEntities)
	}

	// The store hands out copies, not its own state.
	loaded.Merge("cancel", map[string]string{"appointment_id": "other"})
	again, _ := store.Load(ctx, "sess-1")
	if again.PendingEntities["appointment_id"] != "appt-1" {
		t.Error("mutating a loaded session leaked into the store")
	}

	if err := store.Reset(ctx, "sess-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	fresh, _ := store.Load(ctx, "sess-1")
	if fresh.PendingIntent != "" {
		t.Errorf("expected a fresh session after reset, got %+v", fresh)
	}
}
