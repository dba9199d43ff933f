package database

import (
	"context"
	"testing"
	"time"
)

func TestSessionStoreFallbackRoundTrip(t *testing.T) {
	store := NewSessionStore(nil, time.Minute)
	ctx := context.Background()

	session := ConnectSession{
		UserID:     42,
		ExchangeID: "bybit",
		Step:       "awaiting_keys",
		StartedAt:  time.Now(),
	}
	if err := store.Put(ctx, session); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.ExchangeID != "bybit" || got.Step != "awaiting_keys" {
		t.Errorf("session: got %+v", got)
	}

	if err := store.Delete(ctx, 42); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = store.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("session should be gone after delete")
	}
}

func TestSessionStoreFallbackTTL(t *testing.T) {
	store := NewSessionStore(nil, 10*time.Millisecond)
	ctx := context.Background()

	if err := store.Put(ctx, ConnectSession{UserID: 1, ExchangeID: "okx"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expired session should not be returned")
	}
}

func TestSessionStoreMissingUser(t *testing.T) {
	store := NewSessionStore(nil, time.Minute)
	got, err := store.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown user")
	}
}
