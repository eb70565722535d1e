package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"oidcsession/internal/clock"
	"oidcsession/session"
)

func sampleProperties() *session.Properties {
	props := session.NewProperties()
	props.SetScheme("primary")
	props.SetToken(session.AccessToken, "at-1")
	props.SetToken(session.RefreshToken, "rt-1")
	props.SetTokenExpiry(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return props
}

func newMiniredisStore(t *testing.T) (*RedisTicketStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisTicketStore(rdb, "test:"), mr
}

func exerciseTicketStore(t *testing.T, store TicketStore) string {
	t.Helper()
	ctx := context.Background()
	props := sampleProperties()

	key, err := store.Store(ctx, "", props, time.Hour)
	if err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	if key == "" {
		t.Fatalf("expected a generated key")
	}

	got, err := store.Retrieve(ctx, key)
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if diff := cmp.Diff(props.Items, got.Items); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	props.SetToken(session.AccessToken, "at-2")
	again, err := store.Store(ctx, key, props, time.Hour)
	if err != nil || again != key {
		t.Fatalf("Store with existing key returned %q, %v", again, err)
	}
	got, _ = store.Retrieve(ctx, key)
	if got.Token(session.AccessToken) != "at-2" {
		t.Fatalf("update not persisted")
	}

	if _, err := store.Retrieve(ctx, "missing"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
	return key
}

func TestMemoryTicketStoreRoundTrip(t *testing.T) {
	store := NewMemoryTicketStore(nil)
	key := exerciseTicketStore(t, store)
	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestMemoryTicketStoreExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewMemoryTicketStore(clk)
	key, err := store.Store(context.Background(), "", sampleProperties(), time.Minute)
	if err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	clk.Advance(59 * time.Second)
	if _, err := store.Retrieve(context.Background(), key); err != nil {
		t.Fatalf("ticket expired early: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := store.Retrieve(context.Background(), key); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected expired ticket, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expired ticket should be dropped")
	}
}

func TestMemoryTicketStoreSweepsAbandonedTickets(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	store := NewMemoryTicketStore(clk)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Store(ctx, "", sampleProperties(), time.Minute); err != nil {
			t.Fatalf("Store returned error: %v", err)
		}
	}
	long, err := store.Store(ctx, "", sampleProperties(), time.Hour)
	if err != nil {
		t.Fatalf("Store returned error: %v", err)
	}

	clk.Advance(30 * time.Second)
	if _, err := store.Store(ctx, "", sampleProperties(), time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	if store.Len() != 5 {
		t.Fatalf("nothing has expired yet, got %d tickets", store.Len())
	}

	clk.Advance(2 * time.Minute)
	fresh, err := store.Store(ctx, "", sampleProperties(), time.Minute)
	if err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected expired tickets to be swept, got %d", store.Len())
	}
	for _, key := range []string{long, fresh} {
		if _, err := store.Retrieve(ctx, key); err != nil {
			t.Fatalf("live ticket %s dropped: %v", key, err)
		}
	}
}

func TestMemoryTicketStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryTicketStore(nil)
	props := sampleProperties()
	key, _ := store.Store(context.Background(), "", props, time.Hour)
	props.SetToken(session.AccessToken, "mutated")

	got, err := store.Retrieve(context.Background(), key)
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if got.Token(session.AccessToken) != "at-1" {
		t.Fatalf("stored ticket aliased caller properties")
	}
}

func TestRedisTicketStoreRoundTrip(t *testing.T) {
	store, mr := newMiniredisStore(t)
	key := exerciseTicketStore(t, store)

	if !mr.Exists("test:" + key) {
		t.Fatalf("expected prefixed key in redis, have %v", mr.Keys())
	}
	if ttl := mr.TTL("test:" + key); ttl != time.Hour {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}

	if err := store.Remove(context.Background(), key); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := store.Retrieve(context.Background(), key); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound after remove, got %v", err)
	}
}

func TestRedisTicketStoreExpiry(t *testing.T) {
	store, mr := newMiniredisStore(t)
	key, err := store.Store(context.Background(), "", sampleProperties(), time.Minute)
	if err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	mr.FastForward(time.Minute + time.Second)
	if _, err := store.Retrieve(context.Background(), key); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected expired ticket, got %v", err)
	}
}

func TestRedisTicketStoreUnavailable(t *testing.T) {
	store, mr := newMiniredisStore(t)
	mr.Close()
	if _, err := store.Retrieve(context.Background(), "any"); err == nil || errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestNewTicketStoreFactory(t *testing.T) {
	store, err := NewTicketStore(TicketStoreConfig{}, nil)
	if err != nil || store != nil {
		t.Fatalf("cookie mode should not build a store: %v, %v", store, err)
	}
	store, err = NewTicketStore(TicketStoreConfig{Type: "memory"}, nil)
	if _, ok := store.(*MemoryTicketStore); !ok || err != nil {
		t.Fatalf("expected memory store, got %T, %v", store, err)
	}
	store, err = NewTicketStore(TicketStoreConfig{Type: "redis", Redis: RedisConfig{Addr: "127.0.0.1:0"}}, nil)
	rs, ok := store.(*RedisTicketStore)
	if !ok || err != nil {
		t.Fatalf("expected redis store, got %T, %v", store, err)
	}
	_ = rs.Close()
	if _, err := NewTicketStore(TicketStoreConfig{Type: "bogus"}, nil); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
