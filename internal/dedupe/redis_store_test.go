package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestClaimOnce(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	first, err := store.Claim(ctx, "delivery-1", "docusign", time.Hour)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !first {
		t.Fatal("first claim should win")
	}

	second, err := store.Claim(ctx, "delivery-1", "docusign", time.Hour)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if second {
		t.Error("second claim of the same delivery should lose")
	}

	delivery, ok, err := store.Lookup(ctx, "delivery-1")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if delivery.Source != "docusign" {
		t.Errorf("expected source docusign, got %s", delivery.Source)
	}
}

func TestClaimExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "delivery-2", "docusign", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, ok, _ := store.Lookup(ctx, "delivery-2"); ok {
		t.Error("expected claim to expire")
	}
	claimed, err := store.Claim(ctx, "delivery-2", "docusign", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Error("expired delivery should be claimable again")
	}
}

func TestClaimDefaultTTL(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	if _, err := store.Claim(context.Background(), "delivery-3", "docusign", 0); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if ttl := s.TTL(store.key("delivery-3")); ttl != defaultTTL {
		t.Errorf("expected ttl %v, got %v", defaultTTL, ttl)
	}
}

func TestRelease(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "delivery-4", "docusign", time.Hour); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := store.Release(ctx, "delivery-4"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	claimed, err := store.Claim(ctx, "delivery-4", "docusign", time.Hour)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Error("released delivery should be claimable again")
	}

	if err := store.Release(ctx, "never-claimed"); err != nil {
		t.Errorf("Release of unknown delivery failed: %v", err)
	}
}
