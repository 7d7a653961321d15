package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/ingest"
)

func newTestCache(t *testing.T) (*FingerprintCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewFingerprintCache(dedup.NewMemoryIndex(), client, time.Minute, zerolog.Nop()), mr
}

func testListing() ingest.RawListing {
	return ingest.RawListing{
		SourceName: "gitcoin",
		URL:        "https://x.org/grant",
		Title:      "Grant A",
		ScrapedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFingerprintCache_ServesBoundKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	l := testListing()

	first, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate {
		t.Fatalf("first lookup should be New")
	}
	if err := c.Bind(ctx, first.Fingerprint, "cluster-1"); err != nil {
		t.Fatal(err)
	}

	// Served straight from Redis; the wrapped index is not consulted.
	c.next = dedup.NewMemoryIndex()
	second, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.ExistingClusterID != "cluster-1" || second.ExistingID != first.ListingID {
		t.Errorf("expected cached duplicate, got %+v", second)
	}
}

func TestFingerprintCache_ReleasedKeysAreNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	l := testListing()

	first, _ := c.LookupOrInsert(ctx, l)
	if err := c.Release(ctx, first.Fingerprint); err != nil {
		t.Fatal(err)
	}
	again, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if again.Duplicate {
		t.Errorf("released listing must be New again")
	}
}

func TestFingerprintCache_EntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	l := testListing()

	first, _ := c.LookupOrInsert(ctx, l)
	if err := c.Bind(ctx, first.Fingerprint, "cluster-1"); err != nil {
		t.Fatal(err)
	}
	if got := mr.TTL(c.key(first.Fingerprint.URLKey)); got != time.Minute {
		t.Fatalf("TTL = %v, want %v", got, time.Minute)
	}

	mr.FastForward(2 * time.Minute)
	c.next = dedup.NewMemoryIndex()
	again, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if again.Duplicate {
		t.Errorf("expired entry must not be served, got %+v", again)
	}
}

func TestFingerprintCache_RedisFailureFallsThrough(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	l := testListing()

	mr.SetError("ERR server unavailable")
	first, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatalf("lookup must not fail with redis down: %v", err)
	}
	if err := c.Bind(ctx, first.Fingerprint, "cluster-1"); err != nil {
		t.Fatalf("bind must not fail with redis down: %v", err)
	}
	second, err := c.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.ExistingClusterID != "cluster-1" {
		t.Errorf("wrapped index should answer, got %+v", second)
	}
}

func TestFingerprintCache_UntitledListingUsesURLKeyOnly(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	l := testListing()
	l.Title = "🚀🚀"

	first, _ := c.LookupOrInsert(ctx, l)
	if err := c.Bind(ctx, first.Fingerprint, "cluster-1"); err != nil {
		t.Fatal(err)
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != c.key(first.Fingerprint.URLKey) {
		t.Errorf("redis keys = %v, want only the url key", keys)
	}
}
