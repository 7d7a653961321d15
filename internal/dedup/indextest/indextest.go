// Package indextest holds the behaviour every dedup.Index implementation must
// share, so the in-memory and Postgres indexes run the same table.
package indextest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/ingest"
)

// Factory returns an empty index, or one whose existing keys cannot collide with
// the uniquely named listings used here.
type Factory func(t *testing.T) dedup.Index

type namer struct{ id string }

func newNamer() namer { return namer{id: uuid.NewString()[:8]} }

func (n namer) listing(source, path, title string) ingest.RawListing {
	return ingest.RawListing{
		SourceName: source + "-" + n.id,
		URL:        "https://x.org/" + n.id + "/" + path,
		Title:      title,
	}
}

// Run exercises f against the Index contract.
func Run(t *testing.T, f Factory) {
	t.Run("LookupOrInsert", func(t *testing.T) { lookupOrInsert(t, f) })
	t.Run("BindAndRelease", func(t *testing.T) { bindAndRelease(t, f) })
	t.Run("UntitledListingsStayDistinct", func(t *testing.T) { untitled(t, f) })
	t.Run("ConcurrentInsertIsAtomic", func(t *testing.T) { concurrent(t, f) })
}

func lookupOrInsert(t *testing.T, f Factory) {
	tests := []struct {
		name          string
		first, second func(namer) ingest.RawListing
		duplicate     bool
	}{
		{
			name:      "Same listing twice",
			first:     func(n namer) ingest.RawListing { return n.listing("gitcoin", "grant", "Grant A") },
			second:    func(n namer) ingest.RawListing { return n.listing("gitcoin", "grant", "Grant A") },
			duplicate: true,
		},
		{
			name:      "Same URL different source and title",
			first:     func(n namer) ingest.RawListing { return n.listing("gitcoin", "grant", "Grant A") },
			second:    func(n namer) ingest.RawListing { return n.listing("devpost", "grant", "Totally different") },
			duplicate: true,
		},
		{
			name:      "Same source and folded title different URL",
			first:     func(n namer) ingest.RawListing { return n.listing("gitcoin", "a", "Grant A") },
			second:    func(n namer) ingest.RawListing { return n.listing("gitcoin", "b", "grant-a") },
			duplicate: true,
		},
		{
			name:      "Same title different source and URL",
			first:     func(n namer) ingest.RawListing { return n.listing("gitcoin", "a", "Grant A") },
			second:    func(n namer) ingest.RawListing { return n.listing("devpost", "b", "Grant A") },
			duplicate: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			idx := f(t)
			n := newNamer()

			first, err := idx.LookupOrInsert(ctx, tt.first(n))
			if err != nil {
				t.Fatal(err)
			}
			if first.Duplicate || first.ListingID == "" {
				t.Fatalf("first lookup should be New with an id, got %+v", first)
			}

			second, err := idx.LookupOrInsert(ctx, tt.second(n))
			if err != nil {
				t.Fatal(err)
			}
			if second.Duplicate != tt.duplicate {
				t.Errorf("duplicate = %v, want %v", second.Duplicate, tt.duplicate)
			}
			if tt.duplicate && second.ExistingID != first.ListingID {
				t.Errorf("existing id = %s, want %s", second.ExistingID, first.ListingID)
			}
		})
	}
}

func bindAndRelease(t *testing.T, f Factory) {
	ctx := context.Background()
	idx := f(t)
	l := newNamer().listing("gitcoin", "grant", "Grant A")

	res, err := idx.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Release(ctx, res.Fingerprint); err != nil {
		t.Fatal(err)
	}
	again, err := idx.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if again.Duplicate {
		t.Fatalf("released listing should be New again")
	}

	clusterID := uuid.NewString()
	if err := idx.Bind(ctx, again.Fingerprint, clusterID); err != nil {
		t.Fatal(err)
	}
	if err := idx.Release(ctx, again.Fingerprint); err != nil {
		t.Fatal(err)
	}
	third, err := idx.LookupOrInsert(ctx, l)
	if err != nil {
		t.Fatal(err)
	}
	if !third.Duplicate || third.ExistingClusterID != clusterID {
		t.Errorf("bound keys must survive Release, got %+v", third)
	}
}

func untitled(t *testing.T, f Factory) {
	ctx := context.Background()
	idx := f(t)
	n := newNamer()

	for _, l := range []ingest.RawListing{
		n.listing("gitcoin", "a", "🚀🚀"),
		n.listing("gitcoin", "b", "!!!"),
	} {
		res, err := idx.LookupOrInsert(ctx, l)
		if err != nil {
			t.Fatal(err)
		}
		if res.Duplicate {
			t.Errorf("%q at %s matched an unrelated untitled listing", l.Title, l.URL)
		}
	}
}

func concurrent(t *testing.T, f Factory) {
	idx := f(t)
	l := newNamer().listing("gitcoin", "grant", "Race")

	var news int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := idx.LookupOrInsert(context.Background(), l)
			if err != nil {
				t.Error(err)
				return
			}
			if !res.Duplicate {
				atomic.AddInt32(&news, 1)
			}
		}()
	}
	wg.Wait()

	if news != 1 {
		t.Errorf("expected exactly one New, got %d", news)
	}
}
