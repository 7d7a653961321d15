package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

func listing(source, url, title, description string) ingest.RawListing {
	return ingest.RawListing{
		SourceName:  source,
		URL:         url,
		Title:       title,
		Description: description,
		ScrapedAt:   globaltime.UTC(),
	}
}

func TestComputeFingerprint(t *testing.T) {
	a := ComputeFingerprint(listing("gitcoin", "https://x.org/grant", "Stylus Grant!", ""))
	b := ComputeFingerprint(listing("gitcoin", "https://x.org/grant", "stylus  grant", ""))
	if a != b {
		t.Errorf("expected equal fingerprints, got %+v and %+v", a, b)
	}

	c := ComputeFingerprint(listing("devpost", "https://x.org/grant", "Stylus Grant", ""))
	if c.URLKey != a.URLKey {
		t.Errorf("url key should not depend on source")
	}
	if c.TitleKey == a.TitleKey {
		t.Errorf("title key must include the source")
	}

	keys := a.Keys()
	if len(keys) != 2 || keys[0] > keys[1] {
		t.Errorf("expected two sorted keys, got %v", keys)
	}
}

func TestComputeFingerprint_UntitledHasNoTitleKey(t *testing.T) {
	for _, title := range []string{"🚀🚀🚀", "!!!", "   "} {
		fp := ComputeFingerprint(listing("gitcoin", "https://x.org/"+title, title, ""))
		if fp.TitleKey != "" {
			t.Errorf("title %q: TitleKey = %q, want empty", title, fp.TitleKey)
		}
		if keys := fp.Keys(); len(keys) != 1 || keys[0] != fp.URLKey {
			t.Errorf("title %q: Keys() = %v, want only the url key", title, keys)
		}
	}
}

func TestMemoryIndex_Evict(t *testing.T) {
	globaltime.SetMockTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	defer globaltime.ResetTime()

	ctx := context.Background()
	idx := NewMemoryIndex()

	open, _ := idx.LookupOrInsert(ctx, listing("a", "https://x.org/open", "Open", ""))
	_ = idx.Bind(ctx, open.Fingerprint, "open-cluster")
	closed, _ := idx.LookupOrInsert(ctx, listing("a", "https://x.org/closed", "Closed", ""))
	_ = idx.Bind(ctx, closed.Fingerprint, "closed-cluster")

	globaltime.Advance(100 * 24 * time.Hour)
	recent, _ := idx.LookupOrInsert(ctx, listing("a", "https://x.org/recent", "Recent", ""))
	_ = idx.Bind(ctx, recent.Fingerprint, "closed-cluster")

	cutoff := globaltime.UTC().Add(-90 * 24 * time.Hour)
	n, err := idx.Evict(ctx, cutoff, []string{"closed-cluster"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 keys evicted, got %d", n)
	}
	if idx.Len() != 4 {
		t.Errorf("expected open-cluster and recent keys kept, got %d keys", idx.Len())
	}

	res, _ := idx.LookupOrInsert(ctx, listing("a", "https://x.org/open", "Open", ""))
	if !res.Duplicate {
		t.Errorf("keys of open clusters must never be evicted")
	}
}
