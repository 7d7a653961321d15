// Package dedup detects repeated listings. Exact repeats are caught by the
// fingerprint index; near-duplicates from different sources are grouped into
// clusters by text similarity.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/david/oppforge/internal/ingest"
)

const (
	urlKeyPrefix   = "url:"
	titleKeyPrefix = "title:"
)

// Fingerprint holds the exact-match keys of a listing. Two listings are the same
// fingerprint when they share at least one key.
type Fingerprint struct {
	URLKey   string `json:"url_key"`
	TitleKey string `json:"title_key"`
}

// ComputeFingerprint derives the keys from a normalized listing. A title that
// folds to nothing, such as one made only of emoji, gets no title key.
func ComputeFingerprint(l ingest.RawListing) Fingerprint {
	fp := Fingerprint{URLKey: urlKeyPrefix + hashHex(l.URL)}
	if folded := ingest.FoldTitle(l.Title); folded != "" {
		fp.TitleKey = titleKeyPrefix + hashHex(l.SourceName+"\x00"+folded)
	}
	return fp
}

// Keys returns the non-empty keys in sorted order so multi-key writes lock rows
// consistently.
func (f Fingerprint) Keys() []string {
	keys := make([]string, 0, 2)
	for _, k := range []string{f.URLKey, f.TitleKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Lookup is the result of an insert-if-absent. ListingID is the temporary id
// assigned on New; on Duplicate, ExistingID names the listing that owns the key.
type Lookup struct {
	Duplicate         bool
	ExistingID        string
	ExistingClusterID string
	Fingerprint       Fingerprint
	ListingID         string
}

// Index is the exact-duplicate gate in front of clustering. LookupOrInsert must be
// atomic under concurrent producers.
type Index interface {
	LookupOrInsert(ctx context.Context, l ingest.RawListing) (Lookup, error)
	Bind(ctx context.Context, fp Fingerprint, clusterID string) error
	Release(ctx context.Context, fp Fingerprint) error
	Evict(ctx context.Context, cutoff time.Time, closedClusterIDs []string) (int, error)
}
