package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

type indexEntry struct {
	listingID string
	clusterID string
	createdAt time.Time
	lastSeen  time.Time
}

// MemoryIndex is an in-process Index. A single mutex makes insert-if-absent atomic.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]*indexEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]*indexEntry)}
}

func (m *MemoryIndex) LookupOrInsert(_ context.Context, l ingest.RawListing) (Lookup, error) {
	fp := ComputeFingerprint(l)
	now := globaltime.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *indexEntry
	for _, k := range fp.Keys() {
		if e, ok := m.entries[k]; ok {
			e.lastSeen = now
			if existing == nil {
				existing = e
			}
		}
	}
	if existing != nil {
		return Lookup{
			Duplicate:         true,
			ExistingID:        existing.listingID,
			ExistingClusterID: existing.clusterID,
			Fingerprint:       fp,
		}, nil
	}

	id := uuid.NewString()
	for _, k := range fp.Keys() {
		m.entries[k] = &indexEntry{listingID: id, createdAt: now, lastSeen: now}
	}
	return Lookup{Fingerprint: fp, ListingID: id}, nil
}

func (m *MemoryIndex) Bind(_ context.Context, fp Fingerprint, clusterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range fp.Keys() {
		if e, ok := m.entries[k]; ok {
			e.clusterID = clusterID
		}
	}
	return nil
}

// Release removes keys that were never bound to a cluster.
func (m *MemoryIndex) Release(_ context.Context, fp Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range fp.Keys() {
		if e, ok := m.entries[k]; ok && e.clusterID == "" {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryIndex) Evict(_ context.Context, cutoff time.Time, closedClusterIDs []string) (int, error) {
	closed := make(map[string]struct{}, len(closedClusterIDs))
	for _, id := range closedClusterIDs {
		closed[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if !e.lastSeen.Before(cutoff) {
			continue
		}
		if _, ok := closed[e.clusterID]; e.clusterID == "" || ok {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored keys.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
