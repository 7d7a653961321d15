package dedup

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryClusterStore keeps clusters in process. Returned clusters are copies.
type MemoryClusterStore struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
}

func NewMemoryClusterStore() *MemoryClusterStore {
	return &MemoryClusterStore{clusters: make(map[string]*Cluster)}
}

func (s *MemoryClusterStore) Create(_ context.Context, c *Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c.Clone()
	stored.Version = 1
	s.clusters[c.ID] = stored
	c.Version = 1
	return nil
}

func (s *MemoryClusterStore) Get(_ context.Context, id string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryClusterStore) Update(_ context.Context, c *Cluster, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.clusters[c.ID]
	if !ok {
		return ErrClusterNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStaleCluster
	}
	stored := c.Clone()
	stored.Version = expectedVersion + 1
	s.clusters[c.ID] = stored
	c.Version = stored.Version
	return nil
}

func (s *MemoryClusterStore) Window(_ context.Context, since time.Time) ([]*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Cluster
	for _, c := range s.clusters {
		if c.ClosedAt == nil && !c.LastSeenAt.Before(since) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryClusterStore) FindByOpportunity(_ context.Context, opportunityID string) (*Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clusters {
		if c.OpportunityID == opportunityID {
			return c.Clone(), nil
		}
	}
	return nil, ErrClusterNotFound
}

func (s *MemoryClusterStore) Purge(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.clusters {
		if c.ClosedAt != nil && c.ClosedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(s.clusters, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len reports the number of stored clusters.
func (s *MemoryClusterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clusters)
}
