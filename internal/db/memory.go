package db

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/models"
)

// MemoryStore is the in-process Store used by tests and STORAGE=memory. Records
// are copied on the way in and out.
type MemoryStore struct {
	mu         sync.RWMutex
	opps       map[uuid.UUID]*models.Opportunity
	embeddings map[uuid.UUID][]float32
	runs       []models.ScrapeRun
	admins     map[string]models.Admin
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opps:       make(map[uuid.UUID]*models.Opportunity),
		embeddings: make(map[uuid.UUID][]float32),
		admins:     make(map[string]models.Admin),
	}
}

func copyOpportunity(o *models.Opportunity) *models.Opportunity {
	out := *o
	out.Requirements = append([]string(nil), o.Requirements...)
	out.Tags = append([]string(nil), o.Tags...)
	out.Sources = append([]models.SourceRef(nil), o.Sources...)
	out.RiskFlags = append([]string(nil), o.RiskFlags...)
	return &out
}

func (m *MemoryStore) Upsert(_ context.Context, o *models.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := copyOpportunity(o)
	if cur, ok := m.opps[o.ID]; ok {
		next.Score = cur.Score
		next.WinProbability = cur.WinProbability
		next.TrustScore = cur.TrustScore
		next.RiskLevel = cur.RiskLevel
		next.RiskFlags = cur.RiskFlags
		next.Summary = cur.Summary
		next.Strategy = cur.Strategy
		next.ScoredHash = cur.ScoredHash
		next.ScoredAt = cur.ScoredAt
		next.IsVerified = cur.IsVerified
		next.CreatedAt = cur.CreatedAt
	}
	if next.ClusterID != "" {
		for id, other := range m.opps {
			if id != next.ID && other.ClusterID == next.ClusterID {
				return errDuplicateCluster(next.ClusterID)
			}
		}
	}
	m.opps[o.ID] = next
	return nil
}

type errDuplicateCluster string

func (e errDuplicateCluster) Error() string {
	return "cluster " + string(e) + " already has an opportunity"
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.opps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOpportunity(o), nil
}

func (m *MemoryStore) GetByCluster(_ context.Context, clusterID string) (*models.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.opps {
		if clusterID != "" && o.ClusterID == clusterID {
			return copyOpportunity(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opps[id]
	if !ok {
		return ErrNotFound
	}
	o.IsVerified = true
	o.UpdatedAt = globaltime.UTC()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opps[id]; !ok {
		return ErrNotFound
	}
	delete(m.opps, id)
	delete(m.embeddings, id)
	return nil
}

func (m *MemoryStore) ApplyScore(_ context.Context, id uuid.UUID, contentHash string, u models.ScoreUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opps[id]
	if !ok || o.ContentHash != contentHash {
		return false, nil
	}
	o.ApplyScore(u)
	return true, nil
}

func (m *MemoryStore) SetEmbedding(_ context.Context, id uuid.UUID, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opps[id]; !ok {
		return nil
	}
	m.embeddings[id] = append([]float32(nil), embedding...)
	return nil
}

func (m *MemoryStore) List(_ context.Context, params ListParams) (*ListResult, error) {
	p := params.Normalized()
	now := globaltime.UTC()
	query := strings.ToLower(p.Query)

	m.mu.RLock()
	type ranked struct {
		opp       *models.Opportunity
		text      int
		semantics float64
	}
	var matched []ranked
	for id, o := range m.opps {
		if !memoryMatches(o, p, query, now) {
			continue
		}
		r := ranked{opp: copyOpportunity(o), semantics: -1}
		if query != "" {
			r.text = strings.Count(strings.ToLower(o.Title+" "+o.Description), query)
		}
		if len(p.QueryEmbedding) > 0 {
			if emb, ok := m.embeddings[id]; ok {
				r.semantics = cosine32(p.QueryEmbedding, emb)
			}
		}
		matched = append(matched, r)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch p.Sort {
		case SortDeadline:
			if cmp := compareDeadline(a.opp.Deadline, b.opp.Deadline); cmp != 0 {
				return cmp < 0
			}
		case SortScore:
			if cmp := compareScore(a.opp.Score, b.opp.Score); cmp != 0 {
				return cmp < 0
			}
		case SortRelevance:
			if a.semantics != b.semantics {
				return a.semantics > b.semantics
			}
			if a.text != b.text {
				return a.text > b.text
			}
		}
		if !a.opp.CreatedAt.Equal(b.opp.CreatedAt) {
			return a.opp.CreatedAt.After(b.opp.CreatedAt)
		}
		return a.opp.ID.String() < b.opp.ID.String()
	})

	res := &ListResult{Total: len(matched), Opportunities: []models.Opportunity{}}
	for i := p.Offset; i < len(matched) && i < p.Offset+p.Limit; i++ {
		res.Opportunities = append(res.Opportunities, *matched[i].opp)
	}
	return res, nil
}

func memoryMatches(o *models.Opportunity, p ListParams, query string, now time.Time) bool {
	if query != "" && !strings.Contains(strings.ToLower(o.Title), query) && !strings.Contains(strings.ToLower(o.Description), query) {
		return false
	}
	if p.Category != "" && !strings.EqualFold(string(o.Category), p.Category) {
		return false
	}
	if p.Chain != "" && !strings.EqualFold(string(o.Chain), p.Chain) {
		return false
	}
	if p.Source != "" {
		found := false
		for _, s := range o.Sources {
			if s.Name == p.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.Verified != nil && o.IsVerified != *p.Verified {
		return false
	}
	switch p.Status {
	case StatusFilterActive:
		return o.Status(now) == models.StatusActive
	case StatusFilterExpired:
		return o.Status(now) == models.StatusExpired
	}
	return true
}

// compareDeadline orders earliest first with missing deadlines last.
func compareDeadline(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	}
	return 0
}

// compareScore orders highest first with unscored records last.
func compareScore(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a > *b:
		return -1
	case *a < *b:
		return 1
	}
	return 0
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *MemoryStore) Stats(_ context.Context) (*models.Stats, error) {
	now := globaltime.UTC()
	stats := &models.Stats{ByCategory: map[string]int{}, ByChain: map[string]int{}}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.opps {
		stats.Total++
		if o.Status(now) == models.StatusExpired {
			stats.Expired++
		} else {
			stats.Active++
		}
		if o.IsVerified {
			stats.Verified++
		}
		if o.Score != nil {
			stats.Scored++
		} else {
			stats.Unscored++
		}
		stats.ByCategory[string(o.Category)]++
		stats.ByChain[string(o.Chain)]++
	}
	return stats, nil
}

func (m *MemoryStore) RecordScrapeRun(_ context.Context, run models.ScrapeRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) ScraperHealth(_ context.Context, now time.Time) ([]models.ScraperHealth, error) {
	since := now.Add(-24 * time.Hour)

	m.mu.RLock()
	defer m.mu.RUnlock()

	bySource := map[string]*models.ScraperHealth{}
	for i := range m.runs {
		run := m.runs[i]
		h, ok := bySource[run.Source]
		if !ok {
			h = &models.ScraperHealth{Source: run.Source}
			bySource[run.Source] = h
		}
		if h.LastRun == nil || run.StartedAt.After(h.LastRun.StartedAt) {
			r := run
			h.LastRun = &r
		}
		if run.Status == models.RunSuccess && (h.LastSuccess == nil || run.FinishedAt.After(*h.LastSuccess)) {
			t := run.FinishedAt
			h.LastSuccess = &t
		}
		if !run.StartedAt.Before(since) {
			h.Runs24h++
			if run.Status == models.RunFailed {
				h.Failures24h++
			}
		}
	}

	out := make([]models.ScraperHealth, 0, len(bySource))
	for _, h := range bySource {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (m *MemoryStore) GetAdminByEmail(_ context.Context, email string) (*models.Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.admins[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrAdminNotFound
	}
	return &a, nil
}

func (m *MemoryStore) CreateAdmin(_ context.Context, a models.Admin) (bool, error) {
	key := strings.ToLower(strings.TrimSpace(a.Email))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[key]; ok {
		return false, nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Email = key
	m.admins[key] = a
	return true, nil
}
