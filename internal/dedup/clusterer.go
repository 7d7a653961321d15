package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

// Config tunes clustering. Zero values fall back to DefaultConfig.
type Config struct {
	Threshold   float64
	TieEpsilon  float64
	TitleWeight float64
	Decay       float64
	WindowDays  int
	// IdleTTL closes clusters that have not absorbed a listing for this long.
	IdleTTL    time.Duration
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Threshold:   0.82,
		TieEpsilon:  0.02,
		TitleWeight: 0.75,
		Decay:       0.85,
		WindowDays:  30,
		IdleTTL:     30 * 24 * time.Hour,
		MaxRetries:  16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.TieEpsilon <= 0 {
		c.TieEpsilon = d.TieEpsilon
	}
	if c.TitleWeight <= 0 || c.TitleWeight > 1 {
		c.TitleWeight = d.TitleWeight
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = d.Decay
	}
	if c.WindowDays <= 0 {
		c.WindowDays = d.WindowDays
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Duration(c.WindowDays) * 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Assignment reports where a listing landed. Cluster is the state written.
type Assignment struct {
	ClusterID string
	Created   bool
	Score     float64
	Degraded  bool
	Cluster   *Cluster
}

// Clusterer assigns new listings to open clusters. It holds no state of its own;
// the window is read from the store on every call.
type Clusterer struct {
	store  ClusterStore
	cfg    Config
	logger zerolog.Logger
}

func NewClusterer(store ClusterStore, cfg Config, logger zerolog.Logger) *Clusterer {
	return &Clusterer{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "clusterer").Logger(),
	}
}

func (c *Clusterer) Config() Config { return c.cfg }

func (c *Clusterer) windowStart(now time.Time) time.Time {
	return now.Add(-time.Duration(c.cfg.WindowDays) * 24 * time.Hour)
}

type candidate struct {
	cluster     *Cluster
	score       float64
	degraded    bool
	crossSource bool
}

// Assign places a listing that passed the fingerprint index as New. It joins the
// best open cluster at or above the threshold, or opens a new one.
func (c *Clusterer) Assign(ctx context.Context, l ingest.RawListing, listingID string) (Assignment, error) {
	f := ExtractFeatures(l)

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		now := globaltime.UTC()
		window, err := c.store.Window(ctx, c.windowStart(now))
		if err != nil {
			return Assignment{}, fmt.Errorf("load cluster window: %w", err)
		}

		best := c.pick(f, l, window, now)
		if best == nil {
			return c.open(ctx, f, l, listingID, now)
		}

		a, err := c.join(ctx, best, f, l, listingID)
		if errors.Is(err, errClusterGone) {
			// Closed or removed between window read and write; choose again.
			continue
		}
		return a, err
	}
	return Assignment{}, fmt.Errorf("assign listing %s: %w", listingID, ErrStaleCluster)
}

func (c *Clusterer) pick(f Features, l ingest.RawListing, window []*Cluster, now time.Time) *candidate {
	start := c.windowStart(now)

	var candidates []candidate
	for _, cl := range window {
		if !cl.Open(now, start) {
			continue
		}
		score, degraded := Similarity(f, cl, c.cfg.TitleWeight)
		if degraded {
			c.logger.Debug().
				Str("cluster_id", cl.ID).
				Str("title", l.Title).
				Msg("clustering degraded to title-only")
		}
		if score >= c.cfg.Threshold {
			candidates = append(candidates, candidate{
				cluster:     cl,
				score:       score,
				degraded:    degraded,
				crossSource: cl.HasOtherSource(l.SourceName),
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	top := candidates[0].score
	for _, cand := range candidates[1:] {
		if cand.score > top {
			top = cand.score
		}
	}
	eps := c.cfg.TieEpsilon
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aTied, bTied := top-a.score <= eps, top-b.score <= eps
		if aTied != bTied {
			return aTied
		}
		if aTied && a.crossSource != b.crossSource {
			return a.crossSource
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.cluster.OpenedAt.Equal(b.cluster.OpenedAt) {
			return a.cluster.OpenedAt.Before(b.cluster.OpenedAt)
		}
		return a.cluster.ID < b.cluster.ID
	})
	return &candidates[0]
}

func (c *Clusterer) open(ctx context.Context, f Features, l ingest.RawListing, listingID string, now time.Time) (Assignment, error) {
	cl := &Cluster{
		ID: uuid.NewString(),
		Members: []Member{{
			ListingID: listingID,
			Listing:   l,
			Score:     1,
			JoinedAt:  now,
		}},
		TitleCentroid: f.Title.Unit(),
		BodyCentroid:  f.Body.Unit(),
		OpenedAt:      now,
		LastSeenAt:    now,
		Deadline:      l.Deadline,
	}
	cl.CentroidText = c.describe(cl)

	if err := c.store.Create(ctx, cl); err != nil {
		return Assignment{}, fmt.Errorf("create cluster: %w", err)
	}
	c.logger.Debug().Str("cluster_id", cl.ID).Str("source", l.SourceName).Msg("opened cluster")
	return Assignment{ClusterID: cl.ID, Created: true, Score: 1, Degraded: len(f.Body) == 0, Cluster: cl}, nil
}

var errClusterGone = errors.New("cluster no longer open")

// join appends the member with compare-and-retry. A stale write reloads the
// cluster and re-applies the member to the fresh state.
func (c *Clusterer) join(ctx context.Context, cand *candidate, f Features, l ingest.RawListing, listingID string) (Assignment, error) {
	cl := cand.cluster
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		now := globaltime.UTC()
		if !cl.Open(now, c.windowStart(now)) {
			return Assignment{}, errClusterGone
		}

		expected := cl.Version
		next := cl.Clone()
		next.Members = append(next.Members, Member{
			ListingID: listingID,
			Listing:   l,
			Score:     cand.score,
			JoinedAt:  now,
		})
		next.TitleCentroid = decayAdd(cl.TitleCentroid, f.Title, c.cfg.Decay)
		if len(f.Body) > 0 {
			next.BodyCentroid = decayAdd(cl.BodyCentroid, f.Body, c.cfg.Decay)
		}
		if now.After(next.LastSeenAt) {
			next.LastSeenAt = now
		}
		if next.Deadline == nil && l.Deadline != nil {
			next.Deadline = l.Deadline
		}
		next.CentroidText = c.describe(next)

		err := c.store.Update(ctx, next, expected)
		if err == nil {
			return Assignment{ClusterID: next.ID, Score: cand.score, Degraded: cand.degraded, Cluster: next}, nil
		}
		if errors.Is(err, ErrClusterNotFound) {
			return Assignment{}, errClusterGone
		}
		if !errors.Is(err, ErrStaleCluster) {
			return Assignment{}, fmt.Errorf("update cluster %s: %w", cl.ID, err)
		}

		c.logger.Debug().Str("cluster_id", cl.ID).Int("attempt", attempt+1).Msg("stale cluster, retrying")
		cl, err = c.store.Get(ctx, cl.ID)
		if errors.Is(err, ErrClusterNotFound) {
			return Assignment{}, errClusterGone
		}
		if err != nil {
			return Assignment{}, fmt.Errorf("reload cluster %s: %w", cand.cluster.ID, err)
		}
	}
	return Assignment{}, fmt.Errorf("join cluster %s: %w", cl.ID, ErrStaleCluster)
}

func (c *Clusterer) describe(cl *Cluster) string {
	combined := make(Vector, len(cl.TitleCentroid)+len(cl.BodyCentroid))
	for k, w := range cl.TitleCentroid {
		combined[k] += c.cfg.TitleWeight * w
	}
	for k, w := range cl.BodyCentroid {
		combined[k] += (1 - c.cfg.TitleWeight) * w
	}
	return centroidText(combined, 16)
}

// mutate applies fn to the latest state of a cluster with compare-and-retry.
// fn returns false to skip the write.
func (c *Clusterer) mutate(ctx context.Context, clusterID string, fn func(cl *Cluster) bool) (*Cluster, error) {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		cl, err := c.store.Get(ctx, clusterID)
		if err != nil {
			return nil, err
		}
		expected := cl.Version
		if !fn(cl) {
			return cl, nil
		}
		err = c.store.Update(ctx, cl, expected)
		if err == nil {
			return cl, nil
		}
		if !errors.Is(err, ErrStaleCluster) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate cluster %s: %w", clusterID, ErrStaleCluster)
}

// Attach links a cluster to its merged opportunity and records the merged deadline.
func (c *Clusterer) Attach(ctx context.Context, clusterID, opportunityID string, deadline *time.Time) error {
	_, err := c.mutate(ctx, clusterID, func(cl *Cluster) bool {
		if cl.OpportunityID == opportunityID && timePtrEqual(cl.Deadline, deadline) {
			return false
		}
		cl.OpportunityID = opportunityID
		cl.Deadline = deadline
		return true
	})
	if err != nil {
		return fmt.Errorf("attach cluster %s: %w", clusterID, err)
	}
	return nil
}

// Detach retires the current members of the cluster linked to opportunityID and
// clears the link, so later listings merge into a fresh record. Clusters stay open.
func (c *Clusterer) Detach(ctx context.Context, opportunityID string) error {
	cl, err := c.store.FindByOpportunity(ctx, opportunityID)
	if errors.Is(err, ErrClusterNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find cluster for %s: %w", opportunityID, err)
	}

	_, err = c.mutate(ctx, cl.ID, func(cl *Cluster) bool {
		if cl.OpportunityID != opportunityID {
			return false
		}
		cl.MergeOffset = len(cl.Members)
		cl.OpportunityID = ""
		return true
	})
	if err != nil {
		return fmt.Errorf("detach cluster %s: %w", cl.ID, err)
	}
	return nil
}

// Sweep closes clusters whose deadline passed or that sat idle past IdleTTL, and
// returns the ids it closed.
func (c *Clusterer) Sweep(ctx context.Context) ([]string, error) {
	now := globaltime.UTC()
	all, err := c.store.Window(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load open clusters: %w", err)
	}

	due := func(cl *Cluster) bool {
		if cl.ClosedAt != nil {
			return false
		}
		if cl.Deadline != nil && cl.Deadline.Before(now) {
			return true
		}
		return cl.LastSeenAt.Before(now.Add(-c.cfg.IdleTTL))
	}

	var closed []string
	for _, cl := range all {
		if !due(cl) {
			continue
		}
		var didClose bool
		_, err := c.mutate(ctx, cl.ID, func(fresh *Cluster) bool {
			didClose = due(fresh)
			if didClose {
				t := now
				fresh.ClosedAt = &t
			}
			return didClose
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("cluster_id", cl.ID).Msg("failed to close cluster")
			continue
		}
		if didClose {
			closed = append(closed, cl.ID)
		}
	}
	return closed, nil
}

// Open returns the clusters currently inside the window, oldest first.
func (c *Clusterer) Open(ctx context.Context) ([]*Cluster, error) {
	now := globaltime.UTC()
	start := c.windowStart(now)
	window, err := c.store.Window(ctx, start)
	if err != nil {
		return nil, err
	}
	out := window[:0]
	for _, cl := range window {
		if cl.Open(now, start) {
			out = append(out, cl)
		}
	}
	return out, nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Get loads the current state of a cluster.
func (c *Clusterer) Get(ctx context.Context, id string) (*Cluster, error) {
	return c.store.Get(ctx, id)
}
