// Package merge resolves a cluster of listings into one durable opportunity.
package merge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/lock"
	"github.com/david/oppforge/internal/models"
)

var ErrEmptyCluster = errors.New("cluster has no active members")

// Store is the slice of the opportunity store the merge needs.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	GetByCluster(ctx context.Context, clusterID string) (*models.Opportunity, error)
	Upsert(ctx context.Context, o *models.Opportunity) error
}

// Clusters reloads cluster state and records the merged link. *dedup.Clusterer
// satisfies it.
type Clusters interface {
	Get(ctx context.Context, id string) (*dedup.Cluster, error)
	Attach(ctx context.Context, clusterID, opportunityID string, deadline *time.Time) error
}

// Result describes what a merge did.
type Result struct {
	Opportunity  *models.Opportunity
	Created      bool
	Changed      bool
	NeedsScoring bool
}

type Config struct {
	UpsertAttempts int
	UpsertBackoff  time.Duration
}

// Engine merges clusters. At most one merge per cluster runs at a time; others
// wait behind it and then see its result.
type Engine struct {
	store    Store
	clusters Clusters
	ranking  Ranking
	locks    *lock.Keyed
	cfg      Config
	logger   zerolog.Logger
}

func NewEngine(store Store, clusters Clusters, ranking Ranking, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.UpsertAttempts <= 0 {
		cfg.UpsertAttempts = 3
	}
	if cfg.UpsertBackoff <= 0 {
		cfg.UpsertBackoff = 200 * time.Millisecond
	}
	return &Engine{
		store:    store,
		clusters: clusters,
		ranking:  ranking,
		locks:    lock.NewKeyed(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "merge").Logger(),
	}
}

// Merge resolves the cluster into its opportunity and writes it if anything
// changed. The cluster is reloaded under the per-cluster lock, so a caller queued
// behind another merge works on the newest membership.
func (e *Engine) Merge(ctx context.Context, cl *dedup.Cluster) (Result, error) {
	unlock, err := e.locks.Lock(ctx, cl.ID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if e.clusters != nil {
		fresh, err := e.clusters.Get(ctx, cl.ID)
		if err != nil {
			return Result{}, fmt.Errorf("reload cluster %s: %w", cl.ID, err)
		}
		cl = fresh
	}

	active := cl.Active()
	if len(active) == 0 {
		return Result{}, ErrEmptyCluster
	}

	existing, err := e.linked(ctx, cl)
	if err != nil {
		return Result{}, err
	}

	resolved, conflicts := Resolve(active, existing, e.ranking)
	for _, c := range conflicts {
		e.logger.Warn().
			Str("cluster_id", cl.ID).
			Str("field", c.Field).
			Str("chosen", c.Chosen).
			Strs("values", c.Values).
			Msg("merge conflict resolved by earliest scrape")
	}
	resolved.ClusterID = cl.ID

	now := globaltime.UTC()
	res := Result{Opportunity: &resolved}
	switch {
	case existing == nil:
		resolved.ID = uuid.New()
		resolved.CreatedAt = now
		resolved.UpdatedAt = now
		res.Created, res.Changed, res.NeedsScoring = true, true, true
	case SameRecord(existing, &resolved):
		res.Opportunity = existing
	default:
		resolved.UpdatedAt = now
		res.Changed = true
		res.NeedsScoring = resolved.ContentHash != existing.ContentHash
	}

	if res.Changed {
		if err := e.upsert(ctx, &resolved); err != nil {
			return Result{}, err
		}
		e.logger.Info().
			Str("cluster_id", cl.ID).
			Str("opportunity_id", resolved.ID.String()).
			Bool("created", res.Created).
			Bool("needs_scoring", res.NeedsScoring).
			Int("members", len(active)).
			Msg("merged cluster")
	}

	if e.clusters != nil {
		o := res.Opportunity
		if cl.OpportunityID != o.ID.String() || !timePtrEqual(cl.Deadline, o.Deadline) {
			if err := e.clusters.Attach(ctx, cl.ID, o.ID.String(), o.Deadline); err != nil {
				return res, fmt.Errorf("attach cluster %s: %w", cl.ID, err)
			}
		}
	}

	return res, nil
}

// Exclusive runs fn while holding the merge lock of clusterID, so no merge of
// that cluster interleaves with it.
func (e *Engine) Exclusive(ctx context.Context, clusterID string, fn func(ctx context.Context) error) error {
	unlock, err := e.locks.Lock(ctx, clusterID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// linked finds the record the cluster feeds. A link to a deleted record means a
// fresh record; a missing link is recovered through the cluster id.
func (e *Engine) linked(ctx context.Context, cl *dedup.Cluster) (*models.Opportunity, error) {
	if cl.OpportunityID != "" {
		id, err := uuid.Parse(cl.OpportunityID)
		if err != nil {
			return nil, fmt.Errorf("cluster %s has invalid opportunity id %q: %w", cl.ID, cl.OpportunityID, err)
		}
		o, err := e.store.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load opportunity %s: %w", id, err)
		}
		return o, nil
	}

	o, err := e.store.GetByCluster(ctx, cl.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load opportunity for cluster %s: %w", cl.ID, err)
	}
	return o, nil
}

func (e *Engine) upsert(ctx context.Context, o *models.Opportunity) error {
	var err error
	for attempt := 0; attempt < e.cfg.UpsertAttempts; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.UpsertBackoff * time.Duration(1<<uint(attempt-1))
			e.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying opportunity upsert")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err = e.store.Upsert(ctx, o); err == nil {
			return nil
		}
	}
	return fmt.Errorf("upsert opportunity %s: %w", o.ID, err)
}

// SameRecord compares everything the merge controls. updated_at is ignored.
func SameRecord(a, b *models.Opportunity) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.CanonicalURL == b.CanonicalURL &&
		a.Category == b.Category &&
		a.CategoryRaw == b.CategoryRaw &&
		a.Chain == b.Chain &&
		a.ChainRaw == b.ChainRaw &&
		a.RewardPool.Equal(b.RewardPool) &&
		timePtrEqual(a.Deadline, b.Deadline) &&
		stringsEqual(a.Requirements, b.Requirements) &&
		stringsEqual(a.Tags, b.Tags) &&
		reflect.DeepEqual(nonNilSources(a.Sources), nonNilSources(b.Sources)) &&
		a.ClusterID == b.ClusterID &&
		a.ContentHash == b.ContentHash
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nonNilSources(s []models.SourceRef) []models.SourceRef {
	if s == nil {
		return []models.SourceRef{}
	}
	return s
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
