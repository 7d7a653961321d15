package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/models"
)

// ManualInput is an administrator-entered opportunity.
type ManualInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	URL          string   `json:"url"`
	Category     string   `json:"category"`
	Chain        string   `json:"chain"`
	RewardText   string   `json:"reward_pool"`
	Deadline     string   `json:"deadline"`
	Requirements []string `json:"requirements"`
	Tags         []string `json:"tags"`
}

// DuplicateError rejects a manual entry whose URL or title is already indexed.
type DuplicateError struct {
	ExistingID string
	ClusterID  string
}

func (e *DuplicateError) Error() string {
	if e.ClusterID == "" {
		return fmt.Sprintf("duplicate of listing %s", e.ExistingID)
	}
	return fmt.Sprintf("duplicate of listing %s in cluster %s", e.ExistingID, e.ClusterID)
}

// CreateManual ingests an entry with source "manual" through the fingerprint
// index and clusterer like any scraped listing, then marks the record verified.
// Later scrapes of the same opportunity join its cluster.
func (p *Pipeline) CreateManual(ctx context.Context, in ManualInput) (*models.Opportunity, error) {
	now := globaltime.UTC()
	l, err := ingest.Normalize(ingest.RawPayload{
		SourceName:   models.SourceManual,
		URL:          in.URL,
		Title:        in.Title,
		Description:  in.Description,
		RewardText:   in.RewardText,
		Deadline:     in.Deadline,
		Chain:        in.Chain,
		Category:     in.Category,
		Requirements: in.Requirements,
		Tags:         in.Tags,
		ScrapedAt:    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}

	work := context.WithoutCancel(ctx)
	lookup, err := p.index.LookupOrInsert(work, l)
	if err != nil {
		return nil, fmt.Errorf("fingerprint manual entry: %w", err)
	}
	if lookup.Duplicate {
		return nil, &DuplicateError{ExistingID: lookup.ExistingID, ClusterID: lookup.ExistingClusterID}
	}

	a, err := p.clusterer.Assign(work, l, lookup.ListingID)
	if err != nil {
		if relErr := p.index.Release(work, lookup.Fingerprint); relErr != nil {
			p.logger.Error().Err(relErr).Str("listing_id", lookup.ListingID).Msg("failed to release fingerprint")
		}
		return nil, fmt.Errorf("cluster manual entry: %w", err)
	}
	if err := p.index.Bind(work, lookup.Fingerprint, a.ClusterID); err != nil {
		p.logger.Warn().Err(err).Str("listing_id", lookup.ListingID).Str("cluster_id", a.ClusterID).Msg("failed to bind fingerprint")
	}

	res, err := p.merger.Merge(work, a.Cluster)
	if err != nil {
		p.deferCluster(a.ClusterID, err)
		return nil, fmt.Errorf("create manual opportunity: %w", err)
	}
	o := res.Opportunity
	if err := p.store.MarkVerified(work, o.ID); err != nil {
		return nil, fmt.Errorf("verify manual opportunity: %w", err)
	}
	o.IsVerified = true

	p.logger.Info().
		Str("opportunity_id", o.ID.String()).
		Str("cluster_id", a.ClusterID).
		Bool("joined_existing", !a.Created).
		Str("title", o.Title).
		Msg("manual opportunity created")

	if res.NeedsScoring {
		p.enqueue(work, o)
	}
	return o, nil
}

// Verify marks a record as verified by an administrator.
func (p *Pipeline) Verify(ctx context.Context, id uuid.UUID) error {
	return p.store.MarkVerified(ctx, id)
}

// Delete removes a record and detaches its cluster, so later listings for the
// same cluster produce a new record under a fresh id. Both steps run under the
// cluster's merge lock.
func (p *Pipeline) Delete(ctx context.Context, id uuid.UUID) error {
	o, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.ClusterID == "" {
		return p.store.Delete(ctx, id)
	}

	err = p.merger.Exclusive(ctx, o.ClusterID, func(ctx context.Context) error {
		if err := p.store.Delete(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return p.clusterer.Detach(ctx, id.String())
	})
	if err != nil {
		return fmt.Errorf("delete opportunity %s: %w", id, err)
	}
	p.logger.Info().Str("opportunity_id", id.String()).Str("cluster_id", o.ClusterID).Msg("opportunity deleted")
	return nil
}
