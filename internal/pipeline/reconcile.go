package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/merge"
)

// deferCluster buffers a cluster whose merge failed so the next Reconcile
// retries it.
func (p *Pipeline) deferCluster(clusterID string, cause error) {
	p.mu.Lock()
	p.deferred[clusterID] = struct{}{}
	n := len(p.deferred)
	p.mu.Unlock()

	p.logger.Error().Err(cause).Str("cluster_id", clusterID).Int("deferred", n).Msg("merge failed; cluster deferred")
}

func (p *Pipeline) takeDeferred() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.deferred))
	for id := range p.deferred {
		ids = append(ids, id)
	}
	p.deferred = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// Deferred reports how many clusters wait for a retry.
func (p *Pipeline) Deferred() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}

type ReconcileReport struct {
	Clusters int `json:"clusters"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Reconcile re-merges every open cluster and every deferred one. Clusters whose
// merge fails again go back into the buffer.
func (p *Pipeline) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	open, err := p.clusterer.Open(ctx)
	if err != nil {
		return report, fmt.Errorf("load open clusters: %w", err)
	}

	seen := make(map[string]struct{}, len(open))
	targets := make([]*dedup.Cluster, 0, len(open))
	for _, cl := range open {
		seen[cl.ID] = struct{}{}
		targets = append(targets, cl)
	}
	for _, id := range p.takeDeferred() {
		if _, ok := seen[id]; ok {
			continue
		}
		cl, err := p.clusterer.Get(ctx, id)
		if errors.Is(err, dedup.ErrClusterNotFound) {
			continue
		}
		if err != nil {
			p.deferCluster(id, err)
			report.Failed++
			continue
		}
		targets = append(targets, cl)
	}

	for _, cl := range targets {
		if ctx.Err() != nil {
			p.deferCluster(cl.ID, ctx.Err())
			continue
		}
		report.Clusters++
		res, err := p.merger.Merge(ctx, cl)
		if errors.Is(err, merge.ErrEmptyCluster) {
			continue
		}
		if err != nil {
			p.deferCluster(cl.ID, err)
			report.Failed++
			continue
		}
		switch {
		case res.Created:
			report.Created++
		case res.Changed:
			report.Updated++
		}
		if res.NeedsScoring {
			p.enqueue(ctx, res.Opportunity)
		}
	}

	p.logger.Info().
		Int("clusters", report.Clusters).
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("failed", report.Failed).
		Msg("reconciliation finished")
	return report, ctx.Err()
}

type MaintenanceReport struct {
	Closed  int `json:"closed"`
	Purged  int `json:"purged"`
	Evicted int `json:"evicted"`
}

// Maintain closes stale clusters, purges clusters closed longer than the
// retention, and evicts fingerprint keys of purged clusters and never-bound keys
// last seen before the retention cutoff.
func (p *Pipeline) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	now := globaltime.UTC()

	closed, err := p.clusterer.Sweep(ctx)
	if err != nil {
		return report, fmt.Errorf("sweep clusters: %w", err)
	}
	report.Closed = len(closed)

	purged, err := p.clusters.Purge(ctx, now.Add(-p.cfg.ClusterRetention))
	if err != nil {
		return report, fmt.Errorf("purge clusters: %w", err)
	}
	report.Purged = len(purged)

	p.mu.Lock()
	evictIDs := append(p.evictPending, purged...)
	p.evictPending = nil
	p.mu.Unlock()

	evicted, err := p.index.Evict(ctx, now.Add(-p.cfg.FingerprintRetention), evictIDs)
	if err != nil {
		p.mu.Lock()
		p.evictPending = append(p.evictPending, evictIDs...)
		p.mu.Unlock()
		return report, fmt.Errorf("evict fingerprints: %w", err)
	}
	report.Evicted = evicted

	p.logger.Info().
		Int("closed", report.Closed).
		Int("purged", report.Purged).
		Int("evicted", report.Evicted).
		Msg("maintenance finished")
	return report, nil
}
