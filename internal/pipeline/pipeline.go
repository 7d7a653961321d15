// Package pipeline drives listings through normalization, exact dedup,
// clustering and merge, and hands changed records to the scoring queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/merge"
	"github.com/david/oppforge/internal/models"
)

const (
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
	StatusClustered = "clustered"
	StatusCreated   = "created"
	StatusUpdated   = "updated"
	StatusUnchanged = "unchanged"
	StatusDeferred  = "deferred"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Store is the opportunity store as the pipeline and its admin actions use it.
type Store interface {
	merge.Store
	MarkVerified(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Scorer accepts records for asynchronous scoring. Enqueue must not block on the
// oracle.
type Scorer interface {
	Enqueue(ctx context.Context, o *models.Opportunity) error
}

type Deps struct {
	Index     dedup.Index
	Clusters  dedup.ClusterStore
	Clusterer *dedup.Clusterer
	Merger    *merge.Engine
	Store     Store
	// Scorer may be nil, in which case records are never scored.
	Scorer Scorer
}

type Config struct {
	// FingerprintRetention bounds how long keys of closed clusters are kept.
	FingerprintRetention time.Duration
	// ClusterRetention bounds how long closed clusters are kept.
	ClusterRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.FingerprintRetention <= 0 {
		c.FingerprintRetention = 90 * 24 * time.Hour
	}
	if c.ClusterRetention <= 0 {
		c.ClusterRetention = c.FingerprintRetention
	}
	return c
}

// Outcome is what happened to one submitted payload.
type Outcome struct {
	Status        string `json:"status"`
	ListingID     string `json:"listing_id,omitempty"`
	ClusterID     string `json:"cluster_id,omitempty"`
	OpportunityID string `json:"opportunity_id,omitempty"`
	ExistingID    string `json:"existing_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type Pipeline struct {
	index     dedup.Index
	clusters  dedup.ClusterStore
	clusterer *dedup.Clusterer
	merger    *merge.Engine
	store     Store
	scorer    Scorer
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	deferred map[string]struct{}
	// evictPending holds purged cluster ids whose fingerprint keys were not yet
	// evicted.
	evictPending []string
}

func New(deps Deps, cfg Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		index:     deps.Index,
		clusters:  deps.Clusters,
		clusterer: deps.Clusterer,
		merger:    deps.Merger,
		store:     deps.Store,
		scorer:    deps.Scorer,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "pipeline").Logger(),
		deferred:  make(map[string]struct{}),
	}
}

// Submit runs one payload through the pipeline. A payload that fails validation
// or is an exact duplicate is reported in the Outcome, not as an error. Errors are
// reserved for infrastructure failures before the listing reached a cluster.
//
// Once normalization succeeds the unit runs to completion even if ctx is
// cancelled, so no fingerprint is left behind for a listing that never clustered.
func (p *Pipeline) Submit(ctx context.Context, payload ingest.RawPayload) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{Status: StatusSkipped, Reason: err.Error()}, err
	}

	l, err := ingest.Normalize(payload)
	if err != nil {
		p.logInvalid(payload, err)
		return Outcome{Status: StatusInvalid, Reason: err.Error()}, nil
	}

	work := context.WithoutCancel(ctx)

	lookup, err := p.index.LookupOrInsert(work, l)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}, fmt.Errorf("fingerprint %s: %w", l.URL, err)
	}
	if lookup.Duplicate {
		p.logger.Debug().
			Str("source", l.SourceName).
			Str("url", l.URL).
			Str("existing_id", lookup.ExistingID).
			Msg("dropped exact duplicate")
		return Outcome{Status: StatusDuplicate, ExistingID: lookup.ExistingID, ClusterID: lookup.ExistingClusterID}, nil
	}

	a, err := p.clusterer.Assign(work, l, lookup.ListingID)
	if err != nil {
		if relErr := p.index.Release(work, lookup.Fingerprint); relErr != nil {
			p.logger.Error().Err(relErr).Str("listing_id", lookup.ListingID).Msg("failed to release fingerprint")
		}
		return Outcome{Status: StatusFailed, ListingID: lookup.ListingID, Reason: err.Error()}, fmt.Errorf("cluster %s: %w", l.URL, err)
	}
	if a.Degraded {
		p.logger.Debug().Str("listing_id", lookup.ListingID).Str("cluster_id", a.ClusterID).Msg("clustering degraded to title only")
	}
	if err := p.index.Bind(work, lookup.Fingerprint, a.ClusterID); err != nil {
		p.logger.Warn().Err(err).Str("listing_id", lookup.ListingID).Str("cluster_id", a.ClusterID).Msg("failed to bind fingerprint")
	}

	out := Outcome{ListingID: lookup.ListingID, ClusterID: a.ClusterID}
	res, err := p.merger.Merge(work, a.Cluster)
	if err != nil {
		p.deferCluster(a.ClusterID, err)
		out.Status = StatusDeferred
		out.Reason = err.Error()
		return out, nil
	}
	out.OpportunityID = res.Opportunity.ID.String()

	switch {
	case res.Created:
		out.Status = StatusCreated
	case res.Changed:
		out.Status = StatusUpdated
	case !a.Created:
		out.Status = StatusClustered
	default:
		out.Status = StatusUnchanged
	}

	if res.NeedsScoring {
		p.enqueue(work, res.Opportunity)
	}
	return out, nil
}

// SubmitRaw decodes one payload object or an array of them and submits each.
// Elements that fail schema validation come back as invalid outcomes.
func (p *Pipeline) SubmitRaw(ctx context.Context, raw json.RawMessage) (BatchReport, error) {
	payloads, decodeErrs, err := ingest.DecodePayloads(raw)
	if err != nil {
		p.logger.Warn().Err(err).RawJSON("payload", safeRaw(raw)).Msg("dropped invalid payload")
		return BatchReport{}, err
	}

	report := BatchReport{Outcomes: make([]Outcome, len(payloads))}
	valid := make([]int, 0, len(payloads))
	for i := range payloads {
		if decodeErrs[i] != nil {
			p.logger.Warn().Err(decodeErrs[i]).Int("index", i).Msg("dropped invalid payload")
			report.record(i, Outcome{Status: StatusInvalid, Reason: decodeErrs[i].Error()})
			continue
		}
		valid = append(valid, i)
	}

	for _, i := range valid {
		if ctx.Err() != nil {
			report.record(i, Outcome{Status: StatusSkipped, Reason: ctx.Err().Error()})
			continue
		}
		out, err := p.Submit(ctx, payloads[i])
		if err != nil && out.Status == "" {
			out = Outcome{Status: StatusFailed, Reason: err.Error()}
		}
		report.record(i, out)
	}
	return report, nil
}

// BatchReport tallies a batch. Outcomes are index-aligned with the input.
type BatchReport struct {
	Outcomes   []Outcome `json:"outcomes"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Clustered  int       `json:"clustered"`
	Unchanged  int       `json:"unchanged"`
	Duplicates int       `json:"duplicates"`
	Invalid    int       `json:"invalid"`
	Deferred   int       `json:"deferred"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

func (r *BatchReport) record(i int, o Outcome) {
	r.Outcomes[i] = o
	r.count(o)
}

func (r *BatchReport) count(o Outcome) {
	switch o.Status {
	case StatusCreated:
		r.Created++
	case StatusUpdated:
		r.Updated++
	case StatusClustered:
		r.Clustered++
	case StatusUnchanged:
		r.Unchanged++
	case StatusDuplicate:
		r.Duplicates++
	case StatusInvalid:
		r.Invalid++
	case StatusDeferred:
		r.Deferred++
	case StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Accepted counts listings that reached a cluster.
func (r BatchReport) Accepted() int {
	return r.Created + r.Updated + r.Clustered + r.Unchanged + r.Deferred
}

// SubmitBatch submits payloads in order. Cancelling ctx stops further
// submissions; the one in flight completes.
func (p *Pipeline) SubmitBatch(ctx context.Context, payloads []ingest.RawPayload) BatchReport {
	report := BatchReport{Outcomes: make([]Outcome, len(payloads))}
	for i, payload := range payloads {
		if ctx.Err() != nil {
			report.record(i, Outcome{Status: StatusSkipped, Reason: ctx.Err().Error()})
			continue
		}
		out, err := p.Submit(ctx, payload)
		if err != nil {
			p.logger.Error().Err(err).Str("source", payload.SourceName).Str("url", payload.URL).Msg("submit failed")
		}
		report.record(i, out)
	}
	return report
}

// Run consumes payloads with a pool of workers until in is closed or ctx is
// cancelled, and returns the tallies. Outcomes are not retained.
func (p *Pipeline) Run(ctx context.Context, in <-chan ingest.RawPayload, workers int) (BatchReport, error) {
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	var report BatchReport

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case payload, ok := <-in:
					if !ok {
						return nil
					}
					out, err := p.Submit(gctx, payload)
					if err != nil && !errors.Is(err, context.Canceled) {
						p.logger.Error().Err(err).Str("source", payload.SourceName).Msg("submit failed")
					}
					mu.Lock()
					report.count(out)
					mu.Unlock()
				}
			}
		})
	}
	err := g.Wait()
	return report, err
}

// PooledSubmitter feeds batches through Run, so connector batches are submitted by
// a fixed pool of workers. Outcomes are not retained; the tallies are.
type PooledSubmitter struct {
	p       *Pipeline
	workers int
}

func (p *Pipeline) Pooled(workers int) *PooledSubmitter {
	return &PooledSubmitter{p: p, workers: workers}
}

// SubmitBatch submits payloads concurrently. Payloads never handed to a worker
// because ctx was cancelled are counted as skipped.
func (s *PooledSubmitter) SubmitBatch(ctx context.Context, payloads []ingest.RawPayload) BatchReport {
	in := make(chan ingest.RawPayload)
	go func() {
		defer close(in)
		for _, payload := range payloads {
			select {
			case <-ctx.Done():
				return
			case in <- payload:
			}
		}
	}()

	report, err := s.p.Run(ctx, in, s.workers)
	if err != nil {
		s.p.logger.Error().Err(err).Msg("pooled submit failed")
	}
	if missing := len(payloads) - report.total(); missing > 0 {
		report.Skipped += missing
	}
	return report
}

func (r BatchReport) total() int {
	return r.Accepted() + r.Duplicates + r.Invalid + r.Failed + r.Skipped
}

func (p *Pipeline) enqueue(ctx context.Context, o *models.Opportunity) {
	if p.scorer == nil {
		return
	}
	if err := p.scorer.Enqueue(ctx, o); err != nil {
		p.logger.Warn().Err(err).Str("opportunity_id", o.ID.String()).Msg("failed to enqueue scoring")
	}
}

func (p *Pipeline) logInvalid(payload ingest.RawPayload, err error) {
	raw, _ := json.Marshal(payload)
	p.logger.Warn().Err(err).RawJSON("payload", raw).Msg("dropped invalid payload")
}

// safeRaw returns raw when it is valid JSON and a quoted string otherwise, so the
// log line stays parseable.
func safeRaw(raw json.RawMessage) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
