package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/lock"
	"github.com/david/oppforge/internal/models"
)

// ScoreStore is the slice of the opportunity store the worker writes to.
type ScoreStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	// ApplyScore writes u only if the record still has contentHash, and reports
	// whether it did.
	ApplyScore(ctx context.Context, id uuid.UUID, contentHash string, u models.ScoreUpdate) (bool, error)
	SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error
}

type WorkerConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BatchSize   int
	Concurrency int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Worker drains the scoring queue. Ingestion only ever calls Enqueue.
type Worker struct {
	oracle   Oracle
	store    ScoreStore
	queue    Queue
	embedder Embedder
	locks    *lock.Keyed
	cfg      WorkerConfig
	logger   zerolog.Logger
}

func NewWorker(o Oracle, store ScoreStore, queue Queue, embedder Embedder, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		oracle:   o,
		store:    store,
		queue:    queue,
		embedder: embedder,
		locks:    lock.NewKeyed(),
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "score_worker").Logger(),
	}
}

// Enqueue schedules o for scoring against its current content.
func (w *Worker) Enqueue(ctx context.Context, o *models.Opportunity) error {
	return w.queue.Push(ctx, Job{
		OpportunityID: o.ID,
		ContentHash:   o.ContentHash,
		DueAt:         globaltime.UTC(),
	})
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("score worker started")
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("score pass failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("score worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes the jobs due now and returns how many it handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.PopDue(ctx, globaltime.UTC(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			w.process(gctx, j)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (w *Worker) process(ctx context.Context, j Job) {
	log := w.logger.With().Str("opportunity_id", j.OpportunityID.String()).Int("attempt", j.Attempts+1).Logger()

	unlock, err := w.locks.Lock(ctx, j.OpportunityID.String())
	if err != nil {
		w.requeue(context.WithoutCancel(ctx), j, err)
		return
	}
	defer unlock()

	o, err := w.store.Get(ctx, j.OpportunityID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug().Msg("opportunity gone, dropping score job")
		return
	}
	if err != nil {
		w.requeue(ctx, j, fmt.Errorf("load opportunity: %w", err))
		return
	}
	if o.ContentHash != j.ContentHash || o.ScoredHash == j.ContentHash {
		log.Debug().Msg("score job superseded")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	res, err := w.oracle.Score(callCtx, NewRequest(o))
	cancel()
	if err != nil {
		w.requeue(ctx, j, err)
		return
	}

	u := res.Update()
	u.ScoredAt = globaltime.UTC()
	applied, err := w.store.ApplyScore(ctx, o.ID, j.ContentHash, u)
	if err != nil {
		w.requeue(ctx, j, fmt.Errorf("apply score: %w", err))
		return
	}
	if !applied {
		log.Debug().Msg("content changed while scoring, result discarded")
		return
	}
	log.Info().Int("score", *u.Score).Str("risk_level", string(*u.RiskLevel)).Msg("opportunity scored")

	if w.embedder != nil {
		w.embed(ctx, o, log)
	}
}

func (w *Worker) embed(ctx context.Context, o *models.Opportunity, log zerolog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	vec, err := w.embedder.GenerateEmbedding(callCtx, o.Title+"\n"+o.Description)
	if err != nil {
		log.Warn().Err(err).Msg("embedding failed")
		return
	}
	if err := w.store.SetEmbedding(ctx, o.ID, vec); err != nil {
		log.Warn().Err(err).Msg("storing embedding failed")
	}
}

// requeue schedules the next attempt at now + base*2^(attempts-1), or drops the
// job once MaxAttempts is reached. The record stays visible either way.
func (w *Worker) requeue(ctx context.Context, j Job, cause error) {
	j.Attempts++
	log := w.logger.With().
		Str("opportunity_id", j.OpportunityID.String()).
		Int("attempts", j.Attempts).
		Str("kind", string(KindOf(cause))).
		Err(cause).
		Logger()

	if j.Attempts >= w.cfg.MaxAttempts {
		log.Warn().Msg("scoring abandoned after max attempts")
		return
	}
	delay := Backoff(w.cfg.BackoffBase, j.Attempts)
	j.DueAt = globaltime.UTC().Add(delay)
	if err := w.queue.Push(ctx, j); err != nil {
		log.Error().AnErr("push_error", err).Msg("failed to requeue score job")
		return
	}
	log.Warn().Dur("retry_in", delay).Msg("scoring failed, retry scheduled")
}

// Backoff is base*2^(failures-1).
func Backoff(base time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 20 {
		failures = 20
	}
	return base * time.Duration(1<<uint(failures-1))
}
