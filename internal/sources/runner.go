package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/lock"
	"github.com/david/oppforge/internal/models"
	"github.com/david/oppforge/internal/pipeline"
)

var ErrUnknownSource = errors.New("unknown source")

// Connector collects the current listings of one source.
type Connector interface {
	Source() SourceConfig
	Collect(ctx context.Context) ([]ingest.RawPayload, error)
}

// Submitter is the ingestion entry point. *pipeline.Pipeline satisfies it.
type Submitter interface {
	SubmitBatch(ctx context.Context, payloads []ingest.RawPayload) pipeline.BatchReport
}

// RunRecorder persists scrape runs for the scraper health view.
type RunRecorder interface {
	RecordScrapeRun(ctx context.Context, run models.ScrapeRun) error
}

// BuildConnectors creates a connector for every enabled source and registers each
// source's fetch settings with the fetcher.
func BuildConnectors(reg *Registry, fetcher *RateLimitedFetcher, logger zerolog.Logger) ([]Connector, error) {
	var out []Connector
	for _, src := range reg.Enabled() {
		u, err := url.Parse(src.URL)
		if err != nil {
			return nil, fmt.Errorf("source %q: invalid url: %w", src.ID, err)
		}
		fetcher.Configure(u.Host, src.Fetch, src.Headers)

		switch src.Kind {
		case KindJSON:
			out = append(out, NewJSONFeedConnector(src, fetcher, logger))
		case KindHTML:
			out = append(out, NewHTMLListConnector(src, fetcher, fetcher.allowPrivate, logger))
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", src.ID, src.Kind)
		}
	}
	return out, nil
}

// Runner schedules connectors and pushes what they collect into the pipeline.
// Runs of the same source never overlap; a manual trigger waits for a scheduled
// run in progress.
type Runner struct {
	connectors map[string]Connector
	order      []string
	submitter  Submitter
	recorder   RunRecorder
	locks      *lock.Keyed
	logger     zerolog.Logger
}

func NewRunner(connectors []Connector, submitter Submitter, recorder RunRecorder, logger zerolog.Logger) *Runner {
	r := &Runner{
		connectors: make(map[string]Connector, len(connectors)),
		submitter:  submitter,
		recorder:   recorder,
		locks:      lock.NewKeyed(),
		logger:     logger.With().Str("component", "runner").Logger(),
	}
	for _, c := range connectors {
		id := c.Source().ID
		r.connectors[id] = c
		r.order = append(r.order, id)
	}
	sort.Strings(r.order)
	return r
}

// Sources lists the configured connectors by id.
func (r *Runner) Sources() []SourceConfig {
	out := make([]SourceConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.connectors[id].Source())
	}
	return out
}

// Start runs every connector once, then at its interval, until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range r.order {
		c := r.connectors[id]
		g.Go(func() error {
			r.loop(gctx, c)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, c Connector) {
	src := c.Source()
	ticker := time.NewTicker(src.interval())
	defer ticker.Stop()

	for {
		if _, err := r.run(ctx, c); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Str("source", src.ID).Msg("scheduled run failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunSource runs one connector now and returns the recorded run.
func (r *Runner) RunSource(ctx context.Context, id string) (models.ScrapeRun, error) {
	c, ok := r.connectors[id]
	if !ok {
		return models.ScrapeRun{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return r.run(ctx, c)
}

func (r *Runner) run(ctx context.Context, c Connector) (models.ScrapeRun, error) {
	src := c.Source()
	unlock, err := r.locks.Lock(ctx, src.ID)
	if err != nil {
		return models.ScrapeRun{}, err
	}
	defer unlock()

	run := models.ScrapeRun{
		ID:        uuid.New(),
		Source:    src.Name,
		StartedAt: globaltime.UTC(),
	}

	payloads, collectErr := c.Collect(ctx)
	run.Found = len(payloads)

	var report pipeline.BatchReport
	if len(payloads) > 0 {
		report = r.submitter.SubmitBatch(ctx, payloads)
	}
	run.Accepted = report.Accepted()
	run.Duplicates = report.Duplicates
	run.Invalid = report.Invalid
	run.FinishedAt = globaltime.UTC()

	switch {
	case collectErr != nil && run.Found == 0:
		run.Status = models.RunFailed
		run.Error = collectErr.Error()
	case collectErr != nil:
		run.Status = models.RunPartial
		run.Error = collectErr.Error()
	case report.Failed > 0 || report.Skipped > 0:
		run.Status = models.RunPartial
		run.Error = fmt.Sprintf("%d failed, %d skipped", report.Failed, report.Skipped)
	default:
		run.Status = models.RunSuccess
	}

	if r.recorder != nil {
		if err := r.recorder.RecordScrapeRun(context.WithoutCancel(ctx), run); err != nil {
			r.logger.Error().Err(err).Str("source", src.ID).Msg("failed to record scrape run")
		}
	}

	r.logger.Info().
		Str("source", src.ID).
		Str("status", run.Status).
		Int("found", run.Found).
		Int("accepted", run.Accepted).
		Int("duplicates", run.Duplicates).
		Int("invalid", run.Invalid).
		Dur("took", run.FinishedAt.Sub(run.StartedAt)).
		Msg("scrape run finished")

	if run.Status == models.RunFailed {
		return run, collectErr
	}
	return run, nil
}
