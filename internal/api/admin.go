package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
	"github.com/david/oppforge/internal/models"
	"github.com/david/oppforge/internal/pipeline"
	"github.com/david/oppforge/internal/sources"
)

// handleIngest accepts one payload object or an array of them.
func (s *Server) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	report, err := s.ingestor.SubmitRaw(c.Request().Context(), body)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleCreateManual(c echo.Context) error {
	var in pipeline.ManualInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	o, err := s.ingestor.CreateManual(c.Request().Context(), in)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
		}
		var dup *pipeline.DuplicateError
		if errors.As(err, &dup) {
			return c.JSON(http.StatusConflict, map[string]string{"error": dup.Error(), "cluster_id": dup.ClusterID})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, toJSON(o, globaltime.UTC()))
}

func (s *Server) handleVerify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	if err := s.ingestor.Verify(c.Request().Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "is_verified": true})
}

func (s *Server) handleDelete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	if err := s.ingestor.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleScraperHealth(c echo.Context) error {
	health, err := s.store.ScraperHealth(c.Request().Context(), globaltime.UTC())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if health == nil {
		health = []models.ScraperHealth{}
	}
	return c.JSON(http.StatusOK, health)
}

func (s *Server) handleRunSource(c echo.Context) error {
	if s.runner == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "connectors are disabled"})
	}
	run, err := s.runner.RunSource(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, sources.ErrUnknownSource):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case run.Status == models.RunFailed:
			return c.JSON(http.StatusBadGateway, run)
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

type reconcileResult struct {
	Reconcile   pipeline.ReconcileReport   `json:"reconcile"`
	Maintenance pipeline.MaintenanceReport `json:"maintenance"`
}

// handleReconcile re-merges open and deferred clusters, then runs maintenance, in
// the background. It returns 202 with a job id to poll.
func (s *Server) handleReconcile(c echo.Context) error {
	job, started := s.jobs.start(c.Request().Context(), "reconcile", s.cfg.JobTimeout, func(ctx context.Context) (any, error) {
		var res reconcileResult
		var err error
		if res.Reconcile, err = s.ingestor.Reconcile(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reconcile job failed")
			return res, err
		}
		if res.Maintenance, err = s.ingestor.Maintain(ctx); err != nil {
			s.logger.Error().Err(err).Msg("maintenance job failed")
			return res, err
		}
		return res, nil
	})
	if !started {
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "A reconcile job is already running",
			"job_id": job.ID,
		})
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Reconcile job started",
		"job_id":  job.ID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", job.ID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job, ok := s.jobs.get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	resp := map[string]any{
		"id":         job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if job.EndedAt != nil {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}
