package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/oppforge/internal/auth"
	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/models"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params := db.ListParams{
		Query:    strings.TrimSpace(c.QueryParam("q")),
		Category: c.QueryParam("category"),
		Chain:    c.QueryParam("chain"),
		Source:   c.QueryParam("source"),
		Status:   strings.ToLower(c.QueryParam("status")),
		Sort:     strings.ToLower(c.QueryParam("sort")),
	}

	switch params.Status {
	case "", db.StatusFilterActive, db.StatusFilterExpired, db.StatusFilterAll:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status must be active, expired or all"})
	}
	switch params.Sort {
	case "", db.SortNewest, db.SortDeadline, db.SortScore, db.SortRelevance:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "sort must be newest, deadline, score or relevance"})
	}

	if v := c.QueryParam("verified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "verified must be true or false"})
		}
		params.Verified = &b
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		params.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		params.Offset = o
	}

	// Generate embedding for semantic search
	if params.Query != "" && s.embedder != nil {
		aiCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		vec, err := s.embedder.GenerateEmbedding(aiCtx, params.Query)
		cancel()
		if err != nil {
			// Fall back to keyword ranking
			s.logger.Warn().Err(err).Msg("failed to generate query embedding")
		} else {
			params.QueryEmbedding = vec
		}
	}

	params = params.Normalized()
	result, err := s.store.List(c.Request().Context(), params)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list opportunities")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	now := globaltime.UTC()
	resp := listResponse{
		Data:   make([]opportunityJSON, 0, len(result.Opportunities)),
		Total:  result.Total,
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	for i := range result.Opportunities {
		resp.Data = append(resp.Data, toJSON(&result.Opportunities[i], now))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	o, err := s.store.Get(c.Request().Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, toJSON(o, globaltime.UTC()))
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "email and password are required"})
	}

	resp, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}
