package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/models"
)

// HTTPOracle calls the AI engine's scoring endpoint. When the score response
// carries no risk verdict it asks the risk endpoint, and falls back to a neutral
// verdict if that is unreachable.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewHTTPOracle(baseURL string, client *http.Client, logger zerolog.Logger) *HTTPOracle {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "oracle_http").Logger(),
	}
}

// scoreResponse uses pointers so missing fields are distinguishable from zero.
type scoreResponse struct {
	Score          *int     `json:"score"`
	WinProbability *string  `json:"win_probability"`
	TrustScore     *int     `json:"trust_score"`
	RiskLevel      *string  `json:"risk_level"`
	RiskFlags      []string `json:"risk_flags"`
	Summary        string   `json:"summary"`
	Strategy       string   `json:"strategy"`
}

type riskResponse struct {
	RiskScore *int     `json:"risk_score"`
	RiskLevel string   `json:"risk_level"`
	Flags     []string `json:"flags"`
}

func (o *HTTPOracle) Score(ctx context.Context, req Request) (Result, error) {
	var resp scoreResponse
	if err := o.post(ctx, "/ai/score", req, &resp); err != nil {
		return Result{}, err
	}
	if resp.Score == nil {
		return Result{}, newError(KindMalformed, fmt.Errorf("response has no score"))
	}

	res := Result{
		Score:     *resp.Score,
		RiskFlags: resp.RiskFlags,
		Summary:   resp.Summary,
		Strategy:  resp.Strategy,
	}
	if resp.WinProbability != nil {
		res.WinProbability = *resp.WinProbability
	}

	level, levelOK := models.RiskLevel(""), false
	if resp.RiskLevel != nil {
		level, levelOK = models.ParseRiskLevel(*resp.RiskLevel)
	}
	if resp.TrustScore != nil && levelOK {
		res.TrustScore = *resp.TrustScore
		res.RiskLevel = level
		return res, nil
	}

	risk := o.assess(ctx, req)
	res.TrustScore = risk.TrustScore
	res.RiskLevel = risk.RiskLevel
	res.RiskFlags = append(res.RiskFlags, risk.Flags...)
	return res, nil
}

func (o *HTTPOracle) assess(ctx context.Context, req Request) RiskAssessment {
	var resp riskResponse
	err := o.post(ctx, "/ai/risk-assess", map[string]any{"opportunity": req}, &resp)
	if err != nil || resp.RiskScore == nil {
		o.logger.Warn().Err(err).Str("title", req.Title).Msg("risk assessment unavailable, using neutral verdict")
		return unreachableRisk
	}
	trust := clamp(*resp.RiskScore)
	level, ok := models.ParseRiskLevel(resp.RiskLevel)
	if !ok {
		level = models.RiskLevelForTrust(trust)
	}
	return RiskAssessment{TrustScore: trust, RiskLevel: level, Flags: resp.Flags}
}

func (o *HTTPOracle) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return newError(KindMalformed, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return newError(KindUnavailable, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return newError(KindRateLimited, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	case resp.StatusCode >= 500:
		return newError(KindUnavailable, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return newError(KindUnavailable, fmt.Errorf("%s returned unexpected status %d", path, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(ctx, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindMalformed, fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
