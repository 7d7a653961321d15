// Package oracle scores opportunities through an external AI capability and
// applies the results asynchronously.
package oracle

import (
	"context"
	"strings"

	"github.com/david/oppforge/internal/models"
)

// Oracle is the scoring capability. Implementations must honor ctx and return
// *OracleError for every failure.
type Oracle interface {
	Score(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	Chain        string   `json:"chain"`
	RewardPool   string   `json:"reward_pool"`
	Requirements []string `json:"requirements"`
	// Sources and URL feed the trust heuristics.
	Sources []string `json:"sources,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type Result struct {
	Score          int              `json:"score"`
	WinProbability string           `json:"win_probability"`
	TrustScore     int              `json:"trust_score"`
	RiskLevel      models.RiskLevel `json:"risk_level"`
	RiskFlags      []string         `json:"risk_flags"`
	Summary        string           `json:"summary"`
	Strategy       string           `json:"strategy"`
}

func NewRequest(o *models.Opportunity) Request {
	sources := make([]string, 0, len(o.Sources))
	for _, s := range o.Sources {
		sources = append(sources, s.Name)
	}
	return Request{
		Title:        o.Title,
		Description:  o.Description,
		Category:     string(o.Category),
		Chain:        string(o.Chain),
		RewardPool:   o.RewardPool.Display(),
		Requirements: o.Requirements,
		Sources:      sources,
		URL:          o.CanonicalURL,
	}
}

// Update converts a result into the fields stored on the opportunity.
func (r Result) Update() models.ScoreUpdate {
	score := clamp(r.Score)
	trust := clamp(r.TrustScore)
	level := r.RiskLevel
	if level == "" {
		level = models.RiskLevelForTrust(trust)
	}
	u := models.ScoreUpdate{
		Score:      &score,
		TrustScore: &trust,
		RiskLevel:  &level,
		RiskFlags:  r.RiskFlags,
		Summary:    strings.TrimSpace(r.Summary),
		Strategy:   strings.TrimSpace(r.Strategy),
	}
	if wp := strings.TrimSpace(r.WinProbability); wp != "" {
		u.WinProbability = &wp
	}
	return u
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
