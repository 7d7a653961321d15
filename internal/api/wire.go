package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/david/oppforge/internal/models"
)

// opportunityJSON is the feed record. The first block of fields is what the
// front-end has always read; the rest are additive.
type opportunityJSON struct {
	ID             uuid.UUID         `json:"id"`
	Title          string            `json:"title"`
	Category       models.Category   `json:"category"`
	Chain          models.Chain      `json:"chain"`
	RewardPool     string            `json:"reward_pool"`
	Score          *int              `json:"score"`
	WinProbability *string           `json:"win_probability"`
	TrustScore     *int              `json:"trust_score"`
	RiskLevel      *models.RiskLevel `json:"risk_level"`
	IsVerified     bool              `json:"is_verified"`
	Deadline       *time.Time        `json:"deadline"`
	Source         string            `json:"source"`
	Summary        string            `json:"summary"`
	Requirements   []string          `json:"requirements"`
	Tags           []string          `json:"tags"`
	CreatedAt      time.Time         `json:"created_at"`

	Status    string             `json:"status"`
	URL       string             `json:"url"`
	Sources   []models.SourceRef `json:"sources"`
	Reward    models.RewardPool  `json:"reward"`
	RiskFlags []string           `json:"risk_flags"`
	Strategy  string             `json:"strategy,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func toJSON(o *models.Opportunity, now time.Time) opportunityJSON {
	summary := o.Summary
	if summary == "" {
		summary = o.Description
	}
	return opportunityJSON{
		ID:             o.ID,
		Title:          o.Title,
		Category:       o.Category,
		Chain:          o.Chain,
		RewardPool:     o.RewardPool.Display(),
		Score:          o.Score,
		WinProbability: o.WinProbability,
		TrustScore:     o.TrustScore,
		RiskLevel:      o.RiskLevel,
		IsVerified:     o.IsVerified,
		Deadline:       o.Deadline,
		Source:         o.PrimarySource(),
		Summary:        summary,
		Requirements:   nonNil(o.Requirements),
		Tags:           nonNil(o.Tags),
		CreatedAt:      o.CreatedAt,
		Status:         o.Status(now),
		URL:            o.CanonicalURL,
		Sources:        nonNilSources(o.Sources),
		Reward:         o.RewardPool,
		RiskFlags:      nonNil(o.RiskFlags),
		Strategy:       o.Strategy,
		UpdatedAt:      o.UpdatedAt,
	}
}

type listResponse struct {
	Data   []opportunityJSON `json:"data"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSources(s []models.SourceRef) []models.SourceRef {
	if s == nil {
		return []models.SourceRef{}
	}
	return s
}
