package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	StatusActive  = "ACTIVE"
	StatusExpired = "EXPIRED"

	// SourceManual marks records entered by an administrator.
	SourceManual = "manual"
)

// ErrNotFound is returned by every opportunity store when a record does not exist.
var ErrNotFound = errors.New("opportunity not found")

type Opportunity struct {
	ID           uuid.UUID   `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	CanonicalURL string      `json:"canonical_url"`
	Category     Category    `json:"category"`
	CategoryRaw  string      `json:"category_raw"`
	Chain        Chain       `json:"chain"`
	ChainRaw     string      `json:"chain_raw"`
	RewardPool   RewardPool  `json:"reward_pool"`
	Deadline     *time.Time  `json:"deadline"`
	Requirements []string    `json:"requirements"`
	Tags         []string    `json:"tags"`
	Sources      []SourceRef `json:"sources"`
	ClusterID    string      `json:"cluster_id,omitempty"`

	// Oracle fields stay nil until the first successful scoring pass.
	Score          *int       `json:"score"`
	WinProbability *string    `json:"win_probability"`
	TrustScore     *int       `json:"trust_score"`
	RiskLevel      *RiskLevel `json:"risk_level"`
	RiskFlags      []string   `json:"risk_flags"`
	Summary        string     `json:"summary"`
	Strategy       string     `json:"strategy"`

	// ContentHash covers the fields that influence scoring; ScoredHash is the
	// ContentHash the current score was computed against.
	ContentHash string     `json:"-"`
	ScoredHash  string     `json:"-"`
	ScoredAt    *time.Time `json:"scored_at,omitempty"`

	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SourceRef is one contributing listing origin.
type SourceRef struct {
	Name string `json:"source_name"`
	URL  string `json:"source_url"`
}

// RewardPool is a best-effort parse of the reward text. Text is always kept.
type RewardPool struct {
	Currency string           `json:"currency,omitempty"`
	Low      *decimal.Decimal `json:"low,omitempty"`
	High     *decimal.Decimal `json:"high,omitempty"`
	Text     string           `json:"text,omitempty"`
}

func (r RewardPool) IsZero() bool {
	return r.Low == nil && r.High == nil && r.Text == ""
}

// Equal compares amounts numerically so 50000 and 50000.00 are the same pool.
func (r RewardPool) Equal(o RewardPool) bool {
	return r.Currency == o.Currency && r.Text == o.Text && decimalPtrEqual(r.Low, o.Low) && decimalPtrEqual(r.High, o.High)
}

// Display is the human string shown in the feed: the original text when present,
// otherwise the parsed amounts.
func (r RewardPool) Display() string {
	if r.Text != "" {
		return r.Text
	}
	var amount string
	switch {
	case r.Low != nil && r.High != nil:
		amount = r.Low.String() + " - " + r.High.String()
	case r.High != nil:
		amount = r.High.String()
	case r.Low != nil:
		amount = r.Low.String() + "+"
	default:
		return ""
	}
	if r.Currency == "" {
		return amount
	}
	return r.Currency + " " + amount
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ScoreUpdate carries the oracle output applied to a stored opportunity.
type ScoreUpdate struct {
	Score          *int
	WinProbability *string
	TrustScore     *int
	RiskLevel      *RiskLevel
	RiskFlags      []string
	Summary        string
	Strategy       string
	ScoredAt       time.Time
}

// Status is derived at read time; it is never persisted.
func (o *Opportunity) Status(now time.Time) string {
	if o.Deadline != nil && o.Deadline.Before(now) {
		return StatusExpired
	}
	return StatusActive
}

// PrimarySource is the first contributing source, used as the feed's "source" field.
func (o *Opportunity) PrimarySource() string {
	if len(o.Sources) == 0 {
		return ""
	}
	return o.Sources[0].Name
}

// ApplyScore copies oracle output onto the record.
func (o *Opportunity) ApplyScore(u ScoreUpdate) {
	o.Score = u.Score
	o.WinProbability = u.WinProbability
	o.TrustScore = u.TrustScore
	o.RiskLevel = u.RiskLevel
	o.RiskFlags = u.RiskFlags
	if u.Summary != "" {
		o.Summary = u.Summary
	}
	if u.Strategy != "" {
		o.Strategy = u.Strategy
	}
	scoredAt := u.ScoredAt
	o.ScoredAt = &scoredAt
	o.ScoredHash = o.ContentHash
}
