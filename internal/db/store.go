package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"

	"github.com/david/oppforge/internal/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// selectCols is the column list every opportunity query scans.
const selectCols = `id, title, description, canonical_url, category, category_raw, chain, chain_raw,
	reward_currency, reward_low::text, reward_high::text, reward_text, deadline,
	requirements, tags, sources, cluster_id,
	score, win_probability, trust_score, risk_level, risk_flags, summary, strategy,
	content_hash, scored_hash, scored_at, is_verified, created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (models.Opportunity, error) {
	var o models.Opportunity
	var category, chain string
	var rewardLow, rewardHigh, clusterID, riskLevel *string
	var sourcesRaw []byte

	err := scan(
		&o.ID, &o.Title, &o.Description, &o.CanonicalURL, &category, &o.CategoryRaw, &chain, &o.ChainRaw,
		&o.RewardPool.Currency, &rewardLow, &rewardHigh, &o.RewardPool.Text, &o.Deadline,
		&o.Requirements, &o.Tags, &sourcesRaw, &clusterID,
		&o.Score, &o.WinProbability, &o.TrustScore, &riskLevel, &o.RiskFlags, &o.Summary, &o.Strategy,
		&o.ContentHash, &o.ScoredHash, &o.ScoredAt, &o.IsVerified, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	o.Category = models.Category(category)
	o.Chain = models.Chain(chain)
	o.RewardPool.Low = parseDecimal(rewardLow)
	o.RewardPool.High = parseDecimal(rewardHigh)
	if clusterID != nil {
		o.ClusterID = *clusterID
	}
	if riskLevel != nil {
		if level, ok := models.ParseRiskLevel(*riskLevel); ok {
			o.RiskLevel = &level
		}
	}
	if len(sourcesRaw) > 0 {
		if err := json.Unmarshal(sourcesRaw, &o.Sources); err != nil {
			return o, fmt.Errorf("decode sources: %w", err)
		}
	}
	if o.Deadline != nil {
		d := o.Deadline.UTC()
		o.Deadline = &d
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	return o, nil
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Upsert writes the merge-controlled fields. Score fields and verification are
// set only on insert; afterwards they belong to ApplyScore and MarkVerified.
func (s *Store) Upsert(ctx context.Context, o *models.Opportunity) error {
	sources, err := json.Marshal(o.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	var riskLevel interface{}
	if o.RiskLevel != nil {
		riskLevel = string(*o.RiskLevel)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, title, description, canonical_url, category, category_raw, chain, chain_raw,
			reward_currency, reward_low, reward_high, reward_text, deadline,
			requirements, tags, sources, cluster_id,
			score, win_probability, trust_score, risk_level, risk_flags, summary, strategy,
			content_hash, scored_hash, scored_at, is_verified, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10::numeric, $11::numeric, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24,
			$25, $26, $27, $28, $29, $30
		)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			canonical_url = EXCLUDED.canonical_url,
			category = EXCLUDED.category,
			category_raw = EXCLUDED.category_raw,
			chain = EXCLUDED.chain,
			chain_raw = EXCLUDED.chain_raw,
			reward_currency = EXCLUDED.reward_currency,
			reward_low = EXCLUDED.reward_low,
			reward_high = EXCLUDED.reward_high,
			reward_text = EXCLUDED.reward_text,
			deadline = EXCLUDED.deadline,
			requirements = EXCLUDED.requirements,
			tags = EXCLUDED.tags,
			sources = EXCLUDED.sources,
			cluster_id = EXCLUDED.cluster_id,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at
	`,
		o.ID, o.Title, o.Description, o.CanonicalURL, string(o.Category), o.CategoryRaw, string(o.Chain), o.ChainRaw,
		o.RewardPool.Currency, decimalArg(o.RewardPool.Low), decimalArg(o.RewardPool.High), o.RewardPool.Text, o.Deadline,
		nonNil(o.Requirements), nonNil(o.Tags), sources, nullString(o.ClusterID),
		o.Score, o.WinProbability, o.TrustScore, riskLevel, nonNil(o.RiskFlags), o.Summary, o.Strategy,
		o.ContentHash, o.ScoredHash, o.ScoredAt, o.IsVerified, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert opportunity %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	return s.getOne(ctx, "WHERE id = $1", id)
}

func (s *Store) GetByCluster(ctx context.Context, clusterID string) (*models.Opportunity, error) {
	return s.getOne(ctx, "WHERE cluster_id = $1", clusterID)
}

func (s *Store) getOne(ctx context.Context, where string, arg interface{}) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM opportunities %s", selectCols, where), arg)
	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	return &o, nil
}

func (s *Store) MarkVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE opportunities SET is_verified = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("verify opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record permanently.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete opportunity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyScore writes oracle output only while the record still carries
// contentHash, and reports whether it did.
func (s *Store) ApplyScore(ctx context.Context, id uuid.UUID, contentHash string, u models.ScoreUpdate) (bool, error) {
	var riskLevel interface{}
	if u.RiskLevel != nil {
		riskLevel = string(*u.RiskLevel)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE opportunities SET
			score = $3,
			win_probability = $4,
			trust_score = $5,
			risk_level = $6,
			risk_flags = $7,
			summary = CASE WHEN $8 = '' THEN summary ELSE $8 END,
			strategy = CASE WHEN $9 = '' THEN strategy ELSE $9 END,
			scored_hash = content_hash,
			scored_at = $10
		WHERE id = $1 AND content_hash = $2
	`, id, contentHash, u.Score, u.WinProbability, u.TrustScore, riskLevel, nonNil(u.RiskFlags), u.Summary, u.Strategy, u.ScoredAt)
	if err != nil {
		return false, fmt.Errorf("apply score %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE opportunities SET embedding = $2 WHERE id = $1`, id, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("set embedding %s: %w", id, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{ByCategory: map[string]int{}, ByChain: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE deadline IS NULL OR deadline >= NOW()),
			COUNT(*) FILTER (WHERE deadline < NOW()),
			COUNT(*) FILTER (WHERE is_verified),
			COUNT(*) FILTER (WHERE score IS NOT NULL),
			COUNT(*) FILTER (WHERE score IS NULL)
		FROM opportunities
	`).Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.Verified, &stats.Scored, &stats.Unscored)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	for column, into := range map[string]map[string]int{"category": stats.ByCategory, "chain": stats.ByChain} {
		rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM opportunities GROUP BY %s", column, column))
		if err != nil {
			return nil, fmt.Errorf("stats by %s: %w", column, err)
		}
		for rows.Next() {
			var value string
			var count int
			if err := rows.Scan(&value, &count); err == nil {
				into[value] = count
			}
		}
		rows.Close()
	}

	return stats, nil
}
