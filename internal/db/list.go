package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/david/oppforge/internal/models"
)

const (
	StatusFilterActive  = "active"
	StatusFilterExpired = "expired"
	StatusFilterAll     = "all"

	SortNewest    = "newest"
	SortDeadline  = "deadline"
	SortScore     = "score"
	SortRelevance = "relevance"
)

type ListParams struct {
	Query          string
	QueryEmbedding []float32
	Category       string
	Chain          string
	Source         string
	Status         string
	Verified       *bool
	Sort           string
	Limit          int
	Offset         int
}

type ListResult struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Total         int                  `json:"total"`
}

// Normalized fills defaults: every record whatever its status, newest first, 20
// per page capped at 100. A text query without an explicit sort ranks by relevance.
func (p ListParams) Normalized() ListParams {
	p.Query = strings.TrimSpace(p.Query)
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
	switch p.Status {
	case StatusFilterActive, StatusFilterExpired, StatusFilterAll:
	default:
		p.Status = StatusFilterAll
	}
	p.Sort = strings.ToLower(strings.TrimSpace(p.Sort))
	switch p.Sort {
	case SortNewest, SortDeadline, SortScore, SortRelevance:
	default:
		p.Sort = SortNewest
		if p.Query != "" || len(p.QueryEmbedding) > 0 {
			p.Sort = SortRelevance
		}
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// buildListWhere returns the filter clause, its arguments and the next free
// placeholder index.
func buildListWhere(p ListParams) (string, []interface{}, int) {
	where := []string{"1=1"}
	args := []interface{}{}
	argIdx := 1

	if p.Query != "" {
		where = append(where, fmt.Sprintf(
			`(search_vector @@ plainto_tsquery('english', $%d) OR title ILIKE $%d ESCAPE '\' OR description ILIKE $%d ESCAPE '\')`,
			argIdx, argIdx+1, argIdx+1))
		args = append(args, p.Query, containsPattern(p.Query))
		argIdx += 2
	}
	if p.Category != "" {
		where = append(where, fmt.Sprintf("LOWER(category) = LOWER($%d)", argIdx))
		args = append(args, p.Category)
		argIdx++
	}
	if p.Chain != "" {
		where = append(where, fmt.Sprintf("LOWER(chain) = LOWER($%d)", argIdx))
		args = append(args, p.Chain)
		argIdx++
	}
	if p.Source != "" {
		where = append(where, fmt.Sprintf("sources @> jsonb_build_array(jsonb_build_object('source_name', $%d::text))", argIdx))
		args = append(args, p.Source)
		argIdx++
	}
	if p.Verified != nil {
		where = append(where, fmt.Sprintf("is_verified = $%d", argIdx))
		args = append(args, *p.Verified)
		argIdx++
	}
	switch p.Status {
	case StatusFilterActive:
		where = append(where, "(deadline IS NULL OR deadline >= NOW())")
	case StatusFilterExpired:
		where = append(where, "deadline < NOW()")
	}

	return strings.Join(where, " AND "), args, argIdx
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern turns free text into an ILIKE pattern matching it anywhere,
// with the text's own wildcards taken literally.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

// buildListOrder returns the ORDER BY clause. Relevance may consume placeholders
// for the text query and embedding, so it takes the running args.
func buildListOrder(p ListParams, args []interface{}, argIdx int) (string, []interface{}, int) {
	switch p.Sort {
	case SortDeadline:
		return "deadline ASC NULLS LAST, created_at DESC, id", args, argIdx
	case SortScore:
		return "score DESC NULLS LAST, created_at DESC, id", args, argIdx
	case SortRelevance:
		var terms []string
		if len(p.QueryEmbedding) > 0 {
			terms = append(terms, fmt.Sprintf("COALESCE(1 - (embedding <=> $%d), -1) DESC", argIdx))
			args = append(args, pgvector.NewVector(p.QueryEmbedding))
			argIdx++
		}
		if p.Query != "" {
			terms = append(terms, fmt.Sprintf("ts_rank(search_vector, plainto_tsquery('english', $%d)) DESC", argIdx))
			args = append(args, p.Query)
			argIdx++
		}
		terms = append(terms, "created_at DESC", "id")
		return strings.Join(terms, ", "), args, argIdx
	default:
		return "created_at DESC, id", args, argIdx
	}
}

func (s *Store) List(ctx context.Context, params ListParams) (*ListResult, error) {
	p := params.Normalized()
	whereClause, args, argIdx := buildListWhere(p)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM opportunities WHERE %s", whereClause)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count opportunities: %w", err)
	}

	orderClause, args, argIdx := buildListOrder(p, args, argIdx)
	query := fmt.Sprintf(
		"SELECT %s FROM opportunities WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		selectCols, whereClause, orderClause, argIdx, argIdx+1,
	)
	args = append(args, p.Limit, p.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	out := make([]models.Opportunity, 0, p.Limit)
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ListResult{Opportunities: out, Total: total}, nil
}
