package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/oppforge/internal/dedup"
)

// ClusterStore is the Postgres dedup.ClusterStore. Members and centroids are
// stored as JSONB; Update is a compare-and-swap on the version column.
type ClusterStore struct {
	pool *pgxpool.Pool
}

func NewClusterStore(pool *pgxpool.Pool) *ClusterStore {
	return &ClusterStore{pool: pool}
}

const clusterCols = `id, members, title_centroid, body_centroid, centroid_text, version,
	opportunity_id, merge_offset, deadline, opened_at, last_seen_at, closed_at`

func scanCluster(scan func(dest ...interface{}) error) (*dedup.Cluster, error) {
	var c dedup.Cluster
	var members, titleCentroid, bodyCentroid []byte

	err := scan(
		&c.ID, &members, &titleCentroid, &bodyCentroid, &c.CentroidText, &c.Version,
		&c.OpportunityID, &c.MergeOffset, &c.Deadline, &c.OpenedAt, &c.LastSeenAt, &c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(members, &c.Members); err != nil {
		return nil, fmt.Errorf("decode members of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(titleCentroid, &c.TitleCentroid); err != nil {
		return nil, fmt.Errorf("decode title centroid of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(bodyCentroid, &c.BodyCentroid); err != nil {
		return nil, fmt.Errorf("decode body centroid of %s: %w", c.ID, err)
	}
	c.OpenedAt = c.OpenedAt.UTC()
	c.LastSeenAt = c.LastSeenAt.UTC()
	return &c, nil
}

type clusterJSON struct {
	members, title, body []byte
}

func encodeCluster(c *dedup.Cluster) (clusterJSON, error) {
	var out clusterJSON
	var err error
	members := c.Members
	if members == nil {
		members = []dedup.Member{}
	}
	if out.members, err = json.Marshal(members); err != nil {
		return out, fmt.Errorf("encode members: %w", err)
	}
	if out.title, err = json.Marshal(vectorOrEmpty(c.TitleCentroid)); err != nil {
		return out, fmt.Errorf("encode title centroid: %w", err)
	}
	if out.body, err = json.Marshal(vectorOrEmpty(c.BodyCentroid)); err != nil {
		return out, fmt.Errorf("encode body centroid: %w", err)
	}
	return out, nil
}

func vectorOrEmpty(v dedup.Vector) dedup.Vector {
	if v == nil {
		return dedup.Vector{}
	}
	return v
}

func (s *ClusterStore) Create(ctx context.Context, c *dedup.Cluster) error {
	enc, err := encodeCluster(c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO clusters (`+clusterCols+`)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $10, $11)
	`, c.ID, enc.members, enc.title, enc.body, c.CentroidText,
		c.OpportunityID, c.MergeOffset, c.Deadline, c.OpenedAt, c.LastSeenAt, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("create cluster %s: %w", c.ID, err)
	}
	c.Version = 1
	return nil
}

func (s *ClusterStore) Get(ctx context.Context, id string) (*dedup.Cluster, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clusterCols+` FROM clusters WHERE id = $1`, id)
	c, err := scanCluster(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dedup.ErrClusterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return c, nil
}

func (s *ClusterStore) Update(ctx context.Context, c *dedup.Cluster, expectedVersion int) error {
	enc, err := encodeCluster(c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE clusters SET
			members = $3,
			title_centroid = $4,
			body_centroid = $5,
			centroid_text = $6,
			version = $2 + 1,
			opportunity_id = $7,
			merge_offset = $8,
			deadline = $9,
			last_seen_at = $10,
			closed_at = $11
		WHERE id = $1 AND version = $2
	`, c.ID, expectedVersion, enc.members, enc.title, enc.body, c.CentroidText,
		c.OpportunityID, c.MergeOffset, c.Deadline, c.LastSeenAt, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("update cluster %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM clusters WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check cluster %s: %w", c.ID, err)
		}
		if !exists {
			return dedup.ErrClusterNotFound
		}
		return dedup.ErrStaleCluster
	}
	c.Version = expectedVersion + 1
	return nil
}

func (s *ClusterStore) Window(ctx context.Context, since time.Time) ([]*dedup.Cluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clusterCols+` FROM clusters
		WHERE closed_at IS NULL AND last_seen_at >= $1
		ORDER BY opened_at, id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("cluster window: %w", err)
	}
	defer rows.Close()

	var out []*dedup.Cluster
	for rows.Next() {
		c, err := scanCluster(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *ClusterStore) FindByOpportunity(ctx context.Context, opportunityID string) (*dedup.Cluster, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clusterCols+` FROM clusters WHERE opportunity_id = $1 LIMIT 1`, opportunityID)
	c, err := scanCluster(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dedup.ErrClusterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find cluster for %s: %w", opportunityID, err)
	}
	return c, nil
}

func (s *ClusterStore) Purge(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM clusters WHERE closed_at IS NOT NULL AND closed_at < $1 RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge clusters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}
