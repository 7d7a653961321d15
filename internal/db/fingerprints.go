package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/ingest"
)

// FingerprintIndex is the Postgres dedup.Index. Keys are inserted in sorted order
// inside one transaction; a conflict on any key rolls the whole insert back, so
// concurrent producers of the same listing serialize on the primary key.
type FingerprintIndex struct {
	pool *pgxpool.Pool
}

func NewFingerprintIndex(pool *pgxpool.Pool) *FingerprintIndex {
	return &FingerprintIndex{pool: pool}
}

const lookupAttempts = 3

func (f *FingerprintIndex) LookupOrInsert(ctx context.Context, l ingest.RawListing) (dedup.Lookup, error) {
	fp := dedup.ComputeFingerprint(l)
	keys := fp.Keys()

	for attempt := 0; attempt < lookupAttempts; attempt++ {
		now := globaltime.UTC()
		id := uuid.NewString()

		inserted, err := f.tryInsert(ctx, keys, id, now)
		if err != nil {
			return dedup.Lookup{}, err
		}
		if inserted {
			return dedup.Lookup{Fingerprint: fp, ListingID: id}, nil
		}

		existing, found, err := f.touch(ctx, keys, now)
		if err != nil {
			return dedup.Lookup{}, err
		}
		if found {
			existing.Fingerprint = fp
			return existing, nil
		}
		// The conflicting row was released between the insert and the read.
	}
	return dedup.Lookup{}, fmt.Errorf("fingerprint lookup did not settle after %d attempts", lookupAttempts)
}

func (f *FingerprintIndex) tryInsert(ctx context.Context, keys []string, listingID string, now time.Time) (bool, error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fingerprint insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, key := range keys {
		var got string
		err := tx.QueryRow(ctx, `
			INSERT INTO fingerprints (key, listing_id, created_at, last_seen_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (key) DO NOTHING
			RETURNING key
		`, key, listingID, now).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("insert fingerprint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit fingerprint insert: %w", err)
	}
	return true, nil
}

// touch refreshes last_seen_at on existing keys and returns the owner of the
// first one in key order.
func (f *FingerprintIndex) touch(ctx context.Context, keys []string, now time.Time) (dedup.Lookup, bool, error) {
	rows, err := f.pool.Query(ctx, `
		UPDATE fingerprints SET last_seen_at = $2
		WHERE key = ANY($1)
		RETURNING key, listing_id, COALESCE(cluster_id, '')
	`, keys, now)
	if err != nil {
		return dedup.Lookup{}, false, fmt.Errorf("touch fingerprint: %w", err)
	}
	defer rows.Close()

	found := map[string]dedup.Lookup{}
	for rows.Next() {
		var key string
		var res dedup.Lookup
		if err := rows.Scan(&key, &res.ExistingID, &res.ExistingClusterID); err != nil {
			return dedup.Lookup{}, false, err
		}
		res.Duplicate = true
		found[key] = res
	}
	if err := rows.Err(); err != nil {
		return dedup.Lookup{}, false, err
	}

	for _, key := range keys {
		if res, ok := found[key]; ok {
			return res, true, nil
		}
	}
	return dedup.Lookup{}, false, nil
}

func (f *FingerprintIndex) Bind(ctx context.Context, fp dedup.Fingerprint, clusterID string) error {
	if _, err := f.pool.Exec(ctx, `UPDATE fingerprints SET cluster_id = $2 WHERE key = ANY($1)`, fp.Keys(), clusterID); err != nil {
		return fmt.Errorf("bind fingerprint: %w", err)
	}
	return nil
}

func (f *FingerprintIndex) Release(ctx context.Context, fp dedup.Fingerprint) error {
	if _, err := f.pool.Exec(ctx, `DELETE FROM fingerprints WHERE key = ANY($1) AND cluster_id IS NULL`, fp.Keys()); err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	return nil
}

func (f *FingerprintIndex) Evict(ctx context.Context, cutoff time.Time, closedClusterIDs []string) (int, error) {
	if closedClusterIDs == nil {
		closedClusterIDs = []string{}
	}
	tag, err := f.pool.Exec(ctx, `
		DELETE FROM fingerprints
		WHERE last_seen_at < $1 AND (cluster_id IS NULL OR cluster_id = ANY($2))
	`, cutoff, closedClusterIDs)
	if err != nil {
		return 0, fmt.Errorf("evict fingerprints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
