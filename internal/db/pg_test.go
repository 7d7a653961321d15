package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/dedup/indextest"
	"github.com/david/oppforge/internal/models"
)

// testPool connects to DATABASE_URL and applies migrations, skipping when no
// database is reachable.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := Connect(ctx, PoolConfig{URL: url})
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ApplyMigrations(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return pool
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewStore(pool)

	high := decimal.NewFromInt(50000)
	deadline := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	o := &models.Opportunity{
		ID:           uuid.New(),
		Title:        "Roundtrip grant",
		Description:  "Funding for zk tooling",
		CanonicalURL: "https://example.org/" + uuid.NewString(),
		Category:     models.CategoryGrant,
		Chain:        models.ChainArbitrum,
		RewardPool:   models.RewardPool{Currency: "USD", High: &high, Text: "$50,000 max"},
		Deadline:     &deadline,
		Requirements: []string{"Rust"},
		Sources:      []models.SourceRef{{Name: "gitcoin", URL: "https://gitcoin.co/x"}},
		ClusterID:    uuid.NewString(),
		ContentHash:  "h1",
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	t.Cleanup(func() { _ = s.Delete(ctx, o.ID) })

	if err := s.Upsert(ctx, o); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByCluster(ctx, o.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != o.ID || got.RewardPool.High == nil || !got.RewardPool.High.Equal(high) {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Sources) != 1 || got.Sources[0].Name != "gitcoin" {
		t.Fatalf("sources = %+v", got.Sources)
	}

	score := 77
	if ok, err := s.ApplyScore(ctx, o.ID, "other", models.ScoreUpdate{Score: &score, ScoredAt: time.Now()}); err != nil || ok {
		t.Fatalf("stale ApplyScore = %v, %v", ok, err)
	}
	if ok, err := s.ApplyScore(ctx, o.ID, "h1", models.ScoreUpdate{Score: &score, ScoredAt: time.Now()}); err != nil || !ok {
		t.Fatalf("ApplyScore = %v, %v", ok, err)
	}
	got, _ = s.Get(ctx, o.ID)
	if got.Score == nil || *got.Score != 77 || got.ScoredHash != "h1" {
		t.Fatalf("score not applied: %+v", got)
	}
}

func TestPostgresFingerprintIndex_Contract(t *testing.T) {
	pool := testPool(t)
	indextest.Run(t, func(*testing.T) dedup.Index { return NewFingerprintIndex(pool) })
}

func TestPostgresClusterStore_CompareAndSwap(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewClusterStore(pool)

	now := time.Now().UTC()
	c := &dedup.Cluster{
		ID:            uuid.NewString(),
		TitleCentroid: dedup.Vector{"grant": 1},
		OpenedAt:      now,
		LastSeenAt:    now,
	}
	t.Cleanup(func() { _, _ = pool.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, c.ID) })

	if err := s.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.OpportunityID = "opp-1"
	if err := s.Update(ctx, c, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, c, 1); !errors.Is(err, dedup.ErrStaleCluster) {
		t.Fatalf("stale update err = %v", err)
	}
	got, err := s.FindByOpportunity(ctx, "opp-1")
	if err != nil || got.ID != c.ID || got.Version != 2 {
		t.Fatalf("FindByOpportunity = %+v, %v", got, err)
	}
}
