// Package db is the Postgres persistence layer: opportunities, the fingerprint
// index, clusters, scrape runs and admin accounts. MemoryStore mirrors it for
// tests and in-memory mode.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/david/oppforge/internal/models"
)

// ErrNotFound is returned when an opportunity does not exist.
var ErrNotFound = models.ErrNotFound

type PoolConfig struct {
	URL      string
	MinConns int32
	MaxConns int32
}

func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing db config: %w", err)
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging db: %w", err)
	}

	return pool, nil
}
