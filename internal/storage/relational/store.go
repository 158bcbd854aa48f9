// Package relational wraps the Postgres connection pool and provides
// one row-mapper file per aggregate (markets, tokens, pairs, orders, trades,
// balances, compliance, processed events, swaps, approval audit). Every
// method takes a context and returns typed domain structs; no caller outside
// this package builds SQL.
package relational

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Store owns the pooled connection to the relational database.
type Store struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// New opens a pool sized per Runtime.DatabasePoolMin/Max and runs the schema
// migration. The pool, not a single connection, is what every other package
// depends on — callers never dial Postgres directly.
func New(ctx context.Context, rt *config.Runtime, log *logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(rt.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("relational: parse database url: %w", err)
	}
	cfg.MinConns = int32(rt.DatabasePoolMin)
	cfg.MaxConns = int32(rt.DatabasePoolMax)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relational: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational: ping: %w", err)
	}

	s := &Store{pool: pool, log: log.Component("relational")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational: migrate: %w", err)
	}
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pgx pool for packages that need to enlist
// multiple aggregate writes in one transaction (internal/balance, internal/matching).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return err
	}
	s.log.Info("schema migrated")
	return nil
}
