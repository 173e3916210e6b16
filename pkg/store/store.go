// Package store provides the durable persistence layer for hosts, leases,
// and events: the single source of truth every control loop coordinates
// through via compare-and-swap transactions (spec.md §4.1, §5).
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so store methods can
// run either against the pool directly or inside a caller-managed
// transaction (spec.md §4.1 "event insertion is always coupled with its
// triggering state transition in the same transaction").
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the connection pool and exposes host/lease/event operations.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on any error returned by fn (mirrors the teacher's
// single-writer-transaction contract; loops never hold a transaction open
// across an external call, so fn must only touch the store).
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping verifies store reachability (used by /healthz).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
