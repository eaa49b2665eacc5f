// Package postgres holds the game backend's persistence layer, built on
// pgx v5 pools. The session layer never touches it directly; it goes
// through the repository types in this package.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congregate-gg/backend/internal/config"
)

// Pool owns the pgx connection pool for the process. It exists so callers
// depend on one place for pool lifecycle instead of passing *pgxpool.Pool
// around.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool dials the database described by cfg and verifies it with a ping
// before returning. Connection limits and lifetime come from cfg; a pool
// that cannot reach the database is closed and an error returned.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Health pings the database, bounded by timeout. Used by the lifecycle's
// periodic health service.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases every connection. The pool is unusable afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB exposes the underlying pool to the repositories in this package.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
