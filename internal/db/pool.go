// Package db provides the Postgres pool abstraction and connection helpers
// shared by the store.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/resilience"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
	// ConnectAttempts bounds the startup ping loop. Default: 5.
	ConnectAttempts int `yaml:"connect_attempts" mapstructure:"connect_attempts"`
}

// Connect opens a pgx pool and pings it, retrying while the database comes
// up. prepare, if non-nil, runs on every new connection.
func Connect(ctx context.Context, connString string, cfg PoolConfig, prepare map[string]string) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "db: parse config"))
	}

	maxConns, minConns := int32(10), int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	if len(prepare) > 0 {
		pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			for name, sql := range prepare {
				if _, err := conn.Prepare(ctx, name, sql); err != nil {
					return eris.Wrapf(err, "db: prepare %s", name)
				}
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: create pool")
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := resilience.Exponential{MaxAttempts: attempts, Base: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2}
	err = resilience.RetryErr(ctx, backoff, pool.Ping,
		resilience.RetryIf(func(error) bool { return true }),
		resilience.LogRetries("postgres", "ping"),
	)
	if err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}
	zap.L().Info("db: connected", zap.Int32("max_conns", maxConns))
	return pool, nil
}

// WithTx runs fn in a transaction, committing on success and rolling back
// on error.
func WithTx(ctx context.Context, pool Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			zap.L().Warn("db: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "db: commit")
}
