// Package store is the relational persistence layer: users, preferences,
// templates, deliveries, and the event audit trail, all over one shared
// pgx pool.
package store

import (
	"context"
	"fmt"
	"time"

	pgxzero "github.com/jackc/pgx-zerolog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/config"
	corelogger "github.com/justinndidit/notifications-core/internal/logger"
)

const pingTimeout = 10 * time.Second

// DB wraps a pgx connection pool shared by every repository in this package.
type DB struct {
	Pool   *pgxpool.Pool
	logger *zerolog.Logger
}

func New(ctx context.Context, cfg config.DatabaseConfig, log *zerolog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx pool config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetime) * time.Second
	poolCfg.MaxConnIdleTime = time.Duration(cfg.ConnMaxIdleTime) * time.Second

	pgxLogger := corelogger.NewPgxLogger()
	poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   pgxzero.NewLogger(pgxLogger),
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("connected to the database")

	return &DB{Pool: pool, logger: log}, nil
}

func (db *DB) Close() {
	db.logger.Info().Msg("closing database connection pool")
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
}
