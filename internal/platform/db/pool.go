package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	applicationName = "edflow"
	connIdleTime    = 5 * time.Minute
	healthPeriod    = 30 * time.Second
	pingTimeout     = 10 * time.Second
)

// PoolConfig parses databaseURL and applies the pool bounds. Sessions are
// tagged with application_name so ED connections stand out in pg_stat_activity.
func PoolConfig(databaseURL string, maxConns, minConns int32) (*pgxpool.Config, error) {
	if maxConns < 1 {
		return nil, fmt.Errorf("db max conns must be at least 1, got %d", maxConns)
	}
	if minConns < 0 || minConns > maxConns {
		return nil, fmt.Errorf("db min conns must be within 0..%d, got %d", maxConns, minConns)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnIdleTime = connIdleTime
	cfg.HealthCheckPeriod = healthPeriod
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return cfg, nil
}

// NewPool opens the pool and pings once so a bad DATABASE_URL fails at startup.
// Errors name host and database, never the password.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(databaseURL, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool to %s: %w", target, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", target, err)
	}
	return pool, nil
}
