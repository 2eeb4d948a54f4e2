package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   string
	MaxConnIdleTime   string
	HealthCheckPeriod string
}

func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns >= 0 {
		cfg.MinConns = opts.MinConns
	}

	set := func(name, val string, dst *time.Duration) error {
		if val == "" {
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := set("DB_POOL_MAX_CONN_LIFETIME", opts.MaxConnLifetime, &cfg.MaxConnLifetime); err != nil {
		return nil, err
	}
	if err := set("DB_POOL_MAX_CONN_IDLE_TIME", opts.MaxConnIdleTime, &cfg.MaxConnIdleTime); err != nil {
		return nil, err
	}
	if err := set("DB_POOL_HEALTH_CHECK_PERIOD", opts.HealthCheckPeriod, &cfg.HealthCheckPeriod); err != nil {
		return nil, err
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}
