package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/datashelf/internal/adapter/repo/postgres"
)

// DBCheck probes the Postgres pool.
func DBCheck(pool postgres.PgxPool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var one int
		if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("op=readiness.db: %w", err)
		}
		return nil
	}
}

// RedisCheck probes the cache entry store.
func RedisCheck(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("op=readiness.redis: %w", err)
		}
		return nil
	}
}

// Pinger is anything with a context-aware liveness probe (blob store,
// renderer).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger into a readiness check. A nil pinger reports
// healthy so optional dependencies do not degrade the service.
func PingCheck(p Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return p.Ping(ctx)
	}
}
