package infra

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes the Redis client. Zero values keep go-redis defaults.
type RedisOptions struct {
	PoolSize int
	// BlockingClients is the number of goroutines that park on BRPOP. Each
	// holds a pooled connection while it waits, so they are added on top of
	// PoolSize.
	BlockingClients int
}

// NewRedisClient connects the client shared by the idempotency records, the
// token rate limit and the task queue, and verifies connectivity.
func NewRedisClient(ctx context.Context, url string, opts RedisOptions) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.BlockingClients > 0 {
		if opt.PoolSize == 0 {
			// go-redis default
			opt.PoolSize = 10 * runtime.GOMAXPROCS(0)
		}
		opt.PoolSize += opts.BlockingClients
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
