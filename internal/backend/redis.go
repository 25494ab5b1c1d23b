package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a backend on a single Redis endpoint.
type Redis struct {
	name   string
	prefix string
	cli    *redis.Client
	logger *slog.Logger
}

// NewRedis connects lazily; the first command dials. Use Ping to check
// reachability.
func NewRedis(opts Options, logger *slog.Logger) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("backend %q: redis addr is required", opts.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		// Failover is decided by the route graph, not by the client.
		MaxRetries: -1,
	})
	return &Redis{name: opts.Name, prefix: opts.Prefix, cli: cli, logger: logger}, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.cli.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.cli.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	n, err := r.cli.Del(ctx, r.key(key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if err := r.cli.Close(); err != nil {
		r.logger.Warn("redis close failed", "backend", r.name, "error", err)
		return err
	}
	return nil
}
