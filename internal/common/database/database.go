// Package database opens the Postgres pool behind the login activity store
// and the Redis client behind the risk cache.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
)

// PoolOptions sizes the connection pools. Zero fields keep the defaults.
type PoolOptions struct {
	MaxConns     int32
	MinConns     int32
	RedisPool    int
	RedisTimeout time.Duration
}

// DefaultPoolOptions suits a single risk-service replica.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:  20,
		MinConns:  2,
		RedisPool: 10,
		// cache reads sit on the login path
		RedisTimeout: 500 * time.Millisecond,
	}
}

func (o PoolOptions) withDefaults() PoolOptions {
	d := DefaultPoolOptions()
	if o.MaxConns > 0 {
		d.MaxConns = o.MaxConns
	}
	if o.MinConns > 0 && o.MinConns <= d.MaxConns {
		d.MinConns = o.MinConns
	}
	if o.RedisPool > 0 {
		d.RedisPool = o.RedisPool
	}
	if o.RedisTimeout > 0 {
		d.RedisTimeout = o.RedisTimeout
	}
	return d
}

// PostgresDB holds the pgx pool used by the activity store.
type PostgresDB struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects to url and fails unless the server answers a ping.
func NewPostgres(ctx context.Context, url string, opts PoolOptions) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	opts = opts.withDefaults()
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresDB{Pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.Pool.Close()
	return nil
}

// Ping is used by the readiness probe.
func (db *PostgresDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// RedisClient holds the go-redis client shared by the caches, the
// reputation lists and the rate limiter.
type RedisClient struct {
	Client *redis.Client
}

// NewRedis parses a redis:// url and fails unless the server answers a ping.
func NewRedis(ctx context.Context, url string, opts PoolOptions) (*RedisClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts = opts.withDefaults()
	opt.PoolSize = opts.RedisPool
	opt.MinIdleConns = 2
	opt.MaxRetries = 2
	opt.DialTimeout = pingTimeout
	opt.ReadTimeout = opts.RedisTimeout
	opt.WriteTimeout = opts.RedisTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// Ping is used by the readiness probe.
func (r *RedisClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return r.Client.Ping(ctx).Err()
}
