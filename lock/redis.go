package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

// RedisConfig holds distributed lock settings.
type RedisConfig struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	TTL      time.Duration `toml:"ttl"`
	Retries  int           `toml:"retries"`
	Backoff  time.Duration `toml:"backoff"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		TTL:     30 * time.Second,
		Retries: 50,
		Backoff: 100 * time.Millisecond,
	}
}

// Redis is a ledger.Locker backed by Redis.
type Redis struct {
	client *redislock.Client
	cfg    RedisConfig
	log    zerolog.Logger
}

var _ ledger.Locker = (*Redis)(nil)

// NewRedis wraps an existing Redis client.
func NewRedis(rdb redislock.RedisClient, cfg RedisConfig) *Redis {
	return &Redis{
		client: redislock.New(rdb),
		cfg:    cfg,
		log:    logger.WithComponent("lock"),
	}
}

// Connect dials Redis and checks it with a ping.
func Connect(ctx context.Context, cfg RedisConfig) (*Redis, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedis(rdb, cfg), rdb, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.cfg.Backoff), r.cfg.Retries),
	}
	l, err := r.client.Obtain(ctx, key, r.cfg.TTL, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		r.log.Warn().Str("key", key).Msg("could not obtain lock")
		return nil, fmt.Errorf("%w: %s is held elsewhere", ledger.ErrConcurrencyConflict, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// The caller's ctx may already be cancelled.
		if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Error().Err(err).Str("key", key).Msg("release lock")
		}
	}, nil
}
