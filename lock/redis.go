/*
Package lock provides the distributed inventory.Locker.

PURPOSE:
  The in-process KeyedMutex only serializes one server. When several
  instances share a PostgreSQL database, the pair lock is also taken in
  Redis (bsm/redislock) so two instances never race on the same
  (warehouse, product) pair. The position CAS still catches anything
  that slips through, e.g. a lock that expired mid-transaction.

LOCK ORDER:
  local KeyedMutex first, then Redis. Goroutines of one instance queue
  on the mutex instead of polling Redis.

SEE ALSO:
  - inventory/locker.go: Locker, KeyedMutex, sorted multi-pair locking
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/config"
	"github.com/warp/fuel-ledger/inventory"
)

// ErrNotObtained is returned when the Redis lock stays taken for a whole
// TTL. It is a concurrent modification: the client may retry.
var ErrNotObtained = fmt.Errorf("pair lock not obtained: %w", inventory.ErrConcurrentModification)

const keyPrefix = "fuel-ledger:"

type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Redis is an inventory.Locker backed by Redis.
type Redis struct {
	client     obtainer
	local      *inventory.KeyedMutex
	ttl        time.Duration
	retryEvery time.Duration
	logger     *logrus.Logger
}

var _ inventory.Locker = (*Redis)(nil)

// NewRedis builds a locker on an already connected client.
func NewRedis(rdb *redis.Client, cfg config.RedisConfig, logger *logrus.Logger) *Redis {
	return newRedis(redislock.New(rdb), cfg, logger)
}

func newRedis(client obtainer, cfg config.RedisConfig, logger *logrus.Logger) *Redis {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := cfg.RetryEvery
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Redis{
		client:     client,
		local:      inventory.NewKeyedMutex(),
		ttl:        ttl,
		retryEvery: retry,
		logger:     logger,
	}
}

// Lock takes key locally and in Redis. Waiting is bounded by ctx and by
// one TTL.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	obtainCtx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()
	held, err := r.client.Obtain(obtainCtx, keyPrefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retryEvery),
	})
	if err != nil {
		unlockLocal()
		if errors.Is(err, redislock.ErrNotObtained) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.WithField("key", key).Warn("could not obtain redis lock")
			return nil, fmt.Errorf("%s: %w", key, ErrNotObtained)
		}
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.WithField("key", key).WithError(err).Warn("failed to release redis lock")
			}
			unlockLocal()
		})
	}, nil
}

// Connect opens a client and pings it, retrying with exponential backoff
// until ctx is done.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 100,
	})
	for attempt := 1; ; attempt++ {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			logger.WithFields(logrus.Fields{"addr": cfg.Addr, "attempt": attempt}).Info("connected to redis")
			return rdb, nil
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		logger.WithFields(logrus.Fields{"addr": cfg.Addr, "attempt": attempt}).
			WithError(err).Warnf("failed to connect redis, retrying in %s", sleep)
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
		case <-time.After(sleep):
		}
	}
}
