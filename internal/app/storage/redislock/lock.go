// Package redislock serializes session operations across service replicas
// with a Redis key per account.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

const keyPrefix = "silkroad:session-lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another replica is left alone.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Locker hands out per-account locks.
type Locker struct {
	client client
	ttl    time.Duration
}

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options) (*Locker, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	l := New(rdb, opts.TTL)
	if err := l.Health(ctx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return l, rdb, nil
}

// New wraps a Redis client. A non-positive ttl defaults to 15 seconds.
func New(c client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Locker{client: c, ttl: ttl}
}

// Acquire takes the lock for accountID. It returns
// trade.ErrOperationInProgress when another holder has it.
func (l *Locker) Acquire(ctx context.Context, accountID string) (func(), error) {
	key := keyPrefix + accountID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", accountID, err)
	}
	if !ok {
		return nil, trade.ErrOperationInProgress
	}

	release := func() {
		// The caller's context may already be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.client.Eval(rctx, releaseScript, []string{key}, token).Err()
	}
	return release, nil
}

// Health pings Redis.
func (l *Locker) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
