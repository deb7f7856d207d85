package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// unlockScript deletes the key only if it still holds our token, so a lock
// that expired and was taken by someone else is left alone.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisOptions tunes a Redis locker.
type RedisOptions struct {
	// Prefix is prepended to every key, e.g. "ledger:lock:".
	Prefix string
	// TTL is the lock lease. It must exceed the longest critical section.
	TTL time.Duration
	// RetryInterval is the pause between SET NX attempts.
	RetryInterval time.Duration
}

// Redis is a distributed ledger.Locker.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "ledger:lock:"
	}
	return &Redis{client: client, opts: opts}
}

// Acquire retries SET NX until it wins or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	full := r.opts.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-time.After(r.opts.RetryInterval):
		}
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(uctx, r.client, []string{full}, token).Err(); err != nil {
			log.WithFields(log.Fields{"key": full, "error": err}).Warn("failed to release redis lock")
		}
	}, nil
}
