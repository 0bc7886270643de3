package syncutil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/affiliate/internal/idgen"
)

// releaseScript deletes the lock only if it still holds our token, so a lock
// that expired and was taken by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX with a TTL. The TTL bounds how long
// a crashed holder can block a key; it must exceed the longest critical
// section.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a distributed locker. Keys are stored as prefix+key.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
	}
}

// LockContext polls SET NX until it wins or ctx ends.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := idgen.New()

	wait := l.poll
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, lockErr(ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", lockKey, err)
		}
		if ok {
			return func() {
				// Release with a fresh context: the caller's may already be done.
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.client, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, lockErr(ctx.Err())
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}
