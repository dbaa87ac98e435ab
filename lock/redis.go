package lock

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	DefaultTTL           = 10 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
	DefaultPrefix        = "ledger:lock:"
)

// Redis is a lease-based lock shared by every process using the same
// Redis. The TTL bounds how long a crashed holder blocks the key.
type Redis struct {
	client        redis.Cmdable
	ttl           time.Duration
	retryInterval time.Duration
	prefix        string
	newToken      func() string
	log           logrus.FieldLogger
}

type RedisOption func(*Redis)

func WithTTL(d time.Duration) RedisOption           { return func(r *Redis) { r.ttl = d } }
func WithRetryInterval(d time.Duration) RedisOption { return func(r *Redis) { r.retryInterval = d } }
func WithPrefix(p string) RedisOption               { return func(r *Redis) { r.prefix = p } }
func WithLogger(l logrus.FieldLogger) RedisOption   { return func(r *Redis) { r.log = l } }

// withTokens is used by tests to make lock tokens predictable.
func withTokens(f func() string) RedisOption { return func(r *Redis) { r.newToken = f } }

func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	r := &Redis{
		client:        client,
		ttl:           DefaultTTL,
		retryInterval: DefaultRetryInterval,
		prefix:        DefaultPrefix,
		newToken:      uuid.NewString,
		log:           discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls SET NX until it wins or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := r.newToken()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.unlocker(k, token), nil
		}

		t := time.NewTimer(r.retryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Redis) unlocker(k, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be canceled; release anyway.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int64()
		if err != nil {
			r.log.WithError(err).WithField("lock_key", k).Warn("lock release failed; lease will expire")
			return
		}
		if n == 0 {
			r.log.WithField("lock_key", k).Warn("lock lease expired before release")
		}
	}
}
