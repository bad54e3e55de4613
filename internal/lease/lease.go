// Package lease provides a Redis-backed mutual exclusion lease so only one worker replica
// runs a sweep per tick.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a named, token-owned lock with a TTL.
type Lease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func New(client redis.Cmdable, name string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: "lease:" + name, ttl: ttl}
}

// Handle is a held lease. Release is a no-op once the TTL has expired and someone else
// owns the key.
type Handle struct {
	lease *Lease
	token string
}

// TryAcquire takes the lease if nobody holds it. It returns ok=false without error when
// the lease is held elsewhere.
func (l *Lease) TryAcquire(ctx context.Context) (*Handle, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Handle{lease: l, token: token}, true, nil
}

// Release drops the lease if this handle still owns it.
func (h *Handle) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, h.lease.client, []string{h.lease.key}, h.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", h.lease.key, err)
	}
	return nil
}

// Extend resets the TTL if this handle still owns the lease. It returns false once the
// lease has expired and been taken elsewhere.
func (h *Handle) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, h.lease.client, []string{h.lease.key}, h.token, h.lease.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("extend %s: %w", h.lease.key, err)
	}
	return n == 1, nil
}

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
