package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager shares leases across controller instances.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "runner-fleet:lease"
	}
	return &RedisManager{client: client, prefix: normalized}
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	req, err := normalize(resource, owner, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	token, err := m.client.Incr(ctx, m.seqKey(req.resource)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease incr token: %w", err)
	}

	acquired, err := m.client.SetNX(ctx, m.holdKey(req.resource), holdValue(req.owner, token), req.ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease setnx: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(req.ttl)}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	req, err := normalizeHeld(resource, owner, token, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	renewed, err := renewLeaseScript.Run(ctx, m.client, []string{m.holdKey(req.resource)}, holdValue(req.owner, token), req.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("lease renew: %w", err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	return Lease{Token: token, ExpiresAt: time.Now().UTC().Add(req.ttl)}, true, nil
}

func (m *RedisManager) Release(ctx context.Context, resource, owner string, token uint64) error {
	req, err := normalizeHeld(resource, owner, token, 0)
	if err != nil {
		return err
	}

	_, err = releaseLeaseScript.Run(ctx, m.client, []string{m.holdKey(req.resource)}, holdValue(req.owner, token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

func (m *RedisManager) holdKey(resource string) string {
	return m.prefix + ":hold:" + resource
}

func (m *RedisManager) seqKey(resource string) string {
	return m.prefix + ":seq:" + resource
}

func holdValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
