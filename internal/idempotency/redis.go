package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "runner-fleet:idempotency"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Lookup(ctx context.Context, scope, key string) (Response, bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return Response{}, false, err
	}
	raw, err := s.client.Get(ctx, s.responseKey(compound)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = claimOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	ok, err := s.client.SetNX(ctx, s.claimKey(compound), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Save(ctx context.Context, scope, key string, resp Response, ttl time.Duration) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.client.Set(ctx, s.responseKey(compound), raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key, owner string) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = claimOwner(owner); err != nil {
		return err
	}
	if err := releaseClaimScript.Run(ctx, s.client, []string{s.claimKey(compound)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func (s *RedisStore) responseKey(compound string) string {
	return s.prefix + ":resp:" + compound
}

func (s *RedisStore) claimKey(compound string) string {
	return s.prefix + ":claim:" + compound
}

// Deletes the claim only while owner still holds it.
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
