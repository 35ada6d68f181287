package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldsync/internal/domain"
)

// redisKeys centralizes key construction for one queue namespace.
type redisKeys struct {
	Snapshot string
	Lease    string
}

func keysFor(prefix string) redisKeys {
	if prefix == "" {
		prefix = "fieldsync"
	}
	p := prefix + ":{queue}:"
	return redisKeys{Snapshot: p + "snapshot", Lease: p + "lease"}
}

// acquireScript takes the lease when it is free or already ours, refreshing the TTL.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the lease only when ARGV[1] still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis stores the snapshot under one key, so SET gives atomic replacement.
type Redis struct {
	rdb   redis.UniversalClient
	keys  redisKeys
	owned bool
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, keys: keysFor(prefix)}
}

func (r *Redis) Load(ctx context.Context) ([]domain.QueuedAction, error) {
	data, err := r.rdb.Get(ctx, r.keys.Snapshot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (r *Redis) Save(ctx context.Context, actions []domain.QueuedAction) error {
	data, err := encodeSnapshot(actions)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, r.keys.Snapshot, data, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (r *Redis) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.rdb, []string{r.keys.Lease}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.keys.Lease}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
