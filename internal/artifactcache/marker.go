package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker is a shared "in progress" flag per cache entry, used to coordinate
// producers running in different processes. Owner identifies the holder so
// that only it can refresh or release the flag.
type Marker interface {
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, id, owner string, ttl time.Duration) error
	Release(ctx context.Context, id, owner string) error
	Held(ctx context.Context, id string) (bool, error)
}

var errMarkerLost = errors.New("production marker lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisMarker keeps markers as expiring redis keys.
type RedisMarker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisMarker namespaces every marker key with prefix.
func NewRedisMarker(rdb *redis.Client, prefix string) *RedisMarker {
	if prefix == "" {
		prefix = "configurator"
	}
	return &RedisMarker{rdb: rdb, prefix: prefix}
}

func (m *RedisMarker) key(id string) string {
	return fmt.Sprintf("%s:produce:%s", m.prefix, id)
}

func (m *RedisMarker) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, m.key(id), owner, ttl).Result()
}

func (m *RedisMarker) Refresh(ctx context.Context, id, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, m.rdb, []string{m.key(id)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errMarkerLost
	}
	return nil
}

func (m *RedisMarker) Release(ctx context.Context, id, owner string) error {
	return releaseScript.Run(ctx, m.rdb, []string{m.key(id)}, owner).Err()
}

func (m *RedisMarker) Held(ctx context.Context, id string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping verifies redis connectivity.
func (m *RedisMarker) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

func (m *RedisMarker) Close() error {
	return m.rdb.Close()
}
