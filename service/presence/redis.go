package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: presence:<identity>
// Value is the gateway node id; the TTL bounds staleness if a node dies
// without deleting its keys.
func presenceKey(identity string) string { return "presence:" + identity }

// RedisMirror replicates online/offline transitions into redis for
// cross-node StatusOf lookups.
type RedisMirror struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisMirror(rdb *redis.Client, nodeID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (m *RedisMirror) Online(ctx context.Context, identity string) error {
	return m.rdb.Set(ctx, presenceKey(identity), m.nodeID, m.ttl).Err()
}

func (m *RedisMirror) Offline(ctx context.Context, identity string) error {
	return m.rdb.Del(ctx, presenceKey(identity)).Err()
}

// Lookup answers whether the identity is online anywhere in the cluster and
// on which node.
func (m *RedisMirror) Lookup(ctx context.Context, identity string) (nodeID string, online bool, err error) {
	val, err := m.rdb.Get(ctx, presenceKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
