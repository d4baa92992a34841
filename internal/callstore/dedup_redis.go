package callstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedDedup is an optional cross-instance processed-event set. When
// multiple instances sit behind one webhook URL, the local dedup set is not
// enough: the instance that did not apply an event has never seen its id.
type SharedDedup interface {
	// Seen reports whether the event id was already marked by any instance.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event id. Marking an already-marked id is a no-op.
	Mark(ctx context.Context, eventID string) error
}

// RedisDedup implements SharedDedup on Redis with SET NX + TTL, so the set
// does not grow without bound across vendor redelivery windows.
type RedisDedup struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDedup(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDedup {
	if prefix == "" {
		prefix = "callbridge:evt:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string) (bool, error) {
	if d.rdb == nil {
		return false, fmt.Errorf("callstore: redis client is nil")
	}
	n, err := d.rdb.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDedup) Mark(ctx context.Context, eventID string) error {
	if d.rdb == nil {
		return fmt.Errorf("callstore: redis client is nil")
	}
	return d.rdb.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Err()
}
