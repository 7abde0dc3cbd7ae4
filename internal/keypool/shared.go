package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Cursor is an external rotation counter shared between pools.
// Position and Advance return the raw counter; the pool reduces it modulo its
// own length.
type Cursor interface {
	Position(ctx context.Context) (uint64, error)
	Advance(ctx context.Context) (uint64, error)
}

// RedisCursor keeps the rotation counter in a single Redis key. INCR is
// atomic, so concurrent advances from different replicas never collapse into
// one step.
type RedisCursor struct {
	rdb *redis.Client
	key string
}

// NewRedisCursor returns a cursor stored under "keypool:<name>:cursor".
func NewRedisCursor(rdb *redis.Client, name string) *RedisCursor {
	return &RedisCursor{rdb: rdb, key: "keypool:" + name + ":cursor"}
}

// Key returns the Redis key holding the counter.
func (c *RedisCursor) Key() string { return c.key }

// Position returns the current counter, 0 when it was never advanced.
func (c *RedisCursor) Position(ctx context.Context) (uint64, error) {
	n, err := c.rdb.Get(ctx, c.key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keypool: read cursor: %w", err)
	}
	return n, nil
}

// Advance increments the counter and returns the new value.
func (c *RedisCursor) Advance(ctx context.Context) (uint64, error) {
	n, err := c.rdb.Incr(ctx, c.key).Uint64()
	if err != nil {
		return 0, fmt.Errorf("keypool: advance cursor: %w", err)
	}
	return n, nil
}

// Fingerprint derives a stable, non-reversible name for a key list. Pools
// loaded from the same list share a cursor; different lists never do.
func Fingerprint(keys []string) string {
	sum := sha256.Sum256([]byte(strings.Join(keys, ",")))
	return hex.EncodeToString(sum[:8])
}
