package deduplication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hookvault/internal/constants"
	"hookvault/internal/eventstore"
)

// KeyLedger records which event owns an application idempotency key.
// Claim is re-entrant: the owner claiming again succeeds.
type KeyLedger interface {
	Claim(ctx context.Context, key, eventID string) (owner string, claimed bool, err error)
	Release(ctx context.Context, eventID string, keys []string) error
}

// StoreLedger keeps claims next to the events in the event store.
type StoreLedger struct {
	keys eventstore.KeyStore
}

func NewStoreLedger(keys eventstore.KeyStore) *StoreLedger {
	return &StoreLedger{keys: keys}
}

func (l *StoreLedger) Claim(ctx context.Context, key, eventID string) (string, bool, error) {
	return l.keys.ClaimIdempotencyKey(ctx, key, eventID)
}

func (l *StoreLedger) Release(ctx context.Context, eventID string, _ []string) error {
	return l.keys.ReleaseIdempotencyKeys(ctx, eventID)
}

// releaseScript deletes each key only while it still names the releasing event.
var releaseScript = redis.NewScript(`
local released = 0
for i, key in ipairs(KEYS) do
	if redis.call('GET', key) == ARGV[1] then
		redis.call('DEL', key)
		released = released + 1
	end
end
return released
`)

// RedisLedger claims keys with SET NX and a TTL; claims expire on their own after ttl.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func redisKey(key string) string {
	return constants.CacheKeyPrefixIdempotency + key
}

func (l *RedisLedger) Claim(ctx context.Context, key, eventID string) (string, bool, error) {
	ok, err := l.client.SetNX(ctx, redisKey(key), eventID, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	if ok {
		return eventID, true, nil
	}

	owner, err := l.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired or released between the two calls; try once more
		return l.claimOnce(ctx, key, eventID)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET failed: %w", err)
	}
	return owner, owner == eventID, nil
}

func (l *RedisLedger) claimOnce(ctx context.Context, key, eventID string) (string, bool, error) {
	ok, err := l.client.SetNX(ctx, redisKey(key), eventID, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	if ok {
		return eventID, true, nil
	}
	return "", false, fmt.Errorf("idempotency key %q contended", key)
}

func (l *RedisLedger) Release(ctx context.Context, eventID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, redisKey(k))
	}
	if err := releaseScript.Run(ctx, l.client, redisKeys, eventID).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
