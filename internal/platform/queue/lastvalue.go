package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// LastValueStore holds the latest pending item per key of a last-value queue.
type LastValueStore interface {
	// Put stores item under its key. With replace unset an existing pending
	// value is kept. newlyPending reports whether the key was not pending before.
	Put(ctx context.Context, queue string, item Item, replace bool) (newlyPending bool, err error)
	// Peek returns the pending item for key without removing it, so a
	// consumer crash before settlement leaves it in place for redelivery.
	Peek(ctx context.Context, queue, key string) (Item, bool, error)
	// Settle removes the pending value for item.Key if it is still item.
	// newer reports that a different value replaced it in the meantime.
	Settle(ctx context.Context, queue string, item Item) (newer bool, err error)
}

// RedisLastValues keeps pending values in one Redis hash per queue.
type RedisLastValues struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLastValues creates a store whose hashes are named prefix+queue.
func NewRedisLastValues(client redis.UniversalClient, prefix string) *RedisLastValues {
	return &RedisLastValues{client: client, prefix: prefix}
}

func (s *RedisLastValues) hash(queue string) string { return s.prefix + queue }

func (s *RedisLastValues) Put(ctx context.Context, queue string, item Item, replace bool) (bool, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}
	if replace {
		added, err := s.client.HSet(ctx, s.hash(queue), item.Key, raw).Result()
		if err != nil {
			return false, err
		}
		return added == 1, nil
	}
	return s.client.HSetNX(ctx, s.hash(queue), item.Key, raw).Result()
}

func (s *RedisLastValues) Peek(ctx context.Context, queue, key string) (Item, bool, error) {
	raw, err := s.client.HGet(ctx, s.hash(queue), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, false, fmt.Errorf("decode pending item %s/%s: %w", queue, key, err)
	}
	return item, true, nil
}

// settleScript deletes the field only while it still holds the given item
// id. Returns 1 when another value is pending under the key.
var settleScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
if cjson.decode(raw).id == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
return 1
`)

func (s *RedisLastValues) Settle(ctx context.Context, queue string, item Item) (bool, error) {
	n, err := settleScript.Run(ctx, s.client, []string{s.hash(queue)}, item.Key, item.ID).Int()
	if err != nil {
		return false, fmt.Errorf("settle pending item %s/%s: %w", queue, item.Key, err)
	}
	return n == 1, nil
}
