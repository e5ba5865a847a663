package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store hands out per-parent sequential numbers from the shared KV store.
// Redis serializes INCR, so concurrent callers across all ingest nodes see
// strictly increasing values with no duplicates.
//
// Counter values are derived state: they can always be rebuilt from the
// durable store with Raise, which never moves a counter backwards.
type Store struct {
	client *redis.Client
}

// New creates a counter store over an established Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// ChatCounterKey names the chat-number counter of an application.
// Keys embed internal IDs; they never leave the service.
func ChatCounterKey(appID int64) string {
	return fmt.Sprintf("chat_app:%d:chat_counter", appID)
}

// MessageCounterKey names the message-number counter of a chat.
func MessageCounterKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:message_counter", chatID)
}

// Next atomically increments the counter and returns the new value.
// The first call on a fresh key returns 1.
func (s *Store) Next(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("counter next %s: %w", key, err)
	}
	return n, nil
}

// Get reads the counter. The second return is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("counter get %s: %w", key, err)
	}
	return n, true, nil
}

// Set overwrites the counter unconditionally.
func (s *Store) Set(ctx context.Context, key string, n int64) error {
	if err := s.client.Set(ctx, key, n, 0).Err(); err != nil {
		return fmt.Errorf("counter set %s: %w", key, err)
	}
	return nil
}

// Reset deletes the counter; the next allocation restarts at 1.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("counter reset %s: %w", key, err)
	}
	return nil
}

// raiseScript sets the key to ARGV[1] only when that would increase it, and
// returns the resulting value. Run as Lua so the compare and the set are one
// atomic step; a rebuild racing a live allocator must never lower a counter.
const raiseScript = `
	local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
	local target = tonumber(ARGV[1])
	if target > cur then
		redis.call('SET', KEYS[1], ARGV[1])
		return target
	end
	return cur
`

// Raise moves the counter up to n if it is currently below n.
// Returns the value the counter holds afterwards.
func (s *Store) Raise(ctx context.Context, key string, n int64) (int64, error) {
	res, err := s.client.Eval(ctx, raiseScript, []string{key}, n).Result()
	if err != nil {
		return 0, fmt.Errorf("counter raise %s: %w", key, err)
	}
	val, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("counter raise %s: unexpected reply %T", key, res)
	}
	return val, nil
}

// Ping verifies the KV store is reachable, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
