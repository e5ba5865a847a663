package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// deadKey is the shared dead-letter list: jobs that exhausted their retry
// budget land here with failure metadata for operators.
const deadKey = "queue:dead"

// Queue is a FIFO job broker over a Redis list. Producers LPUSH, consumers
// BRPOP, so entries come out in arrival order. Both the ingest front-end and
// any sidecar runtime write the same envelope to the same key.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a queue with a logical name ("default" in production).
func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

// Key returns the Redis key holding the pending jobs.
func (q *Queue) Key() string {
	return "queue:" + q.name
}

// Name returns the logical queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue appends a job. The queue name is stamped into the envelope so
// consumers can attribute entries when several queues share a broker.
func (q *Queue) Enqueue(ctx context.Context, env *Envelope) error {
	if env.Queue == "" {
		env.Queue = q.name
	}
	for i := range env.Args {
		if env.Args[i].QueueName == "" {
			env.Args[i].QueueName = q.name
		}
	}

	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.Key(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.JobClass(), err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. Returns (nil, nil) when the
// wait times out, so pollers can re-check their context and loop.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	res, err := q.client.BRPop(ctx, timeout, q.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP replies [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d parts", len(res))
	}

	env, err := ParseEnvelope([]byte(res[1]))
	if err != nil {
		log.Warn().Err(err).Str("raw", truncate(res[1], 256)).Msg("dropping undecodable job")
		return nil, nil
	}
	return env, nil
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.Key()).Result()
}

// Ping verifies the broker is reachable, used by health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// DeadLetter is a failed job plus the reason it was parked.
type DeadLetter struct {
	Job      *Envelope `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetter parks a job that exhausted its retries. The error-level log is
// the operator alert; the list is the inspectable stream.
func (q *Queue) DeadLetter(ctx context.Context, env *Envelope, cause error) error {
	dl := DeadLetter{Job: env, Error: cause.Error(), FailedAt: time.Now().UTC()}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, deadKey, raw).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", env.JobClass(), err)
	}
	log.Error().
		Str("job_class", env.JobClass()).
		Str("job_id", env.JobID()).
		Str("error", cause.Error()).
		Msg("job moved to dead-letter queue")
	return nil
}

// DeadLetters returns up to limit parked jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable dead letter")
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadDepth returns the dead-letter backlog size.
func (q *Queue) DeadDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadKey).Result()
}

// RequeueDead moves up to n parked jobs back onto the queue, oldest first.
// Returns how many were requeued.
func (q *Queue) RequeueDead(ctx context.Context, n int) (int, error) {
	moved := 0
	for i := 0; i < n; i++ {
		raw, err := q.client.RPop(ctx, deadKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("pop dead letter: %w", err)
		}

		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.Job == nil {
			log.Warn().Err(err).Msg("dropping undecodable dead letter on requeue")
			continue
		}
		if err := q.Enqueue(ctx, dl.Job); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// PurgeDead drops the whole dead-letter list. Returns the number of entries
// discarded.
func (q *Queue) PurgeDead(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, deadKey).Result()
	if err != nil {
		return 0, err
	}
	if err := q.client.Del(ctx, deadKey).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
