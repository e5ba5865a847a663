package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatsink/chatsink/internal/observability"
	"github.com/chatsink/chatsink/internal/queue"
)

// pollTimeout bounds each blocking dequeue so workers notice shutdown
// promptly even on an idle queue.
const pollTimeout = 2 * time.Second

// depthInterval is how often the pool samples the queue backlog for metrics.
const depthInterval = 10 * time.Second

// Pool consumes the shared job queue with a fixed number of goroutines, one
// job at a time each. Jobs for the same entity may run on different workers
// concurrently; handlers are written to be idempotent so interleaving is safe.
type Pool struct {
	queue    *queue.Queue
	handlers *Handlers
	size     int
}

// NewPool creates a pool of size workers over the queue.
func NewPool(q *queue.Queue, h *Handlers, size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{queue: q, handlers: h, size: size}
}

// Run blocks until ctx is cancelled. Workers drain their in-flight job before
// exiting; a job interrupted mid-attempt is pushed back onto the queue, so
// shutdown never silently loses acknowledged work.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("workers", p.size).Str("queue", p.queue.Name()).Msg("worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			p.work(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.watchDepth(ctx)
		return nil
	})

	err := g.Wait()
	log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	logger.Debug().Msg("worker started")

	for {
		if ctx.Err() != nil {
			return
		}

		env, err := p.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed, backing off")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if env == nil {
			continue // poll timed out, loop to re-check ctx
		}

		p.handlers.Handle(ctx, env)
	}
}

// watchDepth keeps the backlog gauge current while the pool runs.
func (p *Pool) watchDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			observability.QueueDepth.WithLabelValues(p.queue.Name()).Set(float64(n))
		}
	}
}

// sleep waits for d or until ctx is cancelled; reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
