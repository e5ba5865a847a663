package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/observability"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/store"
)

// Job outcomes recorded in metrics. dropped covers malformed envelopes and
// duplicate-number collisions; swallowed is the index give-up path that the
// reconciler heals; dead means the job landed on the dead-letter list.
const (
	outcomeOK        = "ok"
	outcomeDropped   = "dropped"
	outcomeSwallowed = "swallowed"
	outcomeDead      = "dead"
	outcomeRequeued  = "requeued"
)

const (
	reindexBatchSize   = 500
	reindexParallelism = 4
)

// Handlers executes the job classes carried on the queue. All handlers are
// idempotent or collision-safe, so the at-least-once delivery of the queue
// and concurrent workers never corrupt state.
type Handlers struct {
	Apps     *store.ApplicationStore
	Chats    *store.ChatStore
	Messages *store.MessageStore
	Counter  *counter.Store
	Queue    *queue.Queue
	Search   *search.Client

	// MaxRetries bounds retries for transient failures (not counting the
	// first attempt). Zero means the default of 5.
	MaxRetries int
	// RetryBase is the first backoff delay, doubling per retry. Zero means
	// the class default: 500ms, or 1s for index jobs.
	RetryBase time.Duration
	// JobTimeout bounds each attempt. Zero disables the per-attempt timeout.
	JobTimeout time.Duration
}

// Handle runs one job to completion, applying the retry and failure policy
// of its class, and records the outcome.
func (h *Handlers) Handle(ctx context.Context, env *queue.Envelope) {
	class := env.JobClass()
	logger := log.With().Str("job_class", class).Str("job_id", env.JobID()).Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	outcome := h.dispatch(ctx, env)

	observability.JobsProcessed.WithLabelValues(class, outcome).Inc()
	observability.JobDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
	logger.Debug().Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("job finished")
}

func (h *Handlers) dispatch(ctx context.Context, env *queue.Envelope) string {
	class := env.JobClass()
	args := env.Arguments()

	var fn func(context.Context) error
	switch class {
	case queue.ClassPersistChat:
		appID, err1 := queue.Int64Arg(args, 0)
		number, err2 := queue.Int64Arg(args, 1)
		if err := firstErr(err1, err2); err != nil {
			return h.malformed(ctx, err)
		}
		fn = func(ctx context.Context) error { return h.persistChat(ctx, appID, number) }

	case queue.ClassPersistMessage:
		chatID, err1 := queue.Int64Arg(args, 0)
		number, err2 := queue.Int64Arg(args, 1)
		body, err3 := queue.StringArg(args, 2)
		if err := firstErr(err1, err2, err3); err != nil {
			return h.malformed(ctx, err)
		}
		fn = func(ctx context.Context) error { return h.persistMessage(ctx, chatID, number, body) }

	case queue.ClassRecomputeAppCount:
		appID, err := queue.Int64Arg(args, 0)
		if err != nil {
			return h.malformed(ctx, err)
		}
		fn = func(ctx context.Context) error { return h.recomputeAppCount(ctx, appID) }

	case queue.ClassRecomputeChatCount:
		chatID, err := queue.Int64Arg(args, 0)
		if err != nil {
			return h.malformed(ctx, err)
		}
		fn = func(ctx context.Context) error { return h.recomputeChatCount(ctx, chatID) }

	case queue.ClassIndexMessage:
		messageID, err := queue.Int64Arg(args, 0)
		if err != nil {
			return h.malformed(ctx, err)
		}
		fn = func(ctx context.Context) error { return h.indexMessage(ctx, messageID) }

	case queue.ClassReindexAll:
		fn = h.reindexAll

	case queue.ClassRebuildCounters:
		fn = h.rebuildCounters

	default:
		log.Ctx(ctx).Warn().Msg("unknown job class, dropping")
		return outcomeDropped
	}

	err := h.run(ctx, class, fn)
	switch {
	case err == nil:
		return outcomeOK

	case errors.Is(err, store.ErrDuplicateNumber):
		// The number is already persisted, so the acknowledged write is
		// durable under some earlier job; retrying would violate uniqueness.
		// The gap this may leave in the sequence is accepted.
		log.Ctx(ctx).Warn().Msg("duplicate (parent, number) on insert, dropping job")
		return outcomeDropped

	case ctx.Err() != nil:
		// Shutdown interrupted the job after BRPOP already removed it from
		// the queue. Push it back so the acknowledged write is not lost.
		h.requeue(env)
		return outcomeRequeued

	case class == queue.ClassIndexMessage:
		log.Ctx(ctx).Warn().Err(err).Msg("indexing failed after retries, leaving to index reconciler")
		return outcomeSwallowed

	default:
		observability.DeadLetters.WithLabelValues(class).Inc()
		if dlErr := h.Queue.DeadLetter(ctx, env, err); dlErr != nil {
			log.Ctx(ctx).Error().Err(dlErr).Msg("failed to park job on dead-letter list")
		}
		return outcomeDead
	}
}

// run executes fn with per-attempt timeouts and exponential backoff between
// attempts, per the class retry policy.
func (h *Handlers) run(ctx context.Context, class string, fn func(context.Context) error) error {
	policy := h.policyFor(class)

	var err error
	for retry := 0; ; retry++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrDuplicateNumber) || ctx.Err() != nil || retry >= policy.maxRetries {
			return err
		}

		observability.JobRetries.WithLabelValues(class).Inc()
		delay := policy.delay(retry)
		log.Ctx(ctx).Warn().Err(err).Int("retry", retry+1).Dur("backoff", delay).Msg("job attempt failed, backing off")
		if !sleep(ctx, delay) {
			return err
		}
	}
}

// attempt runs fn once under the per-attempt timeout, converting panics into
// errors so a bad job cannot take a worker down.
func (h *Handlers) attempt(ctx context.Context, fn func(context.Context) error) (err error) {
	if h.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (h *Handlers) malformed(ctx context.Context, err error) string {
	log.Ctx(ctx).Warn().Err(err).Msg("malformed job arguments, dropping")
	return outcomeDropped
}

// requeue pushes an interrupted job back onto the queue. The pool's context
// is already cancelled here, so the push runs under its own deadline.
func (h *Handlers) requeue(env *queue.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Queue.Enqueue(ctx, env); err != nil {
		log.Error().Err(err).
			Str("job_class", env.JobClass()).
			Str("job_id", env.JobID()).
			Msg("failed to requeue job interrupted by shutdown")
	}
}

// retryPolicy is the backoff schedule for one job class: delay(i) doubles
// from base, so the index policy of base 1s yields the 1s/2s/4s ladder.
type retryPolicy struct {
	base       time.Duration
	maxRetries int
}

func (p retryPolicy) delay(retry int) time.Duration {
	return p.base << retry
}

func (h *Handlers) policyFor(class string) retryPolicy {
	if class == queue.ClassIndexMessage {
		p := retryPolicy{base: time.Second, maxRetries: 3}
		if h.RetryBase > 0 {
			p.base = h.RetryBase
		}
		return p
	}

	p := retryPolicy{base: 500 * time.Millisecond, maxRetries: h.MaxRetries}
	if h.RetryBase > 0 {
		p.base = h.RetryBase
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 5
	}
	return p
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// persistChat inserts the chat row acknowledged by the front-end and chains
// the advisory-count recompute.
func (h *Handlers) persistChat(ctx context.Context, appID, number int64) error {
	chat, err := h.Chats.Create(ctx, appID, number)
	if err != nil {
		return err
	}

	if err := h.Queue.Enqueue(ctx, queue.RecomputeAppCount(appID)); err != nil {
		// The row is durable; the periodic count reconciler will converge.
		log.Ctx(ctx).Warn().Err(err).Int64("app_id", appID).Msg("failed to enqueue recount after chat insert")
	}

	log.Ctx(ctx).Debug().Int64("app_id", appID).Int64("number", number).Int64("chat_id", chat.ID).Msg("chat persisted")
	return nil
}

// persistMessage inserts the message row and chains the recount and the
// index write.
func (h *Handlers) persistMessage(ctx context.Context, chatID, number int64, body string) error {
	msg, err := h.Messages.Create(ctx, chatID, number, body)
	if err != nil {
		return err
	}

	if err := h.Queue.Enqueue(ctx, queue.RecomputeChatCount(chatID)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Int64("chat_id", chatID).Msg("failed to enqueue recount after message insert")
	}
	if err := h.Queue.Enqueue(ctx, queue.IndexMessage(msg.ID)); err != nil {
		// The index reconciler notices the count drift and replays.
		log.Ctx(ctx).Warn().Err(err).Int64("message_id", msg.ID).Msg("failed to enqueue index job after message insert")
	}

	log.Ctx(ctx).Debug().Int64("chat_id", chatID).Int64("number", number).Int64("message_id", msg.ID).Msg("message persisted")
	return nil
}

func (h *Handlers) recomputeAppCount(ctx context.Context, appID int64) error {
	count, err := h.Apps.RecountChats(ctx, appID)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Debug().Int64("app_id", appID).Int64("chats_count", count).Msg("application count recomputed")
	return nil
}

func (h *Handlers) recomputeChatCount(ctx context.Context, chatID int64) error {
	count, err := h.Chats.RecountMessages(ctx, chatID)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Debug().Int64("chat_id", chatID).Int64("messages_count", count).Msg("chat count recomputed")
	return nil
}

// indexMessage writes one message document to the search index.
func (h *Handlers) indexMessage(ctx context.Context, messageID int64) error {
	msg, err := h.Messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		// A cascade delete can remove the row before the job runs.
		log.Ctx(ctx).Warn().Int64("message_id", messageID).Msg("message vanished before indexing")
		return nil
	}

	return h.Search.IndexMessage(ctx, search.Document{
		ID:        msg.ID,
		Body:      msg.Body,
		ChatID:    msg.ChatID,
		Number:    msg.Number,
		CreatedAt: msg.CreatedAt,
	})
}

// reindexAll replays every persisted message into the search index. Bulk
// batches overlap under a bounded group; document IDs make the replay
// overwrite rather than duplicate.
func (h *Handlers) reindexAll(ctx context.Context) error {
	if err := h.Search.EnsureIndex(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexParallelism)

	var total int64
	err := h.Messages.ListAll(ctx, reindexBatchSize, func(batch []store.Message) error {
		if gctx.Err() != nil {
			return gctx.Err()
		}
		docs := make([]search.Document, 0, len(batch))
		for _, m := range batch {
			docs = append(docs, search.Document{
				ID:        m.ID,
				Body:      m.Body,
				ChatID:    m.ChatID,
				Number:    m.Number,
				CreatedAt: m.CreatedAt,
			})
		}
		total += int64(len(docs))
		g.Go(func() error { return h.Search.BulkIndex(gctx, docs) })
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Int64("documents", total).Msg("full reindex complete")
	return nil
}

// rebuildCounters raises every counter to the max child number in the
// durable store. Raising is atomic and never lowers, so a rebuild racing
// live allocations is safe.
func (h *Handlers) rebuildCounters(ctx context.Context) error {
	raised := 0

	apps, err := h.Apps.MaxChatNumbers(ctx)
	if err != nil {
		return err
	}
	for _, pm := range apps {
		if pm.MaxNumber == 0 {
			continue
		}
		ok, err := h.raiseTo(ctx, counter.ChatCounterKey(pm.ParentID), pm.MaxNumber)
		if err != nil {
			return err
		}
		if ok {
			raised++
		}
	}

	chats, err := h.Chats.MaxMessageNumbers(ctx)
	if err != nil {
		return err
	}
	for _, pm := range chats {
		if pm.MaxNumber == 0 {
			continue
		}
		ok, err := h.raiseTo(ctx, counter.MessageCounterKey(pm.ParentID), pm.MaxNumber)
		if err != nil {
			return err
		}
		if ok {
			raised++
		}
	}

	log.Ctx(ctx).Info().Int("raised", raised).Msg("counters rebuilt from durable store")
	return nil
}

// raiseTo lifts a counter to target when it is behind. The read is only for
// reporting; the Raise itself is the atomic set-if-greater.
func (h *Handlers) raiseTo(ctx context.Context, key string, target int64) (bool, error) {
	cur, ok, err := h.Counter.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if ok && cur >= target {
		return false, nil
	}
	if _, err := h.Counter.Raise(ctx, key, target); err != nil {
		return false, err
	}
	observability.CountersRaised.Inc()
	return true, nil
}
