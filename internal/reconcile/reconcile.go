// Package reconcile heals derived state from the authoritative store: stale
// counters after KV loss, index drift after engine loss, and advisory counts
// left behind by lost recompute jobs.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/observability"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/store"
)

const (
	defaultInterval = time.Minute
	defaultSample   = 25
)

// Reconciler runs the startup consistency checks and the periodic count
// pass. Repairs are not performed inline; they are enqueued as jobs so the
// worker pool applies them with its usual retry and ordering machinery.
type Reconciler struct {
	Apps     *store.ApplicationStore
	Chats    *store.ChatStore
	Messages *store.MessageStore
	Counter  *counter.Store
	Queue    *queue.Queue
	Search   *search.Client

	// Interval between count passes. Zero means one minute.
	Interval time.Duration
	// SampleSize bounds the startup counter check. Zero means 25.
	SampleSize int
}

// Run performs the startup checks, then recounts advisory counts every
// Interval until ctx is cancelled. Check failures are logged and never fatal;
// the next cycle or restart retries.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("interval", r.interval()).Msg("reconciler starting")

	r.Startup(ctx)

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
			if err := r.RecountAll(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("count reconcile pass failed")
			}
		}
	}
}

// Startup runs the one-shot consistency checks: counters against the durable
// maxima, index population against the store.
func (r *Reconciler) Startup(ctx context.Context) {
	if _, err := r.CheckCounters(ctx); err != nil {
		log.Error().Err(err).Msg("counter consistency check failed")
	}
	if _, err := r.CheckIndex(ctx); err != nil {
		log.Error().Err(err).Msg("index consistency check failed")
	}
}

// CheckCounters samples the most recent applications and chats and compares
// each counter with the max child number on record. Any counter strictly
// behind schedules a full RebuildCounters: stale counters come from KV state
// loss, which is never scoped to a single key. Reports whether a rebuild was
// scheduled.
func (r *Reconciler) CheckCounters(ctx context.Context) (bool, error) {
	stale, err := r.findStaleCounter(ctx)
	if err != nil {
		observability.ReconcilerRuns.WithLabelValues("counters", "error").Inc()
		return false, err
	}
	if stale == "" {
		observability.ReconcilerRuns.WithLabelValues("counters", "clean").Inc()
		return false, nil
	}

	log.Warn().Str("counter", stale).Msg("stale counter detected, scheduling rebuild")
	if err := r.Queue.Enqueue(ctx, queue.RebuildCounters()); err != nil {
		observability.ReconcilerRuns.WithLabelValues("counters", "error").Inc()
		return false, err
	}
	observability.ReconcilerRuns.WithLabelValues("counters", "repaired").Inc()
	return true, nil
}

// findStaleCounter returns the key of the first sampled counter that is
// behind its durable maximum, or "" when the sample is consistent. An absent
// counter with persisted children counts as behind.
func (r *Reconciler) findStaleCounter(ctx context.Context) (string, error) {
	apps, err := r.Apps.SampleRecent(ctx, r.sample())
	if err != nil {
		return "", err
	}
	for _, app := range apps {
		max, err := r.Apps.MaxChatNumber(ctx, app.ID)
		if err != nil {
			return "", err
		}
		if max == 0 {
			continue
		}
		key := counter.ChatCounterKey(app.ID)
		cur, ok, err := r.Counter.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok || cur < max {
			return key, nil
		}
	}

	chats, err := r.Chats.SampleRecent(ctx, r.sample())
	if err != nil {
		return "", err
	}
	for _, chat := range chats {
		max, err := r.Chats.MaxMessageNumber(ctx, chat.ID)
		if err != nil {
			return "", err
		}
		if max == 0 {
			continue
		}
		key := counter.MessageCounterKey(chat.ID)
		cur, ok, err := r.Counter.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok || cur < max {
			return key, nil
		}
	}
	return "", nil
}

// CheckIndex compares the search index population with the durable message
// count and schedules a full reindex on any divergence. Document writes are
// keyed by message ID, so replaying over a live index is safe. Reports
// whether a reindex was scheduled.
func (r *Reconciler) CheckIndex(ctx context.Context) (bool, error) {
	stored, err := r.Messages.CountAll(ctx)
	if err != nil {
		observability.ReconcilerRuns.WithLabelValues("index", "error").Inc()
		return false, err
	}
	indexed, err := r.Search.Count(ctx)
	if err != nil {
		observability.ReconcilerRuns.WithLabelValues("index", "error").Inc()
		return false, err
	}

	if stored == indexed {
		observability.ReconcilerRuns.WithLabelValues("index", "clean").Inc()
		return false, nil
	}

	log.Warn().Int64("stored", stored).Int64("indexed", indexed).Msg("index count drift, scheduling full reindex")
	if err := r.Queue.Enqueue(ctx, queue.ReindexAll()); err != nil {
		observability.ReconcilerRuns.WithLabelValues("index", "error").Inc()
		return false, err
	}
	observability.ReconcilerRuns.WithLabelValues("index", "repaired").Inc()
	return true, nil
}

// RecountAll rewrites every advisory count from the authoritative rows.
// Counts drift when recompute jobs are lost; rewriting them is idempotent.
func (r *Reconciler) RecountAll(ctx context.Context) error {
	appIDs, err := r.Apps.IDs(ctx)
	if err != nil {
		observability.ReconcilerRuns.WithLabelValues("counts", "error").Inc()
		return err
	}
	for _, id := range appIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.Apps.RecountChats(ctx, id); err != nil {
			observability.ReconcilerRuns.WithLabelValues("counts", "error").Inc()
			return err
		}
	}

	chatIDs, err := r.Chats.IDs(ctx)
	if err != nil {
		observability.ReconcilerRuns.WithLabelValues("counts", "error").Inc()
		return err
	}
	for _, id := range chatIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := r.Chats.RecountMessages(ctx, id); err != nil {
			observability.ReconcilerRuns.WithLabelValues("counts", "error").Inc()
			return err
		}
	}

	observability.ReconcilerRuns.WithLabelValues("counts", "clean").Inc()
	log.Debug().Int("applications", len(appIDs)).Int("chats", len(chatIDs)).Msg("advisory counts reconciled")
	return nil
}

func (r *Reconciler) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return defaultInterval
}

func (r *Reconciler) sample() int {
	if r.SampleSize > 0 {
		return r.SampleSize
	}
	return defaultSample
}
