package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatsink/chatsink/internal/config"
	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/db"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/reconcile"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/store"
	"github.com/chatsink/chatsink/internal/worker"
)

func main() {
	// .env is a development convenience; absence is normal
	_ = godotenv.Load()
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.OpenPostgres(ctx, cfg.DBDsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	rdb, err := db.OpenRedis(ctx, cfg.KVURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	sc := search.NewClient(cfg.SearchURL, cfg.SearchIndex)
	if err := sc.EnsureIndex(ctx); err != nil {
		log.Warn().Err(err).Msg("could not ensure search index at boot")
	}

	apps := store.NewApplicationStore(pool)
	chats := store.NewChatStore(pool)
	messages := store.NewMessageStore(pool)
	ctr := counter.New(rdb)
	q := queue.New(rdb, cfg.QueueName)

	handlers := &worker.Handlers{
		Apps:       apps,
		Chats:      chats,
		Messages:   messages,
		Counter:    ctr,
		Queue:      q,
		Search:     sc,
		MaxRetries: cfg.JobMaxRetries,
		JobTimeout: cfg.JobTimeout,
	}
	jobPool := worker.NewPool(q, handlers, cfg.WorkerConcurrency)

	rec := &reconcile.Reconciler{
		Apps:       apps,
		Chats:      chats,
		Messages:   messages,
		Counter:    ctr,
		Queue:      q,
		Search:     sc,
		Interval:   cfg.ReconcileInterval,
		SampleSize: cfg.CounterSample,
	}

	// Ops surface: liveness and metrics only, no ingest routes
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	opsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobPool.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", opsServer.Addr).Msg("starting worker ops server")
		err := opsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	log.Info().Int("concurrency", cfg.WorkerConcurrency).Str("env", cfg.Env).Msg("worker starting")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("worker exited with error")
	}
	log.Info().Msg("worker stopped")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "chatsink-worker").Logger()

	// Pretty logging for local dev
	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
