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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/config"
	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/db"
	"github.com/chatsink/chatsink/internal/httpapi"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/store"
)

func main() {
	// .env is a development convenience; absence is normal
	_ = godotenv.Load()
	cfg := config.Load()
	setupLogging(cfg)

	ctx := context.Background()

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
		// The engine may still be booting; index writes and the
		// reconciler create the index later.
		log.Warn().Err(err).Msg("could not ensure search index at boot")
	}

	srv := &httpapi.Server{
		DB:       pool,
		Apps:     store.NewApplicationStore(pool),
		Chats:    store.NewChatStore(pool),
		Messages: store.NewMessageStore(pool),
		Counter:  counter.New(rdb),
		Queue:    queue.New(rdb, cfg.QueueName),
		Search:   sc,
		Cfg:      cfg,
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Str("env", cfg.Env).Msg("starting ingest API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "chatsink-server").Logger()

	// Pretty logging for local dev
	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
