package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/auth"
	"github.com/chatsink/chatsink/internal/config"
	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/store"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB       *pgxpool.Pool
	Apps     *store.ApplicationStore
	Chats    *store.ChatStore
	Messages *store.MessageStore
	Counter  *counter.Store
	Queue    *queue.Queue
	Search   *search.Client
	Cfg      config.Config
}

// Routes creates the HTTP router: the tenant-facing ingest API, the health
// and metrics surfaces, and the JWT-guarded operator endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(Recoverer)

	// Health and metrics (unauthenticated)
	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	limiter := NewRateLimiter(s.Cfg.RateLimitRPS, s.Cfg.RateLimitBurst)

	r.Route("/api/v1/chat_applications", func(r chi.Router) {
		// Token-less endpoints limit by client address
		r.With(limiter.Middleware).Post("/", s.CreateApplication)
		r.With(limiter.Middleware).Get("/", s.ListApplications)

		r.Route("/{token}", func(r chi.Router) {
			r.Use(limiter.Middleware)

			r.Get("/", s.GetApplication)
			r.Patch("/", s.UpdateApplication)
			r.Put("/", s.UpdateApplication)

			r.Route("/chats", func(r chi.Router) {
				r.Post("/", s.CreateChat)
				r.Get("/", s.ListChats)

				r.Route("/{number}", func(r chi.Router) {
					r.Get("/", s.GetChat)

					r.Route("/messages", func(r chi.Router) {
						r.Post("/", s.CreateMessage)
						r.Get("/", s.ListMessages)
						r.Get("/search", s.SearchMessages)
						r.Get("/{message_number}", s.GetMessage)
					})
				})
			})
		})
	})

	// Operator endpoints are mounted only when a secret is configured
	if s.Cfg.OpsJWTSecret != "" {
		r.Route("/internal/v1/dead_letters", func(r chi.Router) {
			r.Use(auth.Middleware(auth.Config{HS256Secret: s.Cfg.OpsJWTSecret}))

			r.Get("/", s.ListDeadLetters)
			r.Post("/requeue", s.RequeueDeadLetters)
			r.Delete("/", s.PurgeDeadLetters)
		})
	} else {
		log.Warn().Msg("OPS_JWT_SECRET not set, operator endpoints disabled")
	}

	log.Info().Msg("HTTP routes registered")
	return r
}
