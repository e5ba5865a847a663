package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health reports the reachability of every backing service. The response is
// always 200 so load balancers read the body instead of recycling the
// process; values stay "healthy"/"unhealthy" to keep DSNs out of responses.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	check := func(name string, ping func(context.Context) error) string {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Str("service", name).Msg("health check failed")
			return "unhealthy"
		}
		return "healthy"
	}

	resp := healthResponse{
		Status: "healthy",
		Services: map[string]string{
			"database":      check("database", s.DB.Ping),
			"counter_store": check("counter_store", s.Counter.Ping),
			"queue":         check("queue", s.Queue.Ping),
			"search_index":  check("search_index", s.Search.Ping),
		},
	}
	for _, state := range resp.Services {
		if state != "healthy" {
			resp.Status = "unhealthy"
			break
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
