package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/auth"
)

// ListDeadLetters handles GET /internal/v1/dead_letters. Newest first, capped.
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)

	letters, err := s.Queue.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read dead letters")
		return
	}
	count, err := s.Queue.DeadDepth(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not read dead letters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":        count,
		"dead_letters": letters,
	})
}

// RequeueDeadLetters handles POST /internal/v1/dead_letters/requeue with an
// optional body {"count": n}. Requeued jobs restart their retry budget.
func (s *Server) RequeueDeadLetters(w http.ResponseWriter, r *http.Request) {
	var params struct {
		Count int `json:"count"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if params.Count <= 0 {
		params.Count = 1
	}

	n, err := s.Queue.RequeueDead(r.Context(), params.Count)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not requeue dead letters")
		return
	}

	log.Ctx(r.Context()).Info().
		Str("operator", auth.Subject(r.Context())).
		Int("requeued", n).
		Msg("dead letters requeued")
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// PurgeDeadLetters handles DELETE /internal/v1/dead_letters.
func (s *Server) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.PurgeDead(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not purge dead letters")
		return
	}

	log.Ctx(r.Context()).Info().
		Str("operator", auth.Subject(r.Context())).
		Int64("purged", n).
		Msg("dead letters purged")
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}
