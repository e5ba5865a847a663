package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/store"
)

// chatView is the wire shape of a chat.
type chatView struct {
	Number        int64 `json:"number"`
	MessagesCount int64 `json:"messages_count"`
}

func urlToken(r *http.Request) string {
	return chi.URLParam(r, "token")
}

// parseNumber parses an external entity number. Zero and negative values are
// never allocated, so they resolve like any other unknown number.
func parseNumber(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// resolveApp loads the application addressed by the URL token, writing the
// error response when it cannot.
func (s *Server) resolveApp(w http.ResponseWriter, r *http.Request) (*store.Application, bool) {
	app, err := s.Apps.GetByToken(r.Context(), urlToken(r))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not resolve application")
		return nil, false
	}
	if app == nil {
		writeError(w, r, http.StatusNotFound, "application not found")
		return nil, false
	}
	return app, true
}

// CreateChat handles POST /api/v1/chat_applications/{token}/chats. The
// number is allocated and returned immediately; a worker persists the row.
// If the enqueue fails the allocated number stays burned, which the numbering
// contract allows.
func (s *Server) CreateChat(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}

	number, err := s.Counter.Next(r.Context(), counter.ChatCounterKey(app.ID))
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("chat number allocation failed")
		writeError(w, r, http.StatusInternalServerError, "counter store unavailable")
		return
	}

	if err := s.Queue.Enqueue(r.Context(), queue.PersistChat(app.ID, number)); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Int64("number", number).Msg("persist chat enqueue failed")
		writeError(w, r, http.StatusInternalServerError, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, chatView{Number: number, MessagesCount: 0})
}

// ListChats handles GET /api/v1/chat_applications/{token}/chats.
func (s *Server) ListChats(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}

	chats, err := s.Chats.List(r.Context(), app.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not list chats")
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, chatView{Number: c.Number, MessagesCount: c.MessagesCount})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetChat handles GET /api/v1/chat_applications/{token}/chats/{number}.
// A chat whose persist job has not landed yet reads as 404.
func (s *Server) GetChat(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}

	number, ok := parseNumber(chi.URLParam(r, "number"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}

	chat, err := s.Chats.GetByNumber(r.Context(), app.ID, number)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not get chat")
		return
	}
	if chat == nil {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return
	}

	writeJSON(w, http.StatusOK, chatView{Number: chat.Number, MessagesCount: chat.MessagesCount})
}
