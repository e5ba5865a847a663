package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/store"
)

// messageView is the wire shape of a message.
type messageView struct {
	Number int64  `json:"number"`
	Body   string `json:"body"`
}

// resolveChat loads the chat addressed by {token}/chats/{number}, writing
// the error response when it cannot.
func (s *Server) resolveChat(w http.ResponseWriter, r *http.Request) (*store.Chat, bool) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return nil, false
	}

	number, ok := parseNumber(chi.URLParam(r, "number"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return nil, false
	}

	chat, err := s.Chats.GetByNumber(r.Context(), app.ID, number)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not resolve chat")
		return nil, false
	}
	if chat == nil {
		writeError(w, r, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return chat, true
}

// decodeMessageBody reads {message:{body}} with a bare {body} fallback.
// Returns false after writing the error response.
func decodeMessageBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var params struct {
		Message struct {
			Body string `json:"body"`
		} `json:"message"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return "", false
	}

	body := params.Message.Body
	if body == "" {
		body = params.Body
	}
	if strings.TrimSpace(body) == "" {
		errs := validationErrors{}
		errs.add("body", msgBlank)
		writeValidationErrors(w, r, errs)
		return "", false
	}
	return body, true
}

// CreateMessage handles POST .../chats/{number}/messages. Same two-stage
// write as chats: allocate the number, enqueue the persist, reply 201.
func (s *Server) CreateMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.resolveChat(w, r)
	if !ok {
		return
	}

	body, ok := decodeMessageBody(w, r)
	if !ok {
		return
	}

	number, err := s.Counter.Next(r.Context(), counter.MessageCounterKey(chat.ID))
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("message number allocation failed")
		writeError(w, r, http.StatusInternalServerError, "counter store unavailable")
		return
	}

	if err := s.Queue.Enqueue(r.Context(), queue.PersistMessage(chat.ID, number, body)); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Int64("number", number).Msg("persist message enqueue failed")
		writeError(w, r, http.StatusInternalServerError, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"number": number})
}

// ListMessages handles GET .../chats/{number}/messages.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.resolveChat(w, r)
	if !ok {
		return
	}

	msgs, err := s.Messages.List(r.Context(), chat.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not list messages")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{Number: m.Number, Body: m.Body})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMessage handles GET .../messages/{message_number}.
func (s *Server) GetMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.resolveChat(w, r)
	if !ok {
		return
	}

	number, ok := parseNumber(chi.URLParam(r, "message_number"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "message not found")
		return
	}

	msg, err := s.Messages.GetByNumber(r.Context(), chat.ID, number)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not get message")
		return
	}
	if msg == nil {
		writeError(w, r, http.StatusNotFound, "message not found")
		return
	}

	writeJSON(w, http.StatusOK, messageView{Number: msg.Number, Body: msg.Body})
}

// SearchMessages handles GET .../messages/search?q=. Results come from the
// search index, so messages whose index job has not landed yet are absent.
func (s *Server) SearchMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.resolveChat(w, r)
	if !ok {
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, r, http.StatusBadRequest, "query parameter q is required")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	hits, err := s.Search.Search(r.Context(), chat.ID, q, limit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("message search failed")
		writeError(w, r, http.StatusInternalServerError, "search engine unavailable")
		return
	}

	views := make([]messageView, 0, len(hits))
	for _, h := range hits {
		views = append(views, messageView{Number: h.Number, Body: h.Body})
	}
	writeJSON(w, http.StatusOK, views)
}
