package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/store"
)

// applicationView is the wire shape of an application. Internal IDs never
// leave the process; the token is the only external handle.
type applicationView struct {
	Name       string `json:"name"`
	Token      string `json:"token"`
	ChatsCount int64  `json:"chats_count"`
}

func viewApplication(app *store.Application) applicationView {
	return applicationView{Name: app.Name, Token: app.Token, ChatsCount: app.ChatsCount}
}

// decodeApplicationName reads {chat_application:{name}} and falls back to a
// bare {name} body. Returns false after writing the error response.
func decodeApplicationName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var params struct {
		ChatApplication struct {
			Name string `json:"name"`
		} `json:"chat_application"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return "", false
	}

	name := params.ChatApplication.Name
	if name == "" {
		name = params.Name
	}
	if strings.TrimSpace(name) == "" {
		errs := validationErrors{}
		errs.add("name", msgBlank)
		writeValidationErrors(w, r, errs)
		return "", false
	}
	return name, true
}

// CreateApplication handles POST /api/v1/chat_applications. Applications are
// created synchronously; only chats and messages take the async path.
func (s *Server) CreateApplication(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeApplicationName(w, r)
	if !ok {
		return
	}

	app, err := s.Apps.Create(r.Context(), name)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not create application")
		return
	}

	log.Ctx(r.Context()).Info().Str("token", app.Token).Msg("application created")
	writeJSON(w, http.StatusCreated, viewApplication(app))
}

// ListApplications handles GET /api/v1/chat_applications.
func (s *Server) ListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Apps.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not list applications")
		return
	}

	views := make([]applicationView, 0, len(apps))
	for i := range apps {
		views = append(views, viewApplication(&apps[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetApplication handles GET /api/v1/chat_applications/{token}.
func (s *Server) GetApplication(w http.ResponseWriter, r *http.Request) {
	app, ok := s.resolveApp(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewApplication(app))
}

// UpdateApplication handles PATCH and PUT on an application. Name is the
// only mutable attribute.
func (s *Server) UpdateApplication(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeApplicationName(w, r)
	if !ok {
		return
	}

	app, err := s.Apps.UpdateName(r.Context(), urlToken(r), name)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not update application")
		return
	}
	if app == nil {
		writeError(w, r, http.StatusNotFound, "application not found")
		return
	}

	log.Ctx(r.Context()).Info().Str("token", app.Token).Msg("application renamed")
	writeJSON(w, http.StatusOK, viewApplication(app))
}
