// Package searchtest provides an in-memory stand-in for the search engine,
// covering the handful of endpoints the client uses so tests can exercise
// indexing and search without a real cluster.
package searchtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

type document struct {
	Body      string    `json:"body"`
	ChatID    int64     `json:"chat_id"`
	Number    int64     `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine is a fake Elasticsearch-compatible server. Zero values are not
// usable; construct with NewEngine and Close when done.
type Engine struct {
	Server *httptest.Server

	mu       sync.Mutex
	indices  map[string]map[string]document
	failures int
}

// NewEngine starts the fake engine on a local listener.
func NewEngine() *Engine {
	e := &Engine{indices: make(map[string]map[string]document)}
	e.Server = httptest.NewServer(http.HandlerFunc(e.handle))
	return e
}

// URL returns the engine's base URL.
func (e *Engine) URL() string {
	return e.Server.URL
}

// Close shuts the listener down.
func (e *Engine) Close() {
	e.Server.Close()
}

// FailNext makes the next n requests answer 500, for retry tests.
func (e *Engine) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
}

// Docs returns how many documents the index holds.
func (e *Engine) Docs(index string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.indices[index])
}

// Wipe drops all indices, simulating a cluster rebuilt from scratch.
func (e *Engine) Wipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indices = make(map[string]map[string]document)
}

func (e *Engine) handle(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	if e.failures > 0 {
		e.failures--
		e.mu.Unlock()
		http.Error(w, `{"error":"injected failure"}`, http.StatusInternalServerError)
		return
	}
	e.mu.Unlock()

	if r.URL.Path == "/" {
		writeJSON(w, http.StatusOK, map[string]string{"tagline": "You Know, for Search"})
		return
	}
	if r.URL.Path == "/_bulk" {
		e.handleBulk(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		e.handleCreateIndex(w, parts[0])
	case len(parts) == 2 && parts[1] == "_count":
		e.handleCount(w, parts[0])
	case len(parts) == 2 && parts[1] == "_search":
		e.handleSearch(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodPut:
		e.handleIndexDoc(w, r, parts[0], parts[2])
	case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodDelete:
		e.handleDeleteDoc(w, parts[0], parts[2])
	default:
		http.Error(w, `{"error":"unsupported endpoint"}`, http.StatusBadRequest)
	}
}

func (e *Engine) handleCreateIndex(w http.ResponseWriter, index string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.indices[index]; ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{"type": "resource_already_exists_exception"},
		})
		return
	}
	e.indices[index] = make(map[string]document)
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": index})
}

func (e *Engine) handleIndexDoc(w http.ResponseWriter, r *http.Request, index, id string) {
	var doc document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, `{"error":"bad document"}`, http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Real engines auto-create indices on first write.
	if _, ok := e.indices[index]; !ok {
		e.indices[index] = make(map[string]document)
	}
	e.indices[index][id] = doc
	writeJSON(w, http.StatusOK, map[string]any{"result": "created", "_id": id})
}

func (e *Engine) handleDeleteDoc(w http.ResponseWriter, index, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	docs, ok := e.indices[index]
	if !ok {
		http.Error(w, `{"error":"index_not_found_exception"}`, http.StatusNotFound)
		return
	}
	if _, ok := docs[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"result": "not_found"})
		return
	}
	delete(docs, id)
	writeJSON(w, http.StatusOK, map[string]any{"result": "deleted"})
}

func (e *Engine) handleBulk(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"bad bulk body"}`, http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var action struct {
			Index struct {
				Index string `json:"_index"`
				ID    string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil || action.Index.ID == "" {
			http.Error(w, `{"error":"bad bulk action"}`, http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			http.Error(w, `{"error":"dangling bulk action"}`, http.StatusBadRequest)
			return
		}
		var doc document
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			http.Error(w, `{"error":"bad bulk document"}`, http.StatusBadRequest)
			return
		}

		index := action.Index.Index
		if _, ok := e.indices[index]; !ok {
			e.indices[index] = make(map[string]document)
		}
		e.indices[index][action.Index.ID] = doc
	}

	writeJSON(w, http.StatusOK, map[string]any{"errors": false, "items": []any{}})
}

func (e *Engine) handleCount(w http.ResponseWriter, index string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	docs, ok := e.indices[index]
	if !ok {
		http.Error(w, `{"error":"index_not_found_exception"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(docs)})
}

func (e *Engine) handleSearch(w http.ResponseWriter, r *http.Request, index string) {
	var req struct {
		Query struct {
			Bool struct {
				Filter []struct {
					Term map[string]int64 `json:"term"`
				} `json:"filter"`
				Must []struct {
					Wildcard map[string]struct {
						Value string `json:"value"`
					} `json:"wildcard"`
				} `json:"must"`
			} `json:"bool"`
		} `json:"query"`
		Size int `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad search body"}`, http.StatusBadRequest)
		return
	}

	var chatID int64 = -1
	for _, f := range req.Query.Bool.Filter {
		if v, ok := f.Term["chat_id"]; ok {
			chatID = v
		}
	}
	var needle string
	for _, m := range req.Query.Bool.Must {
		if wc, ok := m.Wildcard["body"]; ok {
			needle = unescapePattern(wc.Value)
		}
	}

	e.mu.Lock()
	docs, ok := e.indices[index]
	if !ok {
		e.mu.Unlock()
		http.Error(w, `{"error":"index_not_found_exception"}`, http.StatusNotFound)
		return
	}

	matched := make([]document, 0)
	for _, d := range docs {
		if chatID >= 0 && d.ChatID != chatID {
			continue
		}
		if !strings.Contains(strings.ToLower(d.Body), strings.ToLower(needle)) {
			continue
		}
		matched = append(matched, d)
	}
	e.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Number < matched[j].Number })
	if req.Size > 0 && len(matched) > req.Size {
		matched = matched[:req.Size]
	}

	type hit struct {
		Source map[string]any `json:"_source"`
	}
	hits := make([]hit, 0, len(matched))
	for _, d := range matched {
		hits = append(hits, hit{Source: map[string]any{"number": d.Number, "body": d.Body}})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hits": map[string]any{"hits": hits},
	})
}

// unescapePattern turns the client's "*escaped*" wildcard value back into
// the plain substring it stands for.
func unescapePattern(p string) string {
	p = strings.TrimPrefix(p, "*")
	p = strings.TrimSuffix(p, "*")
	return strings.NewReplacer(`\\`, `\`, `\*`, `*`, `\?`, `?`).Replace(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
