package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatsink/chatsink/internal/observability"
)

// Document is one indexed message. The document ID is the internal message
// ID, which makes every index write idempotent: reindexing overwrites
// instead of duplicating. Number rides along so search results render
// without a storage round-trip.
type Document struct {
	ID        int64     `json:"-"`
	Body      string    `json:"body"`
	ChatID    int64     `json:"chat_id"`
	Number    int64     `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is a search result projection.
type Hit struct {
	Number int64  `json:"number"`
	Body   string `json:"body"`
}

// StatusError is a non-2xx reply from the engine.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("search engine status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is an engine 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to an Elasticsearch-compatible engine over plain HTTP.
// It is deliberately single-shot: retry policy belongs to the callers
// (the index worker backs off 1s/2s/4s, reconcilers retry next cycle).
type Client struct {
	baseURL string
	index   string
	httpc   *http.Client
}

// NewClient creates a search client for one index.
func NewClient(baseURL, index string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// track records one engine call outcome. Errors the caller normalizes away
// (missing index on count, absent document on delete) count as ok, so the
// metric reflects what the operation returned, not raw wire status.
func track(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.SearchRequests.WithLabelValues(op, outcome).Inc()
}

// Ping verifies the engine answers at all.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/", nil, nil)
	track("ping", err)
	return err
}

// EnsureIndex creates the index with a substring-capable body mapping.
// An index that already exists is fine.
func (c *Client) EnsureIndex(ctx context.Context) error {
	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"body":       map[string]any{"type": "wildcard"},
				"chat_id":    map[string]any{"type": "long"},
				"number":     map[string]any{"type": "long"},
				"created_at": map[string]any{"type": "date"},
			},
		},
	}

	err := c.do(ctx, http.MethodPut, "/"+c.index, mapping, nil)
	var se *StatusError
	if errors.As(err, &se) && strings.Contains(se.Body, "resource_already_exists_exception") {
		err = nil
	}
	track("ensure_index", err)
	return err
}

// IndexMessage writes one document, overwriting any previous version.
func (c *Client) IndexMessage(ctx context.Context, doc Document) error {
	path := fmt.Sprintf("/%s/_doc/%d", c.index, doc.ID)
	err := c.do(ctx, http.MethodPut, path, doc, nil)
	track("index", err)
	return err
}

// DeleteMessage removes a document; an already-absent document is fine.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/%s/_doc/%d", c.index, id)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if IsNotFound(err) {
		err = nil
	}
	track("delete", err)
	return err
}

// BulkIndex writes a batch of documents through the bulk endpoint.
func (c *Client) BulkIndex(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]any{
			"index": map[string]any{"_index": c.index, "_id": strconv.FormatInt(doc.ID, 10)},
		}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(doc); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	var resp struct {
		Errors bool `json:"errors"`
	}
	err := c.doNDJSON(ctx, "/_bulk", buf.Bytes(), &resp)
	if err == nil && resp.Errors {
		err = fmt.Errorf("bulk index reported item failures")
	}
	track("bulk", err)
	return err
}

// Count returns the number of documents in the index. A missing index
// counts as zero so a fresh deployment compares cleanly against an empty
// database.
func (c *Client) Count(ctx context.Context) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/"+c.index+"/_count", nil, &resp)
	if IsNotFound(err) {
		err = nil
	}
	track("count", err)
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Search runs a case-insensitive substring query scoped to one chat and
// returns hits in engine order.
func (c *Client) Search(ctx context.Context, chatID int64, q string, size int) ([]Hit, error) {
	if size <= 0 {
		size = 100
	}

	var resp struct {
		Hits struct {
			Hits []struct {
				Source Hit `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	body := buildSearchBody(chatID, q, size)
	err := c.do(ctx, http.MethodPost, "/"+c.index+"/_search", body, &resp)
	track("search", err)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, h.Source)
	}
	return hits, nil
}

// do issues one JSON request and decodes the response into out when given.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

// doNDJSON issues a newline-delimited JSON request (the bulk protocol).
func (c *Client) doNDJSON(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("search engine request failed: %w", err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("search engine call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search engine response: %w", err)
	}
	return nil
}
