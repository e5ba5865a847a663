package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsink/chatsink/internal/config"
	"github.com/chatsink/chatsink/internal/counter"
	"github.com/chatsink/chatsink/internal/db"
	"github.com/chatsink/chatsink/internal/queue"
	"github.com/chatsink/chatsink/internal/search"
	"github.com/chatsink/chatsink/internal/search/searchtest"
	"github.com/chatsink/chatsink/internal/store"
	"github.com/chatsink/chatsink/internal/worker"
)

const testOpsSecret = "ops-test-secret"

// apiEnv runs the full router against real backing services plus the fake
// search engine. Requires TEST_DATABASE_URL and TEST_KV_URL.
type apiEnv struct {
	ts     *httptest.Server
	pool   *pgxpool.Pool
	q      *queue.Queue
	ctr    *counter.Store
	engine *searchtest.Engine
	h      *worker.Handlers
	srv    *Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	kvURL := os.Getenv("TEST_KV_URL")
	if dsn == "" || kvURL == "" {
		t.Skip("TEST_DATABASE_URL or TEST_KV_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE chat_applications RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}

	client, err := db.OpenRedis(ctx, kvURL)
	if err != nil {
		t.Fatalf("Failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test redis: %v", err)
	}

	engine := searchtest.NewEngine()
	t.Cleanup(engine.Close)
	sc := search.NewClient(engine.URL(), "messages")
	if err := sc.EnsureIndex(ctx); err != nil {
		t.Fatalf("EnsureIndex failed: %v", err)
	}

	e := &apiEnv{
		pool:   pool,
		q:      queue.New(client, "default"),
		ctr:    counter.New(client),
		engine: engine,
	}
	e.srv = &Server{
		DB:       pool,
		Apps:     store.NewApplicationStore(pool),
		Chats:    store.NewChatStore(pool),
		Messages: store.NewMessageStore(pool),
		Counter:  e.ctr,
		Queue:    e.q,
		Search:   sc,
		Cfg: config.Config{
			OpsJWTSecret: testOpsSecret,
		},
	}
	e.h = &worker.Handlers{
		Apps:       e.srv.Apps,
		Chats:      e.srv.Chats,
		Messages:   e.srv.Messages,
		Counter:    e.ctr,
		Queue:      e.q,
		Search:     sc,
		MaxRetries: 1,
		RetryBase:  time.Millisecond,
		JobTimeout: 5 * time.Second,
	}

	e.ts = httptest.NewServer(e.srv.Routes())
	t.Cleanup(e.ts.Close)
	return e
}

func (e *apiEnv) do(t *testing.T, method, path, body string, hdr map[string]string) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body failed: %v", err)
	}
	return resp.StatusCode, raw
}

func decodeBody(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Invalid JSON %q: %v", raw, err)
	}
}

func (e *apiEnv) createApp(t *testing.T, name string) applicationView {
	t.Helper()
	status, raw := e.do(t, http.MethodPost, "/api/v1/chat_applications",
		fmt.Sprintf(`{"chat_application":{"name":%q}}`, name), nil)
	if status != http.StatusCreated {
		t.Fatalf("create application = %d: %s", status, raw)
	}
	var app applicationView
	decodeBody(t, raw, &app)
	return app
}

func (e *apiEnv) createChat(t *testing.T, token string) int64 {
	t.Helper()
	status, raw := e.do(t, http.MethodPost, "/api/v1/chat_applications/"+token+"/chats", "", nil)
	if status != http.StatusCreated {
		t.Fatalf("create chat = %d: %s", status, raw)
	}
	var chat chatView
	decodeBody(t, raw, &chat)
	return chat.Number
}

func (e *apiEnv) createMessage(t *testing.T, token string, chat int64, body string) int64 {
	t.Helper()
	path := fmt.Sprintf("/api/v1/chat_applications/%s/chats/%d/messages", token, chat)
	status, raw := e.do(t, http.MethodPost, path, fmt.Sprintf(`{"message":{"body":%q}}`, body), nil)
	if status != http.StatusCreated {
		t.Fatalf("create message = %d: %s", status, raw)
	}
	var resp struct {
		Number int64 `json:"number"`
	}
	decodeBody(t, raw, &resp)
	return resp.Number
}

// drain handles queued jobs synchronously until the queue is empty, chained
// follow-up jobs included.
func (e *apiEnv) drain(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	for {
		depth, err := e.q.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth failed: %v", err)
		}
		if depth == 0 {
			return
		}

		env, err := e.q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if env == nil {
			continue
		}
		e.h.Handle(ctx, env)
	}
}

func searchPath(token string, chat int64, q string) string {
	return fmt.Sprintf("/api/v1/chat_applications/%s/chats/%d/messages/search?q=%s",
		token, chat, url.QueryEscape(q))
}

func opsToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "ops-oncall",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testOpsSecret))
	if err != nil {
		t.Fatalf("Failed to sign ops token: %v", err)
	}
	return signed
}

func TestApplicationLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	status, raw := e.do(t, http.MethodPost, "/api/v1/chat_applications",
		`{"chat_application":{"name":"support desk"}}`, nil)
	if status != http.StatusCreated {
		t.Fatalf("create = %d: %s", status, raw)
	}
	if bytes.Contains(raw, []byte(`"id"`)) {
		t.Errorf("create response leaks internal id: %s", raw)
	}

	var app applicationView
	decodeBody(t, raw, &app)
	if app.Name != "support desk" || app.Token == "" || app.ChatsCount != 0 {
		t.Errorf("create response = %+v", app)
	}

	status, raw = e.do(t, http.MethodGet, "/api/v1/chat_applications", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	var apps []applicationView
	decodeBody(t, raw, &apps)
	if len(apps) != 1 || apps[0].Token != app.Token {
		t.Errorf("list = %+v, want the created application", apps)
	}

	status, raw = e.do(t, http.MethodGet, "/api/v1/chat_applications/"+app.Token, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	decodeBody(t, raw, &app)
	if app.Name != "support desk" {
		t.Errorf("get name = %q", app.Name)
	}

	status, raw = e.do(t, http.MethodPatch, "/api/v1/chat_applications/"+app.Token,
		`{"chat_application":{"name":"sales desk"}}`, nil)
	if status != http.StatusOK {
		t.Fatalf("patch = %d: %s", status, raw)
	}
	decodeBody(t, raw, &app)
	if app.Name != "sales desk" {
		t.Errorf("patched name = %q, want sales desk", app.Name)
	}

	status, _ = e.do(t, http.MethodPut, "/api/v1/chat_applications/"+app.Token,
		`{"name":"renamed again"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("put = %d", status)
	}

	status, raw = e.do(t, http.MethodGet, "/api/v1/chat_applications/nosuchtoken", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("get unknown token = %d, want 404", status)
	}
	var errResp errorResponse
	decodeBody(t, raw, &errResp)
	if errResp.Error != "application not found" {
		t.Errorf("error = %q", errResp.Error)
	}

	status, _ = e.do(t, http.MethodPatch, "/api/v1/chat_applications/nosuchtoken",
		`{"chat_application":{"name":"x"}}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("patch unknown token = %d, want 404", status)
	}
}

func TestChatMessageFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "flow")
	base := "/api/v1/chat_applications/" + app.Token

	number := e.createChat(t, app.Token)
	if number != 1 {
		t.Fatalf("first chat number = %d, want 1", number)
	}

	// The write is asynchronous: the chat is not readable until the
	// persist job lands.
	status, _ := e.do(t, http.MethodGet, base+"/chats/1", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("chat before drain = %d, want 404", status)
	}

	e.drain(t)

	status, raw := e.do(t, http.MethodGet, base+"/chats/1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("chat after drain = %d: %s", status, raw)
	}
	var chat chatView
	decodeBody(t, raw, &chat)
	if chat.Number != 1 || chat.MessagesCount != 0 {
		t.Errorf("chat = %+v", chat)
	}

	status, raw = e.do(t, http.MethodGet, base, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get app = %d", status)
	}
	var appAfter applicationView
	decodeBody(t, raw, &appAfter)
	if appAfter.ChatsCount != 1 {
		t.Errorf("chats_count = %d, want 1", appAfter.ChatsCount)
	}

	msgNumber := e.createMessage(t, app.Token, 1, "Hello world")
	if msgNumber != 1 {
		t.Fatalf("first message number = %d, want 1", msgNumber)
	}

	status, _ = e.do(t, http.MethodGet, base+"/chats/1/messages/1", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("message before drain = %d, want 404", status)
	}

	e.drain(t)

	status, raw = e.do(t, http.MethodGet, base+"/chats/1/messages/1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("message after drain = %d: %s", status, raw)
	}
	if bytes.Contains(raw, []byte(`"id"`)) {
		t.Errorf("message response leaks internal id: %s", raw)
	}
	var msg messageView
	decodeBody(t, raw, &msg)
	if msg.Number != 1 || msg.Body != "Hello world" {
		t.Errorf("message = %+v", msg)
	}

	status, raw = e.do(t, http.MethodGet, base+"/chats/1/messages", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list messages = %d", status)
	}
	var msgs []messageView
	decodeBody(t, raw, &msgs)
	if len(msgs) != 1 {
		t.Errorf("messages = %+v, want 1 entry", msgs)
	}

	status, raw = e.do(t, http.MethodGet, base+"/chats/1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("chat reread = %d", status)
	}
	decodeBody(t, raw, &chat)
	if chat.MessagesCount != 1 {
		t.Errorf("messages_count = %d, want 1", chat.MessagesCount)
	}

	if got := e.engine.Docs("messages"); got != 1 {
		t.Errorf("indexed docs = %d, want 1", got)
	}
}

func TestTenantIsolation_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	alpha := e.createApp(t, "alpha")
	bravo := e.createApp(t, "bravo")

	// Numbering is scoped per application, so both first chats are 1.
	if n := e.createChat(t, alpha.Token); n != 1 {
		t.Errorf("alpha chat number = %d, want 1", n)
	}
	if n := e.createChat(t, bravo.Token); n != 1 {
		t.Errorf("bravo chat number = %d, want 1", n)
	}
	e.drain(t)

	e.createMessage(t, alpha.Token, 1, "alpha only message")
	e.createMessage(t, bravo.Token, 1, "bravo only message")
	e.drain(t)

	status, raw := e.do(t, http.MethodGet, "/api/v1/chat_applications/"+alpha.Token+"/chats", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list alpha chats = %d", status)
	}
	var chats []chatView
	decodeBody(t, raw, &chats)
	if len(chats) != 1 {
		t.Errorf("alpha chats = %+v, want exactly its own", chats)
	}

	// Search is scoped to the chat, so alpha never sees bravo's words.
	status, raw = e.do(t, http.MethodGet, searchPath(alpha.Token, 1, "bravo"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("alpha search = %d", status)
	}
	var hits []messageView
	decodeBody(t, raw, &hits)
	if len(hits) != 0 {
		t.Errorf("alpha search for bravo = %+v, want none", hits)
	}

	status, raw = e.do(t, http.MethodGet, searchPath(bravo.Token, 1, "bravo"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("bravo search = %d", status)
	}
	decodeBody(t, raw, &hits)
	if len(hits) != 1 {
		t.Errorf("bravo search = %+v, want 1 hit", hits)
	}
}

func TestConcurrentChatCreates_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "busy")

	const n = 20
	numbers := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.ts.Client().Post(
				e.ts.URL+"/api/v1/chat_applications/"+app.Token+"/chats", "application/json", nil)
			if err != nil {
				t.Errorf("create chat failed: %v", err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				t.Errorf("create chat = %d", resp.StatusCode)
				return
			}
			var chat chatView
			if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
				t.Errorf("decode chat: %v", err)
				return
			}
			numbers <- chat.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for num := range numbers {
		if seen[num] {
			t.Errorf("number %d handed out twice", num)
		}
		seen[num] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct numbers, want %d", len(seen), n)
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("number %d missing from allocation", i)
		}
	}

	e.drain(t)

	status, raw := e.do(t, http.MethodGet, "/api/v1/chat_applications/"+app.Token+"/chats", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list chats = %d", status)
	}
	var chats []chatView
	decodeBody(t, raw, &chats)
	if len(chats) != n {
		t.Errorf("persisted chats = %d, want %d", len(chats), n)
	}
}

func TestMessageValidationPrecedence_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "validation")
	e.createChat(t, app.Token)
	e.drain(t)
	base := "/api/v1/chat_applications/" + app.Token

	status, raw := e.do(t, http.MethodPost, base+"/chats/1/messages", `{"message":{"body":"  "}}`, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("blank body = %d, want 422: %s", status, raw)
	}

	status, _ = e.do(t, http.MethodPost, base+"/chats/1/messages", `{broken`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("malformed JSON = %d, want 400", status)
	}

	// Resolution precedes validation: an unknown chat is 404 even with an
	// invalid body.
	status, _ = e.do(t, http.MethodPost, base+"/chats/999/messages", `{"message":{"body":"hi"}}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown chat = %d, want 404", status)
	}
	status, _ = e.do(t, http.MethodPost, base+"/chats/999/messages", `{"message":{"body":""}}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown chat with blank body = %d, want 404", status)
	}

	// Nothing reached the queue.
	depth, err := e.q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d after rejected writes, want 0", depth)
	}
}

func TestSearchEndpoint_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "searchable")
	e.createChat(t, app.Token)
	e.drain(t)

	e.createMessage(t, app.Token, 1, "Hello world")
	e.createMessage(t, app.Token, 1, "goodbye world")
	e.createMessage(t, app.Token, 1, "HELLO again")
	e.createMessage(t, app.Token, 1, "flash sale* now")
	e.drain(t)

	status, raw := e.do(t, http.MethodGet, searchPath(app.Token, 1, "hello"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d: %s", status, raw)
	}
	var hits []messageView
	decodeBody(t, raw, &hits)
	if len(hits) != 2 {
		t.Fatalf("hits for hello = %+v, want 2", hits)
	}
	// Case-insensitive, ordered by number ascending
	if hits[0].Number != 1 || hits[1].Number != 3 {
		t.Errorf("hit order = %d, %d, want 1, 3", hits[0].Number, hits[1].Number)
	}

	status, raw = e.do(t, http.MethodGet, searchPath(app.Token, 1, "world"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d", status)
	}
	decodeBody(t, raw, &hits)
	if len(hits) != 2 || hits[0].Number != 1 || hits[1].Number != 2 {
		t.Errorf("hits for world = %+v, want numbers 1 and 2", hits)
	}

	// Multi-word substring
	status, raw = e.do(t, http.MethodGet, searchPath(app.Token, 1, "hello again"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d", status)
	}
	decodeBody(t, raw, &hits)
	if len(hits) != 1 || hits[0].Number != 3 {
		t.Errorf("hits for %q = %+v, want number 3 only", "hello again", hits)
	}

	// Wildcard characters in the query are treated literally.
	status, raw = e.do(t, http.MethodGet, searchPath(app.Token, 1, "sale*"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d", status)
	}
	decodeBody(t, raw, &hits)
	if len(hits) != 1 || hits[0].Number != 4 {
		t.Errorf("hits for sale* = %+v, want number 4 only", hits)
	}

	status, raw = e.do(t, http.MethodGet, searchPath(app.Token, 1, "nomatch"), "", nil)
	if status != http.StatusOK {
		t.Fatalf("search = %d", status)
	}
	decodeBody(t, raw, &hits)
	if hits == nil || len(hits) != 0 {
		t.Errorf("no-match search = %s, want empty array", raw)
	}

	base := fmt.Sprintf("/api/v1/chat_applications/%s/chats/1/messages/search", app.Token)
	status, _ = e.do(t, http.MethodGet, base, "", nil)
	if status != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", status)
	}
	status, _ = e.do(t, http.MethodGet, base+"?q=%20%20", "", nil)
	if status != http.StatusBadRequest {
		t.Errorf("blank q = %d, want 400", status)
	}

	status, _ = e.do(t, http.MethodGet, searchPath(app.Token, 999, "hello"), "", nil)
	if status != http.StatusNotFound {
		t.Errorf("search unknown chat = %d, want 404", status)
	}

	e.engine.FailNext(1)
	status, raw = e.do(t, http.MethodGet, searchPath(app.Token, 1, "hello"), "", nil)
	if status != http.StatusInternalServerError {
		t.Errorf("search with engine down = %d, want 500: %s", status, raw)
	}
}

func TestChatLookupEdgeCases_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "edges")
	base := "/api/v1/chat_applications/" + app.Token

	for _, number := range []string{"abc", "0", "-1", "99"} {
		status, _ := e.do(t, http.MethodGet, base+"/chats/"+number, "", nil)
		if status != http.StatusNotFound {
			t.Errorf("chat %q = %d, want 404", number, status)
		}
	}

	e.createChat(t, app.Token)
	e.drain(t)
	status, _ := e.do(t, http.MethodGet, base+"/chats/1/messages/abc", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("message abc = %d, want 404", status)
	}
}

func TestHealth_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	status, raw := e.do(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health = %d", status)
	}

	var resp healthResponse
	decodeBody(t, raw, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy: %s", resp.Status, raw)
	}
	for _, svc := range []string{"database", "counter_store", "queue", "search_index"} {
		if resp.Services[svc] != "healthy" {
			t.Errorf("service %s = %q, want healthy", svc, resp.Services[svc])
		}
	}
}

func TestDeadLetterOps_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)
	ctx := context.Background()

	// A persist for a nonexistent application fails every attempt and
	// ends up parked.
	if err := e.q.Enqueue(ctx, queue.PersistChat(999999, 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	e.drain(t)

	status, _ := e.do(t, http.MethodGet, "/internal/v1/dead_letters", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list = %d, want 401", status)
	}
	status, _ = e.do(t, http.MethodGet, "/internal/v1/dead_letters", "",
		map[string]string{"Authorization": "Bearer garbage"})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token list = %d, want 401", status)
	}

	authz := map[string]string{"Authorization": "Bearer " + opsToken(t)}

	status, raw := e.do(t, http.MethodGet, "/internal/v1/dead_letters", "", authz)
	if status != http.StatusOK {
		t.Fatalf("list = %d: %s", status, raw)
	}
	var list struct {
		Count       int64              `json:"count"`
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
	}
	decodeBody(t, raw, &list)
	if list.Count != 1 || len(list.DeadLetters) != 1 {
		t.Fatalf("dead letters = %+v, want exactly one", list)
	}
	if got := list.DeadLetters[0].Job.JobClass(); got != queue.ClassPersistChat {
		t.Errorf("parked class = %q, want PersistChat", got)
	}
	if list.DeadLetters[0].Error == "" {
		t.Error("parked letter has no error")
	}

	status, raw = e.do(t, http.MethodPost, "/internal/v1/dead_letters/requeue", `{"count":5}`, authz)
	if status != http.StatusOK {
		t.Fatalf("requeue = %d: %s", status, raw)
	}
	var requeued struct {
		Requeued int `json:"requeued"`
	}
	decodeBody(t, raw, &requeued)
	if requeued.Requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued.Requeued)
	}
	depth, err := e.q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth after requeue = %d, want 1", depth)
	}

	// Still failing, so it parks again.
	e.drain(t)

	status, raw = e.do(t, http.MethodDelete, "/internal/v1/dead_letters", "", authz)
	if status != http.StatusOK {
		t.Fatalf("purge = %d: %s", status, raw)
	}
	var purged struct {
		Purged int64 `json:"purged"`
	}
	decodeBody(t, raw, &purged)
	if purged.Purged != 1 {
		t.Errorf("purged = %d, want 1", purged.Purged)
	}

	status, raw = e.do(t, http.MethodGet, "/internal/v1/dead_letters", "", authz)
	if status != http.StatusOK {
		t.Fatalf("list after purge = %d", status)
	}
	decodeBody(t, raw, &list)
	if list.Count != 0 {
		t.Errorf("count after purge = %d, want 0", list.Count)
	}
}

func TestRateLimitOverHTTP_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	e := newAPIEnv(t)

	app := e.createApp(t, "limited")

	limited := &Server{
		DB:       e.srv.DB,
		Apps:     e.srv.Apps,
		Chats:    e.srv.Chats,
		Messages: e.srv.Messages,
		Counter:  e.srv.Counter,
		Queue:    e.srv.Queue,
		Search:   e.srv.Search,
		Cfg:      config.Config{RateLimitRPS: 1, RateLimitBurst: 2},
	}
	lts := httptest.NewServer(limited.Routes())
	defer lts.Close()

	get := func() *http.Response {
		resp, err := lts.Client().Get(lts.URL + "/api/v1/chat_applications/" + app.Token)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := get(); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request = %d, want 200", resp.StatusCode)
	}
	if resp := get(); resp.StatusCode != http.StatusOK {
		t.Fatalf("second request = %d, want 200", resp.StatusCode)
	}

	resp := get()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want \"1\"", resp.Header.Get("Retry-After"))
	}

	// Health is outside the limited scope.
	hresp, err := lts.Client().Get(lts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", hresp.StatusCode)
	}
}
