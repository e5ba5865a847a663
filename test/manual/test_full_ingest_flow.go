//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// This test walks the complete ingest flow against a running deployment:
// 1. Create an application and capture its token
// 2. Open a chat (async write, number returned immediately)
// 3. Wait for the persist job to land, then read the chat back
// 4. Post messages and wait for them to become readable
// 5. Verify the cached counts converged
// 6. Search the chat and check the hits
//
// Requires the server, the worker, Postgres, Redis and the search engine
// all up. Run with:
//
//	go run test/manual/test_full_ingest_flow.go

// Configuration from environment
var (
	backendURL = getEnv("BACKEND_URL", "http://localhost:8080")
)

func main() {
	fmt.Println("=== Full Ingest Flow Test ===")
	fmt.Printf("Backend: %s\n\n", backendURL)

	// Step 1: Create application
	fmt.Println("Step 1: Creating application...")
	app := postJSON("/api/v1/chat_applications", `{"chat_application":{"name":"manual smoke"}}`)
	token, _ := app["token"].(string)
	if token == "" {
		fail("no token in create response: %v", app)
	}
	fmt.Printf("✓ Application created, token %s\n\n", token)

	base := "/api/v1/chat_applications/" + token

	// Step 2: Open a chat
	fmt.Println("Step 2: Opening chat...")
	chat := postJSON(base+"/chats", "")
	chatNumber := int64(chat["number"].(float64))
	fmt.Printf("✓ Chat number %d allocated\n\n", chatNumber)

	// Step 3: Wait for the persist job
	fmt.Println("Step 3: Waiting for chat to become readable...")
	chatPath := fmt.Sprintf("%s/chats/%d", base, chatNumber)
	waitFor("chat visible", func() bool {
		return getStatus(chatPath) == http.StatusOK
	})
	fmt.Println("✓ Chat persisted")
	fmt.Println()

	// Step 4: Post messages
	fmt.Println("Step 4: Posting messages...")
	bodies := []string{"Hello world", "goodbye world", "HELLO again"}
	for _, body := range bodies {
		resp := postJSON(chatPath+"/messages", fmt.Sprintf(`{"message":{"body":%q}}`, body))
		fmt.Printf("✓ Message %v accepted: %q\n", resp["number"], body)
	}
	fmt.Println()

	fmt.Println("Step 5: Waiting for messages and counts to converge...")
	waitFor("messages visible", func() bool {
		var msgs []map[string]any
		getInto(chatPath+"/messages", &msgs)
		return len(msgs) == len(bodies)
	})
	waitFor("messages_count converged", func() bool {
		var c map[string]any
		getInto(chatPath, &c)
		n, _ := c["messages_count"].(float64)
		return int(n) == len(bodies)
	})
	fmt.Println("✓ All messages persisted and counted")
	fmt.Println()

	// Step 6: Search
	fmt.Println("Step 6: Searching...")
	waitFor("search hits", func() bool {
		var hits []map[string]any
		getInto(chatPath+"/messages/search?q="+url.QueryEscape("hello"), &hits)
		return len(hits) == 2
	})
	fmt.Println("✓ Search returned both case-insensitive matches")
	fmt.Println()

	fmt.Println("=== All steps passed ===")
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fail(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}

func postJSON(path, body string) map[string]any {
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	}
	resp, err := http.Post(backendURL+path, "application/json", rdr)
	if err != nil {
		fail("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		fail("POST %s: status %d: %s", path, resp.StatusCode, raw)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		fail("POST %s: bad JSON %q: %v", path, raw, err)
	}
	return out
}

func getStatus(path string) int {
	resp, err := http.Get(backendURL + path)
	if err != nil {
		fail("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func getInto(path string, v any) {
	resp, err := http.Get(backendURL + path)
	if err != nil {
		fail("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		fail("GET %s: bad JSON %q: %v", path, raw, err)
	}
}

// waitFor polls cond until it holds or ten seconds pass.
func waitFor(label string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fail("timed out waiting for %s", label)
}
