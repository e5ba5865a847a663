package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatsink/chatsink/internal/queue"
)

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- sleep(ctx, time.Minute) }()
	cancel()

	select {
	case elapsed := <-done:
		if elapsed {
			t.Error("sleep reported a full wait despite cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not return after cancellation")
	}
}

func TestNewPoolDefaultsSize(t *testing.T) {
	p := NewPool(nil, nil, 0)
	if p.size != 8 {
		t.Errorf("Default pool size = %d, want 8", p.size)
	}
	p = NewPool(nil, nil, 3)
	if p.size != 3 {
		t.Errorf("Pool size = %d, want 3", p.size)
	}
}

func TestPoolDrainsBacklog_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	d := newTestDeps(t)
	ctx := context.Background()

	app, err := d.apps.Create(ctx, "tenant")
	if err != nil {
		t.Fatalf("Create application failed: %v", err)
	}
	for n := int64(1); n <= 10; n++ {
		if err := d.q.Enqueue(ctx, queue.PersistChat(app.ID, n)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(d.q, d.h, 4)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	// Wait for the concurrent workers to persist everything
	deadline := time.Now().Add(10 * time.Second)
	for {
		chats, err := d.chats.List(ctx, app.ID)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		depth, err := d.q.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth failed: %v", err)
		}
		if len(chats) == 10 && depth == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Backlog not drained: %d chats, depth %d", len(chats), depth)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Pool stopped with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pool did not stop after cancellation")
	}

	// All ten numbers landed exactly once, in any worker order
	chats, err := d.chats.List(ctx, app.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	seen := make(map[int64]bool)
	for _, c := range chats {
		if seen[c.Number] {
			t.Errorf("Number %d persisted twice", c.Number)
		}
		seen[c.Number] = true
	}
	for n := int64(1); n <= 10; n++ {
		if !seen[n] {
			t.Errorf("Number %d missing", n)
		}
	}

	got, err := d.apps.GetByToken(ctx, app.Token)
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if got.ChatsCount != 10 {
		t.Errorf("chats_count = %d, want 10", got.ChatsCount)
	}

	if n := d.deadDepth(t); n != 0 {
		t.Errorf("Expected empty dead-letter list, got %d entries", n)
	}
}
