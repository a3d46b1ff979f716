package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueueSerializesPerConversation(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := map[string]int{}
	runs := map[string]int{}

	q := NewQueue(4, func(ctx context.Context, id string) {
		mu.Lock()
		active[id]++
		if active[id] > maxActive[id] {
			maxActive[id] = active[id]
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active[id]--
		runs[id]++
		mu.Unlock()
	})
	q.Start()

	for i := 0; i < 5; i++ {
		q.Enqueue("conv-a")
		q.Enqueue("conv-b")
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		done := runs["conv-a"] == 5 && runs["conv-b"] == 5
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("runs = %v, want 5 each", runs)
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.Stop()

	for _, id := range []string{"conv-a", "conv-b"} {
		if maxActive[id] != 1 {
			t.Errorf("conversation %s ran %d turns concurrently", id, maxActive[id])
		}
	}
}

func TestQueueParallelAcrossConversations(t *testing.T) {
	barrier := make(chan struct{})
	arrived := make(chan string, 2)

	q := NewQueue(2, func(ctx context.Context, id string) {
		arrived <- id
		<-barrier
	})
	q.Start()
	defer func() {
		close(barrier)
		q.Stop()
	}()

	q.Enqueue("conv-a")
	q.Enqueue("conv-b")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-arrived:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d conversations started concurrently", len(seen))
		}
	}
	if !seen["conv-a"] || !seen["conv-b"] {
		t.Errorf("concurrent set = %v", seen)
	}
}

func TestQueueStopCancelsContext(t *testing.T) {
	running := make(chan struct{})
	observed := make(chan error, 1)

	q := NewQueue(1, func(ctx context.Context, id string) {
		running <- struct{}{}
		<-ctx.Done()
		observed <- ctx.Err()
	})
	q.Start()
	q.Enqueue("conv-a")

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case err := <-observed:
		if err == nil {
			t.Error("context not cancelled on stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never saw cancellation")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	// Enqueue after stop is a no-op.
	q.Enqueue("conv-b")
}
