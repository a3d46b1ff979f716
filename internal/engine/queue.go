package engine

import (
	"context"
	"sync"
)

// ProcessFunc runs one turn for a conversation.
type ProcessFunc func(ctx context.Context, conversationID string)

// Queue runs turn-processing tasks on a worker pool with per-conversation
// lanes: at most one turn per conversation is active at any time, and
// enqueues for a busy conversation run FIFO after the active turn finishes.
// Different conversations proceed in parallel up to the pool size.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []string
	waiting map[string]int
	running map[string]bool
	stopped bool

	process ProcessFunc
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQueue creates a queue with the given pool size.
func NewQueue(workers int, process ProcessFunc) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		waiting: map[string]int{},
		running: map[string]bool{},
		process: process,
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Enqueue schedules one turn for the conversation. If a turn for it is
// already active or queued, this one runs after it.
func (q *Queue) Enqueue(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if q.running[conversationID] {
		q.waiting[conversationID]++
		return
	}
	q.running[conversationID] = true
	q.ready = append(q.ready, conversationID)
	q.cond.Signal()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.ready) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped && len(q.ready) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.ready[0]
		q.ready = q.ready[1:]
		q.mu.Unlock()

		q.process(q.ctx, id)

		q.mu.Lock()
		if q.waiting[id] > 0 {
			q.waiting[id]--
			if q.waiting[id] == 0 {
				delete(q.waiting, id)
			}
			q.ready = append(q.ready, id)
			q.cond.Signal()
		} else {
			delete(q.running, id)
		}
		q.mu.Unlock()
	}
}

// Stop cancels running turns' contexts and waits for the workers to exit.
// Still-queued tasks run with a cancelled context and bail at their first
// checkpoint.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
