package queue

import (
	"context"
	"strconv"
	"sync"
)

// MemoryQueue is an unbounded in-process queue. Unacked deliveries are not
// redelivered.
type MemoryQueue struct {
	mu       sync.Mutex
	next     uint64
	pending  []envelope
	inflight map[string]envelope
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]envelope)}
}

func (q *MemoryQueue) Publish(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.next++
	q.pending = append(q.pending, envelope{ID: strconv.FormatUint(q.next, 10), Job: job})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Delivery{}, ErrEmpty
	}
	env := q.pending[0]
	q.pending = q.pending[1:]
	env.Attempt++
	q.inflight[env.ID] = env
	return Delivery{ID: env.ID, Job: env.Job, Attempt: env.Attempt}, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	return nil
}

// Jobs returns a snapshot of the pending jobs.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.pending))
	for _, env := range q.pending {
		out = append(out, env.Job)
	}
	return out
}

// Inflight reports how many deliveries await an ack.
func (q *MemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
