package fleet

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// agentQueue serializes lifecycle calls per agent id. Calls for one id run
// one at a time in arrival order; calls for different ids never wait on each
// other.
type agentQueue struct {
	mu      sync.Mutex
	entries map[string]*queueEntry
}

type queueEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newAgentQueue() *agentQueue {
	return &agentQueue{entries: make(map[string]*queueEntry)}
}

// acquire blocks until id is free or ctx is done. The returned func releases
// the slot and must be called exactly once.
func (q *agentQueue) acquire(ctx context.Context, id string) (func(), error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		e = &queueEntry{sem: semaphore.NewWeighted(1)}
		q.entries[id] = e
	}
	e.refs++
	q.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		q.drop(id, e)
		return nil, err
	}
	return func() {
		e.sem.Release(1)
		q.drop(id, e)
	}, nil
}

func (q *agentQueue) drop(id string, e *queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(q.entries, id)
	}
}

// size returns how many ids currently have callers queued or running.
func (q *agentQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
