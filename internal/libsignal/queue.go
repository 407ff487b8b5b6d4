package libsignal

import (
	"context"
	"sync"
)

// JobQueue runs jobs one at a time per key. Jobs for different keys run
// concurrently.
type JobQueue struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewJobQueue returns an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{locks: make(map[string]*keyLock)}
}

// Do waits for exclusive use of key and runs fn. If ctx ends while waiting,
// fn is not run.
func (q *JobQueue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := q.ref(key)
	defer q.unref(key, l)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return fn(ctx)
}

func (q *JobQueue) ref(key string) *keyLock {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		q.locks[key] = l
	}
	l.refs++
	return l
}

func (q *JobQueue) unref(key string, l *keyLock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(q.locks, key)
	}
}

// pending returns how many keys currently have waiting or running jobs.
func (q *JobQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.locks)
}
