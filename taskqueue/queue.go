// Package taskqueue provides the bounded FIFO admission queue between the
// server synchronizer and the workers.
package taskqueue

import (
	"context"
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ntuicpc/tioj-judge/types"
)

// Errors returned by Queue
var (
	ErrQueueFull    = errors.New("taskqueue: queue is full")
	ErrDuplicate    = errors.New("taskqueue: submission already queued")
	ErrShuttingDown = errors.New("taskqueue: shutting down")
)

var (
	_ Sender   = &Queue{}
	_ Receiver = &Queue{}
)

// Queue is a bounded FIFO of submissions guarded by a single mutex
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*types.Submission
	ids    mapset.Set[int64]
	cap    int
	closed bool
	space  chan struct{}
}

// New creates queue with the given capacity (at least 1)
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		items: make([]*types.Submission, 0, capacity),
		ids:   mapset.NewThreadUnsafeSet[int64](),
		cap:   capacity,
		space: make(chan struct{}, 1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends submission to the tail of the queue
func (q *Queue) Enqueue(s *types.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		return ErrShuttingDown
	case q.ids.Contains(s.ID):
		return ErrDuplicate
	case len(q.items) >= q.cap:
		return ErrQueueFull
	}
	q.items = append(q.items, s)
	q.ids.Add(s.ID)
	q.cond.Signal()
	return nil
}

// Dequeue removes the head of the queue
func (q *Queue) Dequeue(ctx context.Context) (*types.Submission, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed || ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	s := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.ids.Remove(s.ID)

	select {
	case q.space <- struct{}{}:
	default:
	}
	return s, nil
}

// Close wakes all waiting receivers and rejects further operations. It
// returns the submissions that were never dequeued.
func (q *Queue) Close() []*types.Submission {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.items
	q.items = nil
	q.ids.Clear()
	q.cond.Broadcast()
	return rest
}

// Len returns the number of queued submissions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity
func (q *Queue) Cap() int {
	return q.cap
}

// Space returns the number of free slots
func (q *Queue) Space() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return q.cap - len(q.items)
}

// SpaceC returns a channel receiving a value after some submission was
// dequeued
func (q *Queue) SpaceC() <-chan struct{} {
	return q.space
}
