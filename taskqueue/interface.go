package taskqueue

import (
	"context"

	"github.com/ntuicpc/tioj-judge/types"
)

// Sender interface is used by the server synchronizer to admit submissions
type Sender interface {
	// Enqueue admits submission without blocking
	Enqueue(*types.Submission) error

	// Space returns the number of free slots
	Space() int

	// SpaceC signals (coalesced) each time a slot is freed
	SpaceC() <-chan struct{}
}

// Receiver interface is used by workers to take submissions in FIFO order
type Receiver interface {
	// Dequeue blocks until a submission is available, the queue is closed
	// or ctx is done
	Dequeue(ctx context.Context) (*types.Submission, error)
}
