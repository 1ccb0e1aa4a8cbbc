// Package client defines the interface to the remote judge server.
package client

import (
	"context"
	"errors"

	"github.com/ntuicpc/tioj-judge/types"
)

// ErrTransient marks a failure that may succeed when retried later
// (connection errors, timeouts, 5xx and 429 responses)
var ErrTransient = errors.New("transient server error")

// IsTransient reports whether err may succeed when retried later
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Client should connect to the judge server to fetch submissions and
// report verdicts. Implementations retry transient failures internally
// with a bounded number of attempts.
type Client interface {
	// FetchSubmission returns the next pending submission, or nil when there
	// is nothing to judge
	FetchSubmission(ctx context.Context) (*types.Submission, error)

	// ReportVerdict reports the final verdict. Reporting the same verdict
	// more than once is harmless.
	ReportVerdict(ctx context.Context, v *types.Verdict) error
}

// Notifier delivers server push wake-ups
type Notifier interface {
	// C receives a value (coalesced) when the server has new submissions
	C() <-chan struct{}
}
