package types

import (
	"fmt"
	"time"

	"github.com/criyle/go-sandbox/runner"
)

// Size represents data size in bytes
type Size = runner.Size

// TestCase defines a single test case of a submission
type TestCase struct {
	Index      int
	TestdataID int64
	// TestdataUpdatedAt invalidates cached testdata older than it
	TestdataUpdatedAt time.Time

	// optional per-case limits, zero means inherited from submission
	TimeLimit   time.Duration
	MemoryLimit Size
}

// Submission contains a single contestant program received from the server.
// It should not be modified after enqueued.
type Submission struct {
	ID        int64
	ProblemID int64
	Language  string
	Code      string

	// SourcePath is set once the code is stored under the submission root
	SourcePath string

	TimeLimit   time.Duration
	MemoryLimit Size
	TestCases   []TestCase
}

// Validate checks fields that the queue and scheduler rely on
func (s *Submission) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("submission: invalid id %d", s.ID)
	}
	if s.Language == "" {
		return fmt.Errorf("submission %d: empty language", s.ID)
	}
	return nil
}

// CaseTimeLimit returns the declared time limit for the i-th test case
func (s *Submission) CaseTimeLimit(tc TestCase) time.Duration {
	if tc.TimeLimit > 0 {
		return tc.TimeLimit
	}
	return s.TimeLimit
}

// CaseMemoryLimit returns the declared memory limit for the i-th test case
func (s *Submission) CaseMemoryLimit(tc TestCase) Size {
	if tc.MemoryLimit > 0 {
		return tc.MemoryLimit
	}
	return s.MemoryLimit
}

func (s *Submission) String() string {
	return fmt.Sprintf("Submission[%d](problem=%d, lang=%s, cases=%d)", s.ID, s.ProblemID, s.Language, len(s.TestCases))
}
