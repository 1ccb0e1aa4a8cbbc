package types

import (
	"fmt"
	"time"
)

// Status defines the judged status of a test case or a submission
type Status int

// Defines verdict status
const (
	// not initialized status (as error)
	StatusInvalid Status = iota

	StatusAccepted
	StatusWrongAnswer

	// limit exceeded
	StatusTimeLimitExceeded   // TLE
	StatusMemoryLimitExceeded // MLE
	StatusOutputLimitExceeded // OLE

	StatusRuntimeError // RE
	StatusCompileError // CE

	// sandbox / harness failure, not the fault of the submission
	StatusSystemError
	// judging data failure, e.g. missing testdata or unknown language
	StatusJudgeError
)

var statusToString = []string{
	"Invalid",
	"AC",
	"WA",
	"TLE",
	"MLE",
	"OLE",
	"RE",
	"CE",
	"SE",
	"JE",
}

var stringToStatus = make(map[string]Status)

func init() {
	for i, v := range statusToString {
		stringToStatus[v] = Status(i)
	}
}

func (s Status) String() string {
	si := int(s)
	if si < 0 || si >= len(statusToString) {
		return statusToString[0]
	}
	return statusToString[si]
}

// MarshalText encodes status as its short name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes status from its short name
func (s *Status) UnmarshalText(b []byte) error {
	v, ok := stringToStatus[string(b)]
	if !ok {
		return fmt.Errorf("invalid status: %q", b)
	}
	*s = v
	return nil
}

// CaseResult contains result for a single test case
type CaseResult struct {
	Index      int
	Status     Status
	ExitStatus int
	Time       time.Duration
	Memory     Size
	Message    string
}

// Verdict contains the final result of a submission
type Verdict struct {
	SubmissionID   int64
	Status         Status
	CompileMessage string
	Cases          []CaseResult
}

// Aggregate computes the overall status from per test case results.
// Any system error wins, otherwise the first non-accepted case in index
// order decides. Cases are expected to be sorted by index.
func Aggregate(cases []CaseResult) Status {
	if len(cases) == 0 {
		return StatusJudgeError
	}
	for _, c := range cases {
		if c.Status == StatusSystemError {
			return StatusSystemError
		}
	}
	for _, c := range cases {
		if c.Status != StatusAccepted {
			return c.Status
		}
	}
	return StatusAccepted
}

// SystemError creates a verdict for a submission that the judge failed to run
func SystemError(id int64, msg string) *Verdict {
	return &Verdict{
		SubmissionID:   id,
		Status:         StatusSystemError,
		CompileMessage: msg,
	}
}
