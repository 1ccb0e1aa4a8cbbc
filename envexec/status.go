package envexec

import (
	"fmt"

	"github.com/criyle/go-sandbox/runner"
)

// Status is the exit condition of a single execution
type Status int

// Defines execution status
const (
	StatusInvalid Status = iota

	StatusAccepted

	// killed for exceeding a limit
	StatusMemoryLimitExceeded // MLE
	StatusTimeLimitExceeded   // TLE
	StatusOutputLimitExceeded // OLE

	// the program failed on its own
	StatusNonzeroExitStatus // NZS
	StatusSignalled         // SIG
	StatusDangerousSyscall  // DJS

	// the sandbox failed, e.g. fork or cgroup errors
	StatusInternalError
)

var statusNames = [...]string{
	StatusInvalid:             "Invalid",
	StatusAccepted:            "Accepted",
	StatusMemoryLimitExceeded: "Memory Limit Exceeded",
	StatusTimeLimitExceeded:   "Time Limit Exceeded",
	StatusOutputLimitExceeded: "Output Limit Exceeded",
	StatusNonzeroExitStatus:   "Nonzero Exit Status",
	StatusSignalled:           "Signalled",
	StatusDangerousSyscall:    "Dangerous Syscall",
	StatusInternalError:       "Internal Error",
}

// sandboxStatus maps the go-sandbox runner status, anything else is an
// internal error
var sandboxStatus = map[runner.Status]Status{
	runner.StatusNormal:              StatusAccepted,
	runner.StatusSignalled:           StatusSignalled,
	runner.StatusNonzeroExitStatus:   StatusNonzeroExitStatus,
	runner.StatusMemoryLimitExceeded: StatusMemoryLimitExceeded,
	runner.StatusTimeLimitExceeded:   StatusTimeLimitExceeded,
	runner.StatusOutputLimitExceeded: StatusOutputLimitExceeded,
	runner.StatusDisallowedSyscall:   StatusDangerousSyscall,
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[StatusInvalid]
	}
	return statusNames[s]
}

// StringToStatus parses the name returned by Status.String
func StringToStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return StatusInvalid, fmt.Errorf("invalid status: %q", s)
}

func convertStatus(s runner.Status) Status {
	if st, ok := sandboxStatus[s]; ok {
		return st
	}
	return StatusInternalError
}
