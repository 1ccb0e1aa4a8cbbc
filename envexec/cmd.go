package envexec

import (
	"context"
	"fmt"
	"time"

	"github.com/criyle/go-sandbox/runner"
)

// Size represent data size in bytes
type Size = runner.Size

// RunnerResult represent process finish result
type RunnerResult = runner.Result

// Cmd defines instruction to run a program in the sandbox environment
type Cmd struct {
	Environment Environment

	// exec argument, environment
	Args []string
	Env  []string

	// host paths for standard streams, empty stdin means /dev/null and empty
	// stdout / stderr discards the stream
	Stdin  string
	Stdout string
	Stderr string

	// resource limits
	TimeLimit        time.Duration
	ClockLimit       time.Duration
	MemoryLimit      Size
	StackLimit       Size
	ExtraMemoryLimit Size
	OutputLimit      Size
	ProcLimit        uint64

	// SyncFunc is called with pid before the program executes
	SyncFunc func(pid int) error

	// Restricted runs untrusted code under the syscall filter
	Restricted bool

	// Waiter is called after cmd starts and it returns once the process
	// exits, ctx is done or it killed the process for exceeding a limit
	Waiter func(context.Context, Process) Exceeded
}

// Result defines the running result for single Cmd
type Result struct {
	Status Status

	ExitStatus int

	Error string // error

	Time    time.Duration
	RunTime time.Duration
	Memory  Size // byte

	// OutputSize is the size of stdout written
	OutputSize Size
}

func (r Result) String() string {
	return fmt.Sprintf("Result[%v](exit=%d, time=%v, runTime=%v, mem=%v, output=%v, error=%q)",
		r.Status, r.ExitStatus, r.Time, r.RunTime, r.Memory, r.OutputSize, r.Error)
}
