package envexec

import (
	"context"
	"time"
)

// ExecveParam is parameters to run process inside environment
type ExecveParam struct {
	// Args holds command line arguments
	Args []string

	// Env specifies the environment of the process
	Env []string

	// Files specifies file descriptors for the child process
	Files []uintptr

	// SyncFunc is called with the child pid after it is created and before
	// it executes the program (e.g. to set CPU affinity)
	SyncFunc func(pid int) error

	// Restricted applies the syscall filter of the environment
	Restricted bool

	// Process Limitations
	Limit Limit
}

// Limit defines the process running resource limits
type Limit struct {
	Time   time.Duration // CPU time limit
	Memory Size          // Memory limit
	Proc   uint64        // Process count limit
	Stack  Size          // Stack limit
	Output Size          // Output limit
}

// Usage defines the peak process resource usage
type Usage struct {
	Time   time.Duration
	Memory Size
}

// Process reference to the running process
type Process interface {
	Done() <-chan struct{} // Done returns a channel for wait process to exit
	Result() RunnerResult  // Result wait until done and returns RunnerResult
	Usage() Usage          // Usage retrieves the process usage during the run time
}

// Environment defines the interface to access the sandbox of a single slot
type Environment interface {
	// Execve starts the process, the process is killed once ctx is done
	Execve(context.Context, ExecveParam) (Process, error)
	// WorkDir returns the host path of the working directory
	WorkDir() string
	// Reset clears the working directory
	Reset() error
	// Destroy releases the environment
	Destroy() error
}
