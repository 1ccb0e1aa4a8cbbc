package envexec

import (
	"context"
	"fmt"
	"os"

	"github.com/criyle/go-sandbox/runner"
)

const defaultExtraMemoryLimit Size = 16 << 20 // 16M

// Run starts the cmd and waits for its result. Limit violations are
// reported through Result.Status. The returned error is not nil only when
// ctx is done before the process finishes.
func Run(ctx context.Context, c *Cmd) (Result, error) {
	fds, err := prepareFiles(c)
	if err != nil {
		return Result{Status: StatusInternalError, Error: err.Error()}, nil
	}

	rt, exceeded := runWait(ctx, c, fds)
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusInternalError, Error: err.Error()}, err
	}

	result := classify(c, rt, exceeded)
	if c.Stdout != "" && result.Status != StatusInternalError {
		if fi, err := os.Stat(c.Stdout); err == nil {
			result.OutputSize = Size(fi.Size())
		}
	}
	// a stdout above the limit is OLE however the program ended
	if c.OutputLimit > 0 && result.OutputSize > c.OutputLimit && result.Status != StatusMemoryLimitExceeded {
		result.Status = StatusOutputLimitExceeded
	}
	return result, nil
}

// classify determines the status by precedence: a limit enforced by the
// waiter, time, memory, then the exit condition reported by the environment.
// Output is checked afterwards by Run.
func classify(c *Cmd, rt RunnerResult, exceeded Exceeded) Result {
	result := Result{
		Status:     convertStatus(rt.Status),
		ExitStatus: rt.ExitStatus,
		Error:      rt.Error,
		Time:       rt.Time,
		RunTime:    rt.RunningTime,
		Memory:     rt.Memory,
	}
	if result.Status == StatusInternalError {
		return result
	}
	switch {
	case exceeded == ExceededMemory:
		result.Status = StatusMemoryLimitExceeded

	case exceeded == ExceededTime, result.Status == StatusTimeLimitExceeded,
		c.TimeLimit > 0 && result.Time > c.TimeLimit:
		result.Status = StatusTimeLimitExceeded

	case result.Status == StatusMemoryLimitExceeded,
		c.MemoryLimit > 0 && result.Memory > c.MemoryLimit:
		result.Status = StatusMemoryLimitExceeded
	}
	return result
}

func prepareFiles(c *Cmd) ([]*os.File, error) {
	stdin, err := openOrNull(c.Stdin, os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("prepare stdin: %w", err)
	}
	stdout, err := openOrNull(c.Stdout, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		closeFiles(stdin)
		return nil, fmt.Errorf("prepare stdout: %w", err)
	}
	stderr, err := openOrNull(c.Stderr, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		closeFiles(stdin, stdout)
		return nil, fmt.Errorf("prepare stderr: %w", err)
	}
	return []*os.File{stdin, stdout, stderr}, nil
}

func openOrNull(name string, flag int) (*os.File, error) {
	if name == "" {
		name = os.DevNull
		flag &^= os.O_CREATE | os.O_TRUNC
	}
	return os.OpenFile(name, flag, 0644)
}

func runWait(pc context.Context, c *Cmd, fds []*os.File) (RunnerResult, Exceeded) {
	// start the cmd (they will be canceled in other goroutines)
	ctx, cancel := context.WithCancel(pc)
	defer cancel()

	process, err := runExecve(ctx, c, fds)
	if err != nil {
		return runner.Result{
			Status: runner.StatusRunnerError,
			Error:  err.Error(),
		}, ExceededNone
	}

	// starts waiter to periodically check cpu and memory usage
	exceeded := make(chan Exceeded, 1)
	go func() {
		defer cancel()
		if c.Waiter == nil {
			select {
			case <-ctx.Done():
			case <-process.Done():
			}
			exceeded <- ExceededNone
			return
		}
		exceeded <- c.Waiter(ctx, process)
	}()

	// ensure waiter exit
	<-ctx.Done()
	return process.Result(), <-exceeded
}

func runExecve(ctx context.Context, c *Cmd, fds []*os.File) (Process, error) {
	defer closeFiles(fds...)

	extraMemoryLimit := c.ExtraMemoryLimit
	if extraMemoryLimit == 0 {
		extraMemoryLimit = defaultExtraMemoryLimit
	}

	memoryLimit := c.MemoryLimit + extraMemoryLimit

	stackLimit := c.StackLimit
	if stackLimit == 0 || stackLimit > memoryLimit {
		stackLimit = memoryLimit
	}

	// set running parameters
	execParam := ExecveParam{
		Args:       c.Args,
		Env:        c.Env,
		Files:      getFdArray(fds),
		SyncFunc:   c.SyncFunc,
		Restricted: c.Restricted,
		Limit: Limit{
			Time:   c.TimeLimit,
			Memory: memoryLimit,
			Proc:   c.ProcLimit,
			Stack:  stackLimit,
			Output: c.OutputLimit,
		},
	}
	return c.Environment.Execve(ctx, execParam)
}

func getFdArray(fds []*os.File) []uintptr {
	r := make([]uintptr, len(fds))
	for i, f := range fds {
		r[i] = f.Fd()
	}
	return r
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
