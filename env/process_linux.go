package env

import (
	"context"
	"sync"
	"time"

	"github.com/criyle/go-sandbox/runner"
	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

var _ envexec.Process = &process{}

// process defines the running process
type process struct {
	pid   int
	cg    *wCgroup
	limit envexec.Limit
	start time.Time

	rt   runner.Result
	done chan struct{}

	mu     sync.Mutex
	exited bool
}

func newProcess(ctx context.Context, pid int, cg *wCgroup, limit envexec.Limit) *process {
	p := &process{
		pid:   pid,
		cg:    cg,
		limit: limit,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	go p.wait(ctx)
	return p
}

func (p *process) wait(ctx context.Context) {
	defer close(p.done)
	if p.cg != nil {
		defer p.cg.Destroy()
	}

	stop := context.AfterFunc(ctx, p.kill)

	// wait without reaping so that kill never hits a recycled pid
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			break
		}
	}
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	stop()

	var (
		wstatus unix.WaitStatus
		rusage  unix.Rusage
	)
	for {
		_, err := unix.Wait4(p.pid, &wstatus, 0, &rusage)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.rt = runner.Result{
				Status: runner.StatusRunnerError,
				Error:  err.Error(),
			}
			return
		}
		break
	}
	p.rt = p.collect(wstatus, rusage)
}

func (p *process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		// pid is the init of its own pid namespace, all descendants die with it
		unix.Kill(p.pid, unix.SIGKILL)
	}
}

func (p *process) collect(wstatus unix.WaitStatus, rusage unix.Rusage) runner.Result {
	rt := runner.Result{
		Status:      runner.StatusNormal,
		Time:        time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano()),
		Memory:      runner.Size(rusage.Maxrss << 10),
		RunningTime: time.Since(p.start),
	}
	if p.cg != nil {
		if t, err := p.cg.CPUUsage(); err == nil {
			rt.Time = t
		}
		if m, err := p.cg.MaxMemory(); err == nil && m > 0 {
			rt.Memory = m
		}
	}

	switch {
	case wstatus.Exited():
		if status := wstatus.ExitStatus(); status != 0 {
			rt.Status = runner.StatusNonzeroExitStatus
			rt.ExitStatus = status
		}

	case wstatus.Signaled():
		sig := wstatus.Signal()
		switch {
		case sig == unix.SIGXCPU:
			rt.Status = runner.StatusTimeLimitExceeded
		case sig == unix.SIGXFSZ:
			rt.Status = runner.StatusOutputLimitExceeded
		case sig == unix.SIGSYS:
			rt.Status = runner.StatusDisallowedSyscall
		case sig == unix.SIGKILL && p.cg != nil && rt.Memory >= p.limit.Memory:
			// killed by the cgroup oom killer
			rt.Status = runner.StatusMemoryLimitExceeded
		default:
			rt.Status = runner.StatusSignalled
		}
		rt.ExitStatus = int(sig)
	}
	return rt
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Result() envexec.RunnerResult {
	<-p.done
	return p.rt
}

// Usage reads the cgroup accounting, or /proc when running without cgroup
func (p *process) Usage() envexec.Usage {
	if p.cg != nil {
		t, _ := p.cg.CPUUsage()
		m, _ := p.cg.MaxMemory()
		return envexec.Usage{Time: t, Memory: m}
	}
	proc, err := procfs.NewProc(p.pid)
	if err != nil {
		return envexec.Usage{}
	}
	stat, err := proc.Stat()
	if err != nil {
		return envexec.Usage{}
	}
	return envexec.Usage{
		Time:   time.Duration(stat.CPUTime() * float64(time.Second)),
		Memory: envexec.Size(stat.ResidentMemory()),
	}
}
