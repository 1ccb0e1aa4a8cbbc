package envexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/criyle/go-sandbox/runner"
)

type fakeProcess struct {
	done chan struct{}
	rt   RunnerResult

	mu    sync.Mutex
	usage Usage
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Result() RunnerResult {
	<-p.done
	return p.rt
}

func (p *fakeProcess) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// fakeEnv finishes the process immediately with rt, or, when hang is set,
// burns CPU time until it is killed through ctx
type fakeEnv struct {
	t      *testing.T
	rt     RunnerResult
	stdout string
	hang   bool
	// grow adds resident memory on every tick while hanging
	grow Size
	err  error

	param ExecveParam
}

func (e *fakeEnv) Execve(ctx context.Context, param ExecveParam) (Process, error) {
	e.param = param
	if e.err != nil {
		return nil, e.err
	}
	if e.stdout != "" {
		if _, err := syscall.Write(int(param.Files[1]), []byte(e.stdout)); err != nil {
			e.t.Errorf("write stdout: %v", err)
		}
	}
	if param.SyncFunc != nil {
		if err := param.SyncFunc(1); err != nil {
			return nil, err
		}
	}
	p := &fakeProcess{done: make(chan struct{})}
	if !e.hang {
		p.rt = e.rt
		close(p.done)
		return p, nil
	}
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.rt = runner.Result{Status: runner.StatusSignalled, ExitStatus: int(syscall.SIGKILL), Time: p.Usage().Time}
				close(p.done)
				return
			case <-ticker.C:
				p.mu.Lock()
				p.usage.Time += 5 * time.Millisecond
				p.usage.Memory += e.grow
				p.mu.Unlock()
			}
		}
	}()
	return p, nil
}

func (e *fakeEnv) WorkDir() string { return e.t.TempDir() }
func (e *fakeEnv) Reset() error    { return nil }
func (e *fakeEnv) Destroy() error  { return nil }

func newCmd(t *testing.T, env *fakeEnv) *Cmd {
	dir := t.TempDir()
	w := &Waiter{TickInterval: 5 * time.Millisecond, TimeLimit: 50 * time.Millisecond, ClockLimit: time.Second}
	return &Cmd{
		Environment: env,
		Args:        []string{"./prog"},
		Stdout:      filepath.Join(dir, "stdout"),
		Stderr:      filepath.Join(dir, "stderr"),
		TimeLimit:   50 * time.Millisecond,
		ClockLimit:  time.Second,
		MemoryLimit: 64 << 20,
		OutputLimit: 16,
		ProcLimit:   1,
		Waiter:      w.Wait,
	}
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name   string
		rt     RunnerResult
		stdout string
		want   Status
	}{
		{"accepted", runner.Result{Status: runner.StatusNormal, Time: time.Millisecond, Memory: 1 << 20}, "ok\n", StatusAccepted},
		{"nonzero", runner.Result{Status: runner.StatusNonzeroExitStatus, ExitStatus: 3}, "", StatusNonzeroExitStatus},
		{"signalled", runner.Result{Status: runner.StatusSignalled, ExitStatus: int(syscall.SIGSEGV)}, "", StatusSignalled},
		{"cpu time over", runner.Result{Status: runner.StatusNormal, Time: 80 * time.Millisecond}, "", StatusTimeLimitExceeded},
		{"sigxcpu", runner.Result{Status: runner.StatusTimeLimitExceeded}, "", StatusTimeLimitExceeded},
		{"memory over", runner.Result{Status: runner.StatusSignalled, Memory: 80 << 20}, "", StatusMemoryLimitExceeded},
		{"time wins over memory", runner.Result{Status: runner.StatusNormal, Time: time.Second, Memory: 80 << 20}, "", StatusTimeLimitExceeded},
		{"sigxfsz", runner.Result{Status: runner.StatusOutputLimitExceeded}, "", StatusOutputLimitExceeded},
		{"output over", runner.Result{Status: runner.StatusNormal}, "0123456789abcdefXYZ", StatusOutputLimitExceeded},
		{"output at limit", runner.Result{Status: runner.StatusNormal}, "0123456789abcdef", StatusAccepted},
		{"output over then exit", runner.Result{Status: runner.StatusNonzeroExitStatus, ExitStatus: 1}, "0123456789abcdefX", StatusOutputLimitExceeded},
		{"output over then signalled", runner.Result{Status: runner.StatusSignalled, ExitStatus: int(syscall.SIGPIPE)}, "0123456789abcdefX", StatusOutputLimitExceeded},
		{"output over then time", runner.Result{Status: runner.StatusNormal, Time: time.Second}, "0123456789abcdefX", StatusOutputLimitExceeded},
		{"memory wins over output", runner.Result{Status: runner.StatusSignalled, Memory: 80 << 20}, "0123456789abcdefX", StatusMemoryLimitExceeded},
		{"disallowed", runner.Result{Status: runner.StatusDisallowedSyscall}, "", StatusDangerousSyscall},
		{"runner error", runner.Result{Status: runner.StatusRunnerError, Error: "fork"}, "", StatusInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := &fakeEnv{t: t, rt: tc.rt, stdout: tc.stdout}
			res, err := Run(context.Background(), newCmd(t, env))
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != tc.want {
				t.Fatalf("status = %v, want %v (%v)", res.Status, tc.want, res)
			}
		})
	}
}

func TestRunOutputCaptured(t *testing.T) {
	env := &fakeEnv{t: t, rt: runner.Result{Status: runner.StatusNormal}, stdout: "42\n"}
	c := newCmd(t, env)
	res, err := Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(c.Stdout)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "42\n" || res.OutputSize != 3 {
		t.Fatalf("stdout = %q, size = %v", b, res.OutputSize)
	}
}

func TestRunLimitsPassed(t *testing.T) {
	env := &fakeEnv{t: t, rt: runner.Result{Status: runner.StatusNormal}}
	c := newCmd(t, env)
	var synced int
	c.SyncFunc = func(pid int) error {
		synced = pid
		return nil
	}
	if _, err := Run(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	l := env.param.Limit
	if l.Time != c.TimeLimit || l.Memory != c.MemoryLimit+defaultExtraMemoryLimit || l.Output != c.OutputLimit || l.Proc != 1 {
		t.Fatalf("unexpected limit %+v", l)
	}
	if l.Stack != l.Memory {
		t.Fatalf("stack = %v, want %v", l.Stack, l.Memory)
	}
	if len(env.param.Files) != 3 {
		t.Fatalf("files = %v", env.param.Files)
	}
	if synced != 1 {
		t.Fatal("sync func not called")
	}
}

func TestRunWaiterKills(t *testing.T) {
	env := &fakeEnv{t: t, hang: true}
	start := time.Now()
	res, err := Run(context.Background(), newCmd(t, env))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeLimitExceeded {
		t.Fatalf("status = %v, want TLE", res.Status)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatal("CPU time limit not enforced before the wall clock limit")
	}
}

func TestRunClockLimit(t *testing.T) {
	env := &fakeEnv{t: t, hang: true}
	c := newCmd(t, env)
	// the process never accounts CPU time beyond the limit
	c.Waiter = (&Waiter{TickInterval: 5 * time.Millisecond, TimeLimit: time.Hour, ClockLimit: 30 * time.Millisecond}).Wait
	c.TimeLimit = time.Hour
	res, err := Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeLimitExceeded {
		t.Fatalf("status = %v, want TLE", res.Status)
	}
}

func TestRunWaiterMemory(t *testing.T) {
	env := &fakeEnv{t: t, hang: true, grow: 8 << 20}
	c := newCmd(t, env)
	c.TimeLimit = time.Hour
	c.Waiter = (&Waiter{TickInterval: time.Millisecond, TimeLimit: time.Hour, ClockLimit: 5 * time.Second, MemoryLimit: c.MemoryLimit}).Wait
	res, err := Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusMemoryLimitExceeded {
		t.Fatalf("status = %v, want MLE", res.Status)
	}
}

func TestWaiterLimits(t *testing.T) {
	tests := []struct {
		name string
		w    Waiter
		grow Size
		want Exceeded
	}{
		{"clock below cpu", Waiter{TimeLimit: time.Hour, ClockLimit: 20 * time.Millisecond}, 0, ExceededTime},
		{"cpu", Waiter{TimeLimit: 20 * time.Millisecond}, 0, ExceededTime},
		{"memory", Waiter{MemoryLimit: 16 << 20}, 8 << 20, ExceededMemory},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := &fakeEnv{t: t, hang: true, grow: tc.grow}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p, err := env.Execve(ctx, ExecveParam{})
			if err != nil {
				t.Fatal(err)
			}
			tc.w.TickInterval = time.Millisecond
			if got := tc.w.Wait(ctx, p); got != tc.want {
				t.Fatalf("Wait() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunCanceled(t *testing.T) {
	env := &fakeEnv{t: t, hang: true}
	c := newCmd(t, env)
	c.Waiter = nil
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := Run(ctx, c)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if res.Status != StatusInternalError {
		t.Fatalf("status = %v", res.Status)
	}
}

func TestRunExecveError(t *testing.T) {
	env := &fakeEnv{t: t, err: errors.New("no such file")}
	res, err := Run(context.Background(), newCmd(t, env))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusInternalError || res.Error == "" {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestRunMissingStdin(t *testing.T) {
	env := &fakeEnv{t: t, rt: runner.Result{Status: runner.StatusNormal}}
	c := newCmd(t, env)
	c.Stdin = filepath.Join(t.TempDir(), "missing")
	res, err := Run(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusInternalError {
		t.Fatalf("status = %v", res.Status)
	}
}

func TestStatusString(t *testing.T) {
	for s := StatusInvalid; s <= StatusInternalError; s++ {
		v, err := StringToStatus(s.String())
		if err != nil || v != s {
			t.Fatalf("StringToStatus(%q) = %v, %v", s.String(), v, err)
		}
	}
}
