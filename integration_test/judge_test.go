//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ntuicpc/tioj-judge/cpuset"
	"github.com/ntuicpc/tioj-judge/env"
	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/language"
	"github.com/ntuicpc/tioj-judge/limit"
	"github.com/ntuicpc/tioj-judge/runner"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap/zaptest"
)

// localTestdata serves <tid>.in and <tid>.out from dir
type localTestdata struct {
	dir string
}

func (l *localTestdata) Get(ctx context.Context, tid int64, updatedAt time.Time) (filestore.Testdata, error) {
	return filestore.Testdata{
		Input:  filepath.Join(l.dir, fmt.Sprintf("%d.in", tid)),
		Output: filepath.Join(l.dir, fmt.Sprintf("%d.out", tid)),
	}, nil
}

func (l *localTestdata) add(t *testing.T, tid int64, in, out string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(l.dir, fmt.Sprintf("%d.in", tid)), []byte(in), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, fmt.Sprintf("%d.out", tid)), []byte(out), 0644); err != nil {
		t.Fatal(err)
	}
}

func newEnvironment(t *testing.T) envexec.Environment {
	if os.Geteuid() != 0 {
		t.Skip("sandbox requires root")
	}
	b, _, err := env.NewBuilder(env.Config{
		BoxRoot:      t.TempDir(),
		CgroupPrefix: "tioj-judge-test",
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Destroy() })

	e, err := b.Build(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Destroy() })
	return e
}

func newRunner(t *testing.T, entries ...language.Entry) (*runner.Runner, *localTestdata) {
	td := &localTestdata{dir: t.TempDir()}
	td.add(t, 1, "3 4\n", "3 4\n")

	entries = append(entries, language.Entry{
		Name:         "sh",
		Source:       "main.sh",
		Compile:      "/bin/sh -n main.sh",
		Run:          "/bin/sh main.sh",
		RunProcLimit: 8,
	})
	table, err := language.NewTable(entries...)
	if err != nil {
		t.Fatal(err)
	}
	return runner.New(runner.Config{
		Language: table,
		Testdata: td,
		Limiter: limit.New(limit.Config{
			MaxRSS:    1 << 30,
			MaxOutput: 1 << 20,
			ExtraWall: 200 * time.Millisecond,
		}),
		TickInterval: 10 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	}), td
}

func newSubmission(lang, code string, tid int64) *types.Submission {
	return &types.Submission{
		ID:          1,
		Language:    lang,
		Code:        code,
		TimeLimit:   500 * time.Millisecond,
		MemoryLimit: 256 << 20,
		TestCases:   []types.TestCase{{Index: 0, TestdataID: tid}},
	}
}

func judge(t *testing.T, r *runner.Runner, e envexec.Environment, sub *types.Submission, cpu cpuset.Assignment) *types.Verdict {
	t.Helper()
	v, err := r.Run(context.Background(), runner.Task{Submission: sub, Environment: e, CPU: cpu})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestShellVerdicts(t *testing.T) {
	tests := []struct {
		name string
		code string
		want types.Status
	}{
		{"accepted", "cat\n", types.StatusAccepted},
		{"wrong answer", "echo 7\n", types.StatusWrongAnswer},
		{"runtime error", "exit 3\n", types.StatusRuntimeError},
		{"time limit", "while :; do :; done\n", types.StatusTimeLimitExceeded},
		{"output limit", "while :; do echo aaaaaaaaaaaaaaaa; done\n", types.StatusOutputLimitExceeded},
		{"compile error", "if then\n", types.StatusCompileError},
	}
	e := newEnvironment(t)
	r, _ := newRunner(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := judge(t, r, e, newSubmission("sh", tc.code, 1), cpuset.Unpinned)
			if v.Status != tc.want {
				t.Fatalf("status = %v, want %v (%+v)", v.Status, tc.want, v)
			}
		})
	}
}

func TestPythonLimits(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	e := newEnvironment(t)
	r, _ := newRunner(t, language.Entry{
		Name:         "py",
		Source:       "main.py",
		Run:          python + " main.py",
		RunProcLimit: 8,
	})
	tests := []struct {
		name string
		code string
		want types.Status
	}{
		{"accepted", "print(input())\n", types.StatusAccepted},
		{"memory limit", "b = b'x' * (512 << 20)\nprint(len(b))\n", types.StatusMemoryLimitExceeded},
		{"output limit", "while True:\n    print('a' * 100)\n", types.StatusOutputLimitExceeded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := newSubmission("py", tc.code, 1)
			sub.TimeLimit = 5 * time.Second
			v := judge(t, r, e, sub, cpuset.Unpinned)
			if v.Status != tc.want {
				t.Fatalf("status = %v, want %v (%+v)", v.Status, tc.want, v)
			}
		})
	}
}

func TestPinnedCPU(t *testing.T) {
	e := newEnvironment(t)
	r, td := newRunner(t)
	td.add(t, 2, "", "Cpus_allowed_list:\t0\n")

	set, err := cpuset.Parse("0", cpuset.Online())
	if err != nil {
		t.Fatal(err)
	}
	alloc := cpuset.NewAllocator(set, 1, zaptest.NewLogger(t))
	cpu := alloc.Acquire()
	defer alloc.Release(cpu)
	if !cpu.Pinned {
		t.Fatal("CPU 0 not assigned")
	}

	v := judge(t, r, e, newSubmission("sh", "grep Cpus_allowed_list /proc/self/status\n", 2), cpu)
	if v.Status != types.StatusAccepted {
		t.Fatalf("status = %v (%+v)", v.Status, v)
	}
}
