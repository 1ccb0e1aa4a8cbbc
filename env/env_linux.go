package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/criyle/go-sandbox/pkg/forkexec"
	"github.com/criyle/go-sandbox/pkg/rlimit"
	"github.com/criyle/go-sandbox/pkg/seccomp"
	"github.com/ntuicpc/tioj-judge/envexec"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	cloneFlags = unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWUTS | unix.CLONE_NEWPID

	fallbackDataFactor = 4
)

// Builder creates the environment of each worker slot
type Builder struct {
	boxRoot string
	cgb     cgroup.Cgroup
	seccomp seccomp.Filter
	cred    *syscall.Credential
	logger  *zap.Logger
}

// NewBuilder sets up the cgroup hierarchy and the seccomp filter and
// returns the builder with a description of the detected setup
func NewBuilder(c Config) (*Builder, map[string]any, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(c.BoxRoot, 0755); err != nil {
		return nil, nil, fmt.Errorf("create box root: %w", err)
	}

	filter, err := readSeccompConf(c.SeccompConf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load seccomp config: %w", err)
	}
	if filter != nil {
		logger.Info("load seccomp filter", zap.String("file", c.SeccompConf))
	}

	cgb, ct, err := setupCgroup(c, logger)
	if err != nil {
		return nil, nil, err
	}
	cgroupType, cgroupControllers := getCgroupInfo(cgb, ct)

	var cred *syscall.Credential
	if c.UID > 0 || c.GID > 0 {
		cred = &syscall.Credential{Uid: uint32(c.UID), Gid: uint32(c.GID)}
	}
	return &Builder{
			boxRoot: c.BoxRoot,
			cgb:     cgb,
			seccomp: filter,
			cred:    cred,
			logger:  logger,
		}, map[string]any{
			"boxRoot":           c.BoxRoot,
			"cgroupType":        cgroupType,
			"cgroupControllers": cgroupControllers,
			"seccomp":           filter != nil,
			"uid":               c.UID,
			"gid":               c.GID,
		}, nil
}

// Build creates the environment of the slot at <box_root>/<slot>
func (b *Builder) Build(slot int) (envexec.Environment, error) {
	wd := filepath.Join(b.boxRoot, strconv.Itoa(slot))
	if err := os.MkdirAll(wd, 0755); err != nil {
		return nil, fmt.Errorf("create box %s: %w", wd, err)
	}
	if b.cred != nil {
		if err := os.Chown(wd, int(b.cred.Uid), int(b.cred.Gid)); err != nil {
			return nil, fmt.Errorf("chown box %s: %w", wd, err)
		}
	}
	e := &environment{
		wd:      wd,
		cgb:     b.cgb,
		seccomp: b.seccomp,
		cred:    b.cred,
		logger:  b.logger.With(zap.Int("slot", slot)),
	}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// Cgroup returns the parent cgroup of all executions, nil without cgroup
func (b *Builder) Cgroup() cgroup.Cgroup {
	return b.cgb
}

// Destroy removes the judge cgroup
func (b *Builder) Destroy() error {
	if b.cgb == nil {
		return nil
	}
	return b.cgb.Destroy()
}

var _ envexec.Environment = &environment{}

type environment struct {
	wd      string
	cgb     cgroup.Cgroup
	seccomp seccomp.Filter
	cred    *syscall.Credential
	logger  *zap.Logger
}

// Execve execute process inside the environment
func (e *environment) Execve(ctx context.Context, param envexec.ExecveParam) (envexec.Process, error) {
	var (
		cg  *wCgroup
		err error
	)
	limit := param.Limit
	if e.cgb != nil {
		if cg, err = newExecCgroup(e.cgb, limit); err != nil {
			return nil, fmt.Errorf("execve: failed to create cgroup: %w", err)
		}
	}

	rLimits := rlimit.RLimits{
		CPU:         uint64(limit.Time.Truncate(time.Second)/time.Second) + 1,
		Stack:       limit.Stack.Byte(),
		DisableCore: true,
	}
	if limit.Output > 0 {
		// one byte over so that an output at the limit is detectable
		rLimits.FileSize = limit.Output.Byte() + 1
	}
	if cg == nil {
		// without cgroup the memory limit is enforced on the resident set by
		// the waiter, the data rlimit only stops runaway allocations
		rLimits.Data = limit.Memory.Byte() * fallbackDataFactor
	}

	syncFunc := func(pid int) error {
		if cg != nil {
			if err := cg.AddProc(pid); err != nil {
				return err
			}
		}
		if param.SyncFunc != nil {
			return param.SyncFunc(pid)
		}
		return nil
	}

	r := &forkexec.Runner{
		Args:       param.Args,
		Env:        param.Env,
		Files:      param.Files,
		WorkDir:    e.wd,
		RLimits:    rLimits.PrepareRLimit(),
		CloneFlags: cloneFlags,
		Credential: e.cred,
		NoNewPrivs: true,
		SyncFunc:   syncFunc,
	}
	if param.Restricted && len(e.seccomp) > 0 {
		r.Seccomp = e.seccomp.SockFprog()
	}

	pid, err := r.Start()
	if err != nil {
		if cg != nil {
			cg.Destroy()
		}
		return nil, fmt.Errorf("execve: %w", err)
	}
	e.logger.Debug("process started", zap.Int("pid", pid), zap.Strings("args", param.Args))
	return newProcess(ctx, pid, cg, limit), nil
}

// WorkDir returns the host path of the working directory
func (e *environment) WorkDir() string {
	return e.wd
}

// Reset removes everything inside the working directory
func (e *environment) Reset() error {
	return removeContents(e.wd)
}

// Destroy removes the working directory
func (e *environment) Destroy() error {
	return os.RemoveAll(e.wd)
}

// removeContents delete content of a directory
func removeContents(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
