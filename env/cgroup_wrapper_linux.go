package env

import (
	"time"

	"github.com/criyle/go-sandbox/pkg/cgroup"
	"github.com/ntuicpc/tioj-judge/envexec"
)

// wCgroup is the cgroup of a single execution
type wCgroup struct {
	cg cgroup.Cgroup
}

func newExecCgroup(parent cgroup.Cgroup, limit envexec.Limit) (*wCgroup, error) {
	cg, err := parent.Random("")
	if err != nil {
		return nil, err
	}
	c := &wCgroup{cg: cg}
	if err := c.cg.SetMemoryLimit(uint64(limit.Memory)); err != nil {
		c.Destroy()
		return nil, err
	}
	if limit.Proc > 0 {
		// pids controller may be missing, limit is best effort
		c.cg.SetProcLimit(limit.Proc)
	}
	return c, nil
}

func (c *wCgroup) CPUUsage() (time.Duration, error) {
	t, err := c.cg.CPUUsage()
	return time.Duration(t), err
}

func (c *wCgroup) MaxMemory() (envexec.Size, error) {
	s, err := c.cg.MemoryMaxUsage()
	if err != nil {
		return 0, err
	}
	return envexec.Size(s), nil
}

func (c *wCgroup) AddProc(pid int) error {
	return c.cg.AddProc(pid)
}

func (c *wCgroup) Destroy() error {
	return c.cg.Destroy()
}
