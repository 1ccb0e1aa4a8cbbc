package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/criyle/go-sandbox/pkg/cgroup"
	ddbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	systemdTimeout = 10 * time.Second
	cgroupRoot     = "/sys/fs/cgroup"
)

// cgroup layout under the prefix:
//
//	<prefix>/daemon  the judge process itself
//	<prefix>/box     parent of the per execution cgroups
const (
	daemonCgroup = "daemon"
	boxCgroup    = "box"
)

var errNoMemoryController = errors.New("memory controller is not enabled")

// setupCgroup returns the box cgroup. A nil cgroup without error means
// executions are accounted by rlimit and rusage only.
func setupCgroup(c Config, logger *zap.Logger) (cgroup.Cgroup, *cgroup.Controllers, error) {
	prefix, ct, err := cgroupPrefix(c.CgroupPrefix, logger)
	if err == nil {
		var cg cgroup.Cgroup
		cg, err = nestBoxCgroup(prefix, ct, logger)
		if err == nil {
			if !ct.Pids {
				logger.Warn("pids controller is not enabled, process limits rely on rlimit")
			}
			return cg, ct, nil
		}
	}
	if c.NoFallback {
		return nil, nil, fmt.Errorf("cgroup: %w", err)
	}
	logger.Warn("cgroup unavailable, falling back to rlimit and rusage", zap.Error(err))
	return nil, nil, nil
}

// cgroupPrefix resolves the cgroup the judge may manage. With cgroup v2 the
// judge moves itself into a delegated transient systemd scope first.
func cgroupPrefix(name string, logger *zap.Logger) (string, *cgroup.Controllers, error) {
	if cgroup.DetectedCgroupType != cgroup.TypeV2 {
		ct, err := cgroup.GetAvailableController()
		return name, ct, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), systemdTimeout)
	defer cancel()
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		// no systemd, most likely inside a container owning the whole tree
		logger.Info("systemd bus unavailable, using cgroup root", zap.Error(err))
		ct, err := cgroup.GetAvailableControllerWithPrefix("")
		return "", ct, err
	}
	defer conn.Close()

	if err := startScope(ctx, conn, name+".scope"); err != nil {
		return "", nil, err
	}
	current, err := cgroup.GetCurrentCgroupPrefix()
	if err != nil {
		return "", nil, fmt.Errorf("current cgroup: %w", err)
	}
	logger.Info("running in systemd scope", zap.String("cgroup", current))
	ct, err := cgroup.GetAvailableControllerWithPrefix(current)
	return current, ct, err
}

func startScope(ctx context.Context, conn *dbus.Conn, unit string) error {
	props := []dbus.Property{
		dbus.PropDescription("TIOJ judge worker"),
		dbus.PropWants(unit),
		dbus.PropPids(uint32(os.Getpid())),
		{Name: "Delegate", Value: ddbus.MakeVariant(true)},
	}
	result := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unit, "replace", props, result); err != nil {
		return fmt.Errorf("start scope %s: %w", unit, err)
	}
	select {
	case s := <-result:
		if s != "done" {
			return fmt.Errorf("start scope %s: job %s", unit, s)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("start scope %s: %w", unit, ctx.Err())
	}
}

// nestBoxCgroup moves the daemon out of the prefix so that controllers can be
// enabled for the box subtree
func nestBoxCgroup(prefix string, ct *cgroup.Controllers, logger *zap.Logger) (cgroup.Cgroup, error) {
	if ct == nil || !ct.Memory {
		return nil, errNoMemoryController
	}
	for _, base := range cgroupMounts() {
		for _, name := range []string{boxCgroup, daemonCgroup} {
			if err := removeTree(filepath.Join(base, prefix, name)); err != nil {
				logger.Warn("failed to remove stale cgroup", zap.String("base", base), zap.Error(err))
			}
		}
	}
	root, err := cgroup.New(prefix, ct)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", prefix, err)
	}
	if _, err := root.Nest(daemonCgroup); err != nil {
		root.Destroy()
		return nil, fmt.Errorf("move into %s/%s: %w", prefix, daemonCgroup, err)
	}
	box, err := root.New(boxCgroup)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", prefix, boxCgroup, err)
	}
	logger.Info("box cgroup ready", zap.String("prefix", prefix), zap.Strings("controllers", ct.Names()))
	return box, nil
}

// cgroupMounts returns the hierarchies a prefix lives in, the unified one
// for v2 and one per controller for v1
func cgroupMounts() []string {
	if cgroup.DetectedCgroupType == cgroup.TypeV2 {
		return []string{cgroupRoot}
	}
	m, _ := filepath.Glob(filepath.Join(cgroupRoot, "*"))
	return m
}

// removeTree removes a cgroup left by a previous run together with its
// children. Cgroups still holding processes cannot be removed.
func removeTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			errs = append(errs, removeTree(filepath.Join(dir, e.Name())))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return os.Remove(dir)
}

func getCgroupInfo(cg cgroup.Cgroup, ct *cgroup.Controllers) (int, []string) {
	if cg == nil {
		return 0, []string{}
	}
	return int(cgroup.DetectedCgroupType), ct.Names()
}
