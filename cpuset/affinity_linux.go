package cpuset

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	onlinePath = "/sys/devices/system/cpu/online"
	// upper bound of CPU indices accepted from sysfs
	maxCPUs = 1 << 16
)

func setAffinity(pid, cpu int) error {
	var s unix.CPUSet
	s.Zero()
	s.Set(cpu)
	return unix.SchedSetaffinity(pid, &s)
}

// Online returns one past the highest online CPU index. It does not depend
// on the affinity mask of the calling process.
func Online() int {
	return onlineFrom(onlinePath)
}

func onlineFrom(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return runtime.NumCPU()
	}
	s, err := Parse(string(b), maxCPUs)
	if err != nil || s.Len() == 0 {
		return runtime.NumCPU()
	}
	cpus := s.CPUs()
	return cpus[len(cpus)-1] + 1
}
