//go:build !linux

package cpuset

import "runtime"

func setAffinity(pid, cpu int) error {
	return nil
}

// Online returns the number of CPUs
func Online() int {
	return runtime.NumCPU()
}
