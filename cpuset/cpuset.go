// Package cpuset defines the set of CPUs eligible for pinning and the
// allocator handing out exclusive CPU assignments to worker slots.
package cpuset

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrInvalidSpec is returned when a CPU specification cannot be parsed
var ErrInvalidSpec = errors.New("invalid CPU specification")

// CPUSet is an immutable set of CPU indices
type CPUSet struct {
	set mapset.Set[int]
}

// New creates CPUSet from indices
func New(cpus ...int) CPUSet {
	return CPUSet{set: mapset.NewThreadUnsafeSet(cpus...)}
}

// Parse parses "all", "none" or a comma separated list of CPU indices and
// ranges (e.g. "0,2-5") where every index must be less than nproc
func Parse(spec string, nproc int) (CPUSet, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "", "none":
		return New(), nil
	case "all":
		cpus := make([]int, 0, nproc)
		for i := 0; i < nproc; i++ {
			cpus = append(cpus, i)
		}
		return New(cpus...), nil
	}

	s := mapset.NewThreadUnsafeSet[int]()
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := parseIndex(lo, nproc)
		if err != nil {
			return CPUSet{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
		}
		end := start
		if isRange {
			if end, err = parseIndex(hi, nproc); err != nil {
				return CPUSet{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
			}
			if end < start {
				return CPUSet{}, fmt.Errorf("%w: %q: reversed range %s", ErrInvalidSpec, spec, item)
			}
		}
		for i := start; i <= end; i++ {
			s.Add(i)
		}
	}
	return CPUSet{set: s}, nil
}

func parseIndex(s string, nproc int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad index %q", s)
	}
	if v < 0 || v >= nproc {
		return 0, fmt.Errorf("index %d out of range [0, %d)", v, nproc)
	}
	return v, nil
}

// Len returns the number of CPUs in the set
func (c CPUSet) Len() int {
	if c.set == nil {
		return 0
	}
	return c.set.Cardinality()
}

// Contains reports whether cpu is in the set
func (c CPUSet) Contains(cpu int) bool {
	return c.set != nil && c.set.Contains(cpu)
}

// CPUs returns the sorted CPU indices
func (c CPUSet) CPUs() []int {
	if c.set == nil {
		return nil
	}
	s := c.set.ToSlice()
	slices.Sort(s)
	return s
}

// String formats the set in the list-and-range form accepted by Parse
func (c CPUSet) String() string {
	cpus := c.CPUs()
	if len(cpus) == 0 {
		return "none"
	}
	var parts []string
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, strconv.Itoa(cpus[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", cpus[i], cpus[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
