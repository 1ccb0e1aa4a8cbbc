package cpuset

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// Assignment is the CPU assigned to an active worker
type Assignment struct {
	CPU    int
	Pinned bool
}

// Unpinned is the assignment used when no CPU is available for pinning
var Unpinned = Assignment{CPU: -1}

// Bind sets the scheduling affinity of the process pid to the assigned CPU.
// It does nothing for unpinned assignments.
func (a Assignment) Bind(pid int) error {
	if !a.Pinned {
		return nil
	}
	return setAffinity(pid, a.CPU)
}

// Allocator hands out disjoint CPU assignments from a free list
type Allocator struct {
	mu   sync.Mutex
	free []int
	held mapset.Set[int]
	set  CPUSet
}

// NewAllocator creates an allocator for the pinned set. When the set is not
// empty but smaller than parallel, excess workers run unpinned.
func NewAllocator(set CPUSet, parallel int, logger *zap.Logger) *Allocator {
	if set.Len() > 0 && set.Len() < parallel {
		logger.Warn("parallelism larger than the number of pinned CPUs, some tasks may not be pinned",
			zap.Int("parallel", parallel), zap.Stringer("pinnedCPUs", set))
	}
	return &Allocator{
		free: set.CPUs(),
		held: mapset.NewThreadUnsafeSet[int](),
		set:  set,
	}
}

// Acquire takes a free CPU, or returns Unpinned if none is free
func (a *Allocator) Acquire() Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return Unpinned
	}
	cpu := a.free[0]
	a.free = a.free[1:]
	a.held.Add(cpu)
	return Assignment{CPU: cpu, Pinned: true}
}

// Release returns the CPU to the free list. Releasing an unpinned or an
// already released assignment is a no-op.
func (a *Allocator) Release(as Assignment) {
	if !as.Pinned {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.held.Contains(as.CPU) {
		return
	}
	a.held.Remove(as.CPU)
	a.free = append(a.free, as.CPU)
}

// Held returns the number of CPUs currently assigned
func (a *Allocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held.Cardinality()
}

// Set returns the pinned CPU set
func (a *Allocator) Set() CPUSet {
	return a.set
}
