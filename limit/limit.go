// Package limit computes the effective resource limits of a single execution
// from the limits declared by a problem and the judge host configuration.
package limit

import (
	"errors"
	"fmt"
	"time"

	"github.com/ntuicpc/tioj-judge/types"
)

// ErrInvalidLimits is returned when declared limits are not positive
var ErrInvalidLimits = errors.New("invalid declared limits")

// Defines defaults
const (
	DefaultMaxRSS     types.Size = 2 << 30
	DefaultExtraWall             = time.Second
	DefaultCompileCPU            = 10 * time.Second

	// MaxCPU caps the scaled CPU limit of a test case
	MaxCPU = time.Hour
)

// Limits is the effective limit of a single execution
type Limits struct {
	CPU    time.Duration
	Wall   time.Duration
	Memory types.Size
	Output types.Size
}

func (l Limits) String() string {
	return fmt.Sprintf("Limits[cpu=%v, wall=%v, mem=%v, output=%v]", l.CPU, l.Wall, l.Memory, l.Output)
}

// Config defines the host side ceilings
type Config struct {
	TimeMultiplier float64
	MaxRSS         types.Size
	MaxOutput      types.Size
	// ExtraWall is added to twice the CPU limit to get the wall limit
	ExtraWall  time.Duration
	CompileCPU time.Duration
}

// Limiter computes limits. It holds no mutable state and is safe for
// concurrent use.
type Limiter struct {
	multiplier float64
	maxRSS     types.Size
	maxOutput  types.Size
	extraWall  time.Duration
	compileCPU time.Duration
}

// New creates limiter, zero config values are replaced by defaults
func New(c Config) *Limiter {
	l := &Limiter{
		multiplier: c.TimeMultiplier,
		maxRSS:     c.MaxRSS,
		maxOutput:  c.MaxOutput,
		extraWall:  c.ExtraWall,
		compileCPU: c.CompileCPU,
	}
	if l.multiplier <= 0 {
		l.multiplier = 1
	}
	if l.maxRSS == 0 {
		l.maxRSS = DefaultMaxRSS
	}
	if l.maxOutput == 0 {
		l.maxOutput = l.maxRSS
	}
	if l.extraWall == 0 {
		l.extraWall = DefaultExtraWall
	}
	if l.compileCPU == 0 {
		l.compileCPU = DefaultCompileCPU
	}
	return l
}

// Compute returns the limits of a test case execution
func (l *Limiter) Compute(declaredTime time.Duration, declaredMemory types.Size) (Limits, error) {
	if declaredTime <= 0 || declaredMemory == 0 {
		return Limits{}, fmt.Errorf("%w: time=%v memory=%v", ErrInvalidLimits, declaredTime, declaredMemory)
	}
	cpu := MaxCPU
	if scaled := float64(declaredTime) * l.multiplier; scaled < float64(MaxCPU) {
		cpu = max(time.Duration(scaled), time.Millisecond)
	}
	return Limits{
		CPU:    cpu,
		Wall:   l.wall(cpu),
		Memory: min(declaredMemory, l.maxRSS),
		Output: l.maxOutput,
	}, nil
}

// Compile returns the limits of a compilation, which are not declared by
// the problem
func (l *Limiter) Compile() Limits {
	return Limits{
		CPU:    l.compileCPU,
		Wall:   l.wall(l.compileCPU),
		Memory: l.maxRSS,
		Output: l.maxOutput,
	}
}

func (l *Limiter) wall(cpu time.Duration) time.Duration {
	return 2*cpu + l.extraWall
}
