// Package worker runs the fixed pool of judge slots. Each slot takes
// submissions from the admission queue in FIFO order, judges them on its own
// sandbox environment with an exclusive CPU when one is free, and hands the
// verdict to the sink.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ntuicpc/tioj-judge/cpuset"
	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/ntuicpc/tioj-judge/limit"
	"github.com/ntuicpc/tioj-judge/runner"
	"github.com/ntuicpc/tioj-judge/taskqueue"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

const (
	defaultGrace = 10 * time.Second
	// allowance per test case for testdata download and comparison
	caseOverhead = 5 * time.Second
)

// EnvironmentBuilder builds the sandbox environment with the given id
type EnvironmentBuilder interface {
	Build(id int) (envexec.Environment, error)
}

// Judger judges a single submission
type Judger interface {
	Run(ctx context.Context, t runner.Task) (*types.Verdict, error)
}

// Sink receives the verdicts, Submit must not block
type Sink interface {
	Submit(*types.Verdict)
}

// Config defines worker configuration
type Config struct {
	Parallelism int
	Queue       taskqueue.Receiver
	Builder     EnvironmentBuilder
	Judger      Judger
	Allocator   *cpuset.Allocator
	Limiter     *limit.Limiter
	Sink        Sink

	// Grace is added to the watchdog deadline, and is also the time a
	// cancelled run has to return before it is abandoned
	Grace time.Duration

	VerdictObserver func(*types.Verdict, time.Duration)
	Logger          *zap.Logger
}

// Worker is the fixed size judge pool
type Worker struct {
	parallelism int
	queue       taskqueue.Receiver
	builder     EnvironmentBuilder
	judger      Judger
	alloc       *cpuset.Allocator
	limiter     *limit.Limiter
	sink        Sink
	grace       time.Duration
	observer    func(*types.Verdict, time.Duration)
	logger      *zap.Logger

	slots     []*slot
	active    atomic.Int32
	abandoned atomic.Int32
	nextID    atomic.Int64

	startOnce sync.Once
	wg        sync.WaitGroup
}

type slot struct {
	index int
	env   envexec.Environment
}

type result struct {
	v   *types.Verdict
	err error
}

// New creates new worker
func New(conf Config) *Worker {
	w := &Worker{
		parallelism: conf.Parallelism,
		queue:       conf.Queue,
		builder:     conf.Builder,
		judger:      conf.Judger,
		alloc:       conf.Allocator,
		limiter:     conf.Limiter,
		sink:        conf.Sink,
		grace:       conf.Grace,
		observer:    conf.VerdictObserver,
		logger:      conf.Logger,
	}
	if w.parallelism < 1 {
		w.parallelism = 1
	}
	if w.grace <= 0 {
		w.grace = defaultGrace
	}
	if w.alloc == nil {
		w.alloc = cpuset.NewAllocator(cpuset.CPUSet{}, w.parallelism, zap.NewNop())
	}
	if w.limiter == nil {
		w.limiter = limit.New(limit.Config{})
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	// environments replacing abandoned ones get ids after the slots
	w.nextID.Store(int64(w.parallelism))
	return w
}

// Start builds the slot environments and starts the slot loops. The loops
// exit when the queue is closed or ctx is done. Cancelling ctx also
// cancels the runs in progress.
func (w *Worker) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		for i := range w.parallelism {
			env, e := w.builder.Build(i)
			if e != nil {
				w.destroyEnvs()
				err = fmt.Errorf("build environment for slot %d: %w", i, e)
				return
			}
			w.slots = append(w.slots, &slot{index: i, env: env})
		}
		w.wg.Add(len(w.slots))
		for _, s := range w.slots {
			go w.loop(ctx, s)
		}
		w.logger.Info("worker started", zap.Int("parallelism", w.parallelism))
	})
	return err
}

// Wait waits for all slot loops to exit
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Shutdown waits for the slot loops and destroys their environments.
// Environments of abandoned runs are destroyed when those runs return.
func (w *Worker) Shutdown() {
	w.wg.Wait()
	w.destroyEnvs()
}

// Active returns the number of slots currently judging
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// Abandoned returns the number of runs that did not stop after being
// cancelled and are still holding their resources
func (w *Worker) Abandoned() int {
	return int(w.abandoned.Load())
}

func (w *Worker) destroyEnvs() {
	for _, s := range w.slots {
		if s.env == nil {
			continue
		}
		if err := s.env.Destroy(); err != nil {
			w.logger.Warn("failed to destroy environment", zap.Int("slot", s.index), zap.Error(err))
		}
		s.env = nil
	}
}

func (w *Worker) loop(ctx context.Context, s *slot) {
	defer w.wg.Done()
	for {
		sub, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		w.active.Add(1)
		start := time.Now()
		v := w.judge(ctx, s, sub)
		w.active.Add(-1)

		w.logger.Info("judged", zap.Int("slot", s.index), zap.Int64("submission", sub.ID),
			zap.Stringer("status", v.Status), zap.Duration("elapsed", time.Since(start)))
		w.sink.Submit(v)
		if w.observer != nil {
			w.observer(v, time.Since(start))
		}
	}
}

// judge always returns a verdict, failures of the pipeline itself become
// system errors
func (w *Worker) judge(ctx context.Context, s *slot, sub *types.Submission) *types.Verdict {
	logger := w.logger.With(zap.Int("slot", s.index), zap.Int64("submission", sub.ID))

	if s.env == nil {
		id := int(w.nextID.Add(1) - 1)
		env, err := w.builder.Build(id)
		if err != nil {
			logger.Error("failed to build environment", zap.Error(err))
			return types.SystemError(sub.ID, "failed to build environment")
		}
		s.env = env
	}

	cpu := w.alloc.Acquire()
	task := runner.Task{
		Submission:  sub,
		Environment: s.env,
		CPU:         cpu,
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		abandoned bool
	)
	done := make(chan result, 1)
	// finish releases the CPU before the slot can see the result, so the
	// next submission of the slot finds it free. The CPU of an abandoned
	// run stays held until the run really returns.
	finish := func(r result) {
		mu.Lock()
		defer mu.Unlock()
		w.alloc.Release(cpu)
		if abandoned {
			w.abandoned.Add(-1)
			logger.Warn("abandoned run returned")
			if err := task.Environment.Destroy(); err != nil {
				logger.Warn("failed to destroy environment", zap.Error(err))
			}
		}
		done <- r
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("judge panicked", zap.Any("panic", r), zap.Stack("stack"))
				finish(result{v: types.SystemError(sub.ID, fmt.Sprintf("judge panicked: %v", r))})
			}
		}()
		v, err := w.judger.Run(runCtx, task)
		finish(result{v: v, err: err})
	}()

	deadline := w.deadline(sub)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var reason string
	select {
	case r := <-done:
		reason = "judge cancelled"
		if ctx.Err() != nil {
			reason = "judge shut down"
		}
		return w.verdict(sub, r, reason)
	case <-timer.C:
		reason = "judge timed out"
		logger.Warn("watchdog fired, cancelling", zap.Duration("deadline", deadline))
	case <-ctx.Done():
		reason = "judge shut down"
	}
	cancel()

	grace := time.NewTimer(w.grace)
	defer grace.Stop()
	select {
	case r := <-done:
		return w.verdict(sub, r, reason)
	case <-grace.C:
	}

	mu.Lock()
	select {
	case r := <-done:
		// returned just now
		mu.Unlock()
		return w.verdict(sub, r, reason)
	default:
	}
	abandoned = true
	w.abandoned.Add(1)
	mu.Unlock()

	logger.Error("run did not stop after cancel, abandoned", zap.Int("cpu", cpu.CPU))
	s.env = nil
	return types.SystemError(sub.ID, reason)
}

func (w *Worker) verdict(sub *types.Submission, r result, reason string) *types.Verdict {
	if r.err != nil || r.v == nil {
		return types.SystemError(sub.ID, reason)
	}
	return r.v
}

// deadline is the longest time a run may take: every execution at its wall
// limit plus allowances
func (w *Worker) deadline(sub *types.Submission) time.Duration {
	d := w.limiter.Compile().Wall + w.grace
	for _, tc := range sub.TestCases {
		d += caseOverhead
		if l, err := w.limiter.Compute(sub.CaseTimeLimit(tc), sub.CaseMemoryLimit(tc)); err == nil {
			d += l.Wall
		}
	}
	return d
}
