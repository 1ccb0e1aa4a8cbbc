// Package runner judges a single submission inside a sandbox environment:
// it compiles the source once, runs every test case and aggregates the
// verdict.
package runner

import (
	"context"
	"time"

	"github.com/ntuicpc/tioj-judge/cpuset"
	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/language"
	"github.com/ntuicpc/tioj-judge/limit"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

const maxCompileMessage = 64 << 10

// Config defines the runner dependencies
type Config struct {
	Language     language.Language
	Testdata     filestore.TestdataStore
	Limiter      *limit.Limiter
	TickInterval time.Duration
	Logger       *zap.Logger
}

// Runner runs the judging pipeline, it is safe for concurrent use as long as
// each call has its own environment
type Runner struct {
	lang         language.Language
	testdata     filestore.TestdataStore
	limiter      *limit.Limiter
	tickInterval time.Duration
	logger       *zap.Logger
}

// New creates new runner
func New(c Config) *Runner {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		lang:         c.Language,
		testdata:     c.Testdata,
		limiter:      c.Limiter,
		tickInterval: c.TickInterval,
		logger:       logger,
	}
}

// Task is a single judge task
type Task struct {
	Submission  *types.Submission
	Environment envexec.Environment
	CPU         cpuset.Assignment
}

// Run judges the submission. The error is not nil only when ctx is done
// before the judge finishes, in which case the verdict is nil.
func (r *Runner) Run(ctx context.Context, t Task) (*types.Verdict, error) {
	sub := t.Submission
	logger := r.logger.With(zap.Int64("submission", sub.ID))

	if err := t.Environment.Reset(); err != nil {
		logger.Error("failed to reset environment", zap.Error(err))
		return types.SystemError(sub.ID, "failed to reset environment"), nil
	}
	defer t.Environment.Reset()

	v := &types.Verdict{SubmissionID: sub.ID}

	msg, status, err := r.compile(ctx, t)
	if err != nil {
		return nil, err
	}
	v.CompileMessage = msg
	if status != types.StatusAccepted {
		v.Status = status
		logger.Info("compile failed", zap.Stringer("status", status))
		return v, nil
	}

	v.Cases = make([]types.CaseResult, 0, len(sub.TestCases))
	for _, tc := range sub.TestCases {
		res, err := r.runCase(ctx, t, tc)
		if err != nil {
			return nil, err
		}
		logger.Debug("test case finished", zap.Int("case", tc.Index), zap.Stringer("status", res.Status),
			zap.Duration("time", res.Time), zap.Uint64("memory", uint64(res.Memory)))
		v.Cases = append(v.Cases, res)
	}
	v.Status = types.Aggregate(v.Cases)
	return v, nil
}

func (r *Runner) newWaiter(l limit.Limits) *envexec.Waiter {
	return &envexec.Waiter{
		TickInterval: r.tickInterval,
		TimeLimit:    l.CPU,
		ClockLimit:   l.Wall,
		MemoryLimit:  l.Memory,
	}
}
