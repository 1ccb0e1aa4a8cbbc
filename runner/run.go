package runner

import (
	"context"
	"errors"
	"os"

	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/language"
	"github.com/ntuicpc/tioj-judge/pkg/diff"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

func (r *Runner) runCase(ctx context.Context, t Task, tc types.TestCase) (types.CaseResult, error) {
	sub := t.Submission
	res := types.CaseResult{Index: tc.Index}
	fail := func(s types.Status, msg string) (types.CaseResult, error) {
		res.Status = s
		res.Message = msg
		return res, nil
	}

	l, err := r.limiter.Compute(sub.CaseTimeLimit(tc), sub.CaseMemoryLimit(tc))
	if err != nil {
		return fail(types.StatusJudgeError, err.Error())
	}
	param, err := r.lang.Get(sub.Language, language.TypeRun)
	if err != nil {
		return fail(types.StatusJudgeError, err.Error())
	}
	td, err := r.testdata.Get(ctx, tc.TestdataID, tc.TestdataUpdatedAt)
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, filestore.ErrNotFound):
		return fail(types.StatusJudgeError, "testdata not found")
	case err != nil:
		r.logger.Warn("failed to get testdata", zap.Int64("tid", tc.TestdataID), zap.Error(err))
		return fail(types.StatusSystemError, "failed to get testdata")
	}

	out, err := os.CreateTemp("", "tioj-output-")
	if err != nil {
		return fail(types.StatusSystemError, err.Error())
	}
	out.Close()
	defer os.Remove(out.Name())

	c := &envexec.Cmd{
		Environment: t.Environment,
		Args:        param.Args,
		Env:         param.Env,
		Stdin:       td.Input,
		Stdout:      out.Name(),
		TimeLimit:   l.CPU,
		ClockLimit:  l.Wall,
		MemoryLimit: l.Memory,
		OutputLimit: l.Output,
		ProcLimit:   param.ProcLimit,
		SyncFunc:    t.CPU.Bind,
		Restricted:  true,
		Waiter:      r.newWaiter(l).Wait,
	}
	er, err := envexec.Run(ctx, c)
	if err != nil {
		return res, err
	}
	res.Time = er.Time
	res.Memory = er.Memory
	res.ExitStatus = er.ExitStatus

	switch er.Status {
	case envexec.StatusAccepted:
		res.Status, res.Message = compare(td.Output, out.Name())
	case envexec.StatusTimeLimitExceeded:
		res.Status = types.StatusTimeLimitExceeded
	case envexec.StatusMemoryLimitExceeded:
		res.Status = types.StatusMemoryLimitExceeded
	case envexec.StatusOutputLimitExceeded:
		res.Status = types.StatusOutputLimitExceeded
	case envexec.StatusNonzeroExitStatus, envexec.StatusSignalled, envexec.StatusDangerousSyscall:
		res.Status = types.StatusRuntimeError
		res.Message = er.Status.String()
	default:
		r.logger.Error("execution failed", zap.Int64("submission", sub.ID), zap.Int("case", tc.Index), zap.String("error", er.Error))
		res.Status = types.StatusSystemError
		res.Message = er.Error
	}
	return res, nil
}

func compare(answer, output string) (types.Status, string) {
	exp, err := os.Open(answer)
	if err != nil {
		return types.StatusSystemError, err.Error()
	}
	defer exp.Close()

	act, err := os.Open(output)
	if err != nil {
		return types.StatusSystemError, err.Error()
	}
	defer act.Close()

	switch err := diff.Compare(exp, act); {
	case err == nil:
		return types.StatusAccepted, ""
	case diff.IsMismatch(err):
		return types.StatusWrongAnswer, err.Error()
	default:
		return types.StatusSystemError, err.Error()
	}
}
