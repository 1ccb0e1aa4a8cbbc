package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/ntuicpc/tioj-judge/envexec"
	"github.com/ntuicpc/tioj-judge/language"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

const msgFileName = ".compile_msg"

// compile copies source into the box and runs the compile command, the
// returned status is AC on success
func (r *Runner) compile(ctx context.Context, t Task) (string, types.Status, error) {
	sub := t.Submission
	param, err := r.lang.Get(sub.Language, language.TypeCompile)
	if err != nil {
		if errors.Is(err, language.ErrUnknownLanguage) {
			return err.Error(), types.StatusJudgeError, nil
		}
		return err.Error(), types.StatusSystemError, nil
	}

	wd := t.Environment.WorkDir()
	if err := copySource(sub, filepath.Join(wd, param.SourceFileName)); err != nil {
		r.logger.Error("failed to copy source", zap.Int64("submission", sub.ID), zap.Error(err))
		return "failed to prepare source", types.StatusSystemError, nil
	}
	if len(param.Args) == 0 {
		return "", types.StatusAccepted, nil
	}

	l := r.limiter.Compile()
	msgFile := filepath.Join(wd, msgFileName)
	c := &envexec.Cmd{
		Environment: t.Environment,
		Args:        param.Args,
		Env:         param.Env,
		Stderr:      msgFile,
		TimeLimit:   l.CPU,
		ClockLimit:  l.Wall,
		MemoryLimit: l.Memory,
		OutputLimit: l.Output,
		ProcLimit:   param.ProcLimit,
		SyncFunc:    t.CPU.Bind,
		Waiter:      r.newWaiter(l).Wait,
	}
	res, err := envexec.Run(ctx, c)
	if err != nil {
		return "", types.StatusInvalid, err
	}
	msg := readMessage(msgFile)
	os.Remove(msgFile)

	switch res.Status {
	case envexec.StatusAccepted:
		return msg, types.StatusAccepted, nil
	case envexec.StatusInternalError:
		r.logger.Error("compile failed to run", zap.Int64("submission", sub.ID), zap.String("error", res.Error))
		return msg, types.StatusSystemError, nil
	case envexec.StatusTimeLimitExceeded:
		return msg + "\nCompilation time limit exceeded", types.StatusCompileError, nil
	case envexec.StatusMemoryLimitExceeded:
		return msg + "\nCompilation memory limit exceeded", types.StatusCompileError, nil
	default:
		return msg, types.StatusCompileError, nil
	}
}

func copySource(sub *types.Submission, dst string) error {
	if sub.SourcePath == "" {
		return os.WriteFile(dst, []byte(sub.Code), 0644)
	}
	src, err := os.Open(sub.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readMessage(p string) string {
	f, err := os.Open(p)
	if err != nil {
		return ""
	}
	defer f.Close()
	b, _ := io.ReadAll(io.LimitReader(f, maxCompileMessage))
	return string(b)
}
