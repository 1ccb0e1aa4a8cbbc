// Command tioj-judge is the judge worker daemon of TIOJ. It fetches
// submissions from the server, judges them in sandboxes pinned to CPUs and
// reports the verdicts back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ntuicpc/tioj-judge/client/tiojclient"
	"github.com/ntuicpc/tioj-judge/cmd/tioj-judge/config"
	"github.com/ntuicpc/tioj-judge/cmd/tioj-judge/version"
	"github.com/ntuicpc/tioj-judge/coordinator"
	"github.com/ntuicpc/tioj-judge/cpuset"
	"github.com/ntuicpc/tioj-judge/env"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/language"
	"github.com/ntuicpc/tioj-judge/limit"
	"github.com/ntuicpc/tioj-judge/lockfile"
	"github.com/ntuicpc/tioj-judge/runner"
	"github.com/ntuicpc/tioj-judge/serversync"
	"github.com/ntuicpc/tioj-judge/taskqueue"
	"github.com/ntuicpc/tioj-judge/worker"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

const timeLimitCheckerInterval = 100 * time.Millisecond

var logger *zap.Logger

func main() {
	// -v is the verbosity
	cli.VersionFlag = &cli.BoolFlag{
		Name:  "version",
		Usage: "show version and exit",
	}
	cmd := newCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		if logger != nil {
			logger.Error("tioj-judge exited", zap.Error(err))
			logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, "tioj-judge:", err)
		}
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	var verbosity int
	return &cli.Command{
		Name:    "tioj-judge",
		Usage:   "judge worker daemon of TIOJ",
		Version: version.Version,
		Flags:   flags(&verbosity),

		UseShortOptionHandling: true,

		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			applyFlags(conf, cmd)
			initLogger(verbosity)
			defer logger.Sync()
			return run(ctx, conf, !cmd.Bool("no-lock"))
		},
	}
}

func flags(verbosity *int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   config.DefaultPath,
			Usage:   "path of configuration file",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "verbose level, repeat for more",
			Config:  cli.BoolConfig{Count: verbosity},
		},
		&cli.IntFlag{
			Name:    "parallel",
			Aliases: []string{"p"},
			Usage:   "number of maximum parallel judge tasks",
		},
		&cli.FloatFlag{
			Name:    "time-multiplier",
			Aliases: []string{"m"},
			Usage:   "ratio of real time to indicated time",
		},
		&cli.BoolFlag{
			Name:  "no-lock",
			Usage: "do not check for other running instances",
		},
		&cli.StringFlag{
			Name:  "pinned-cpus",
			Usage: `comma-separated list of CPUs to pin or simply "all" or "none"`,
		},
	}
}

// applyFlags overrides the configuration with the flags given
func applyFlags(conf *config.Config, cmd *cli.Command) {
	if cmd.IsSet("parallel") {
		conf.Parallel = cmd.Int("parallel")
	}
	if cmd.IsSet("time-multiplier") {
		conf.TimeMultiplier = cmd.Float("time-multiplier")
	}
	if cmd.IsSet("pinned-cpus") {
		conf.PinnedCpus = cmd.String("pinned-cpus")
	}
}

func initLogger(verbosity int) {
	var err error
	if verbosity < 2 {
		config := zap.NewProductionConfig()
		if verbosity == 0 {
			config.Level.SetLevel(zap.WarnLevel)
		}
		logger, err = config.Build()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err = config.Build()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, lock bool) error {
	nproc := cpuset.Online()
	if err := conf.Validate(nproc); err != nil {
		return err
	}
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", *conf)))
	}
	if unix.Geteuid() != 0 {
		return errors.New("must be run as root")
	}
	if lock {
		l, err := lockfile.Acquire(conf.TestdataRoot)
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				return fmt.Errorf("another judge instance is running: %w", err)
			}
			return err
		}
		defer l.Release()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// leaf components
	pinned, err := conf.PinnedSet(nproc)
	if err != nil {
		return err
	}
	alloc := cpuset.NewAllocator(pinned, conf.Parallel, logger)
	limiter := limit.New(limit.Config{
		TimeMultiplier: conf.TimeMultiplier,
		MaxRSS:         conf.MaxRSS(),
		MaxOutput:      conf.MaxOutput(),
	})
	queue := taskqueue.New(conf.QueueSize())

	cl, err := tiojclient.New(tiojclient.Config{
		URL:      conf.TiojURL,
		Key:      conf.TiojKey,
		RetryMax: conf.RetryMax,
		Logger:   logger.Named("client"),
	})
	if err != nil {
		return err
	}
	testdata, err := filestore.NewTestdataStore(conf.TestdataRoot, cl, logger.Named("testdata"))
	if err != nil {
		return err
	}
	sources, err := filestore.NewSourceStore(conf.SubmissionRoot)
	if err != nil {
		return err
	}
	lang, err := newLanguage(conf)
	if err != nil {
		return err
	}

	b, builderParam, err := env.NewBuilder(env.Config{
		BoxRoot:      conf.BoxRoot,
		SeccompConf:  conf.SeccompFile,
		CgroupPrefix: conf.CgroupPrefix,
		UID:          conf.SandboxUID,
		GID:          conf.SandboxGID,
		NoFallback:   conf.CgroupRequired,
		Logger:       logger.Named("env"),
	})
	if err != nil {
		return fmt.Errorf("create environment builder: %w", err)
	}
	defer b.Destroy()
	logger.Info("Environment builder created", zap.Any("param", builderParam))

	var (
		background []func(context.Context) error
		notifier   *tiojclient.Notifier
	)
	if conf.Notify {
		notifier, err = tiojclient.NewNotifier(conf.TiojURL, conf.TiojKey, logger.Named("notify"))
		if err != nil {
			return err
		}
		background = append(background, notifier.Run)
	}

	scConf := serversync.Config{
		Client:       cl,
		Queue:        queue,
		Sources:      sources,
		PollInterval: conf.PollInterval(),
		Logger:       logger.Named("sync"),
	}
	if notifier != nil {
		scConf.Notifier = notifier
	}
	syncer := serversync.New(scConf)

	work := worker.New(worker.Config{
		Parallelism: conf.Parallel,
		Queue:       queue,
		Builder:     b,
		Judger: runner.New(runner.Config{
			Language:     lang,
			Testdata:     testdata,
			Limiter:      limiter,
			TickInterval: timeLimitCheckerInterval,
			Logger:       logger.Named("runner"),
		}),
		Allocator:       alloc,
		Limiter:         limiter,
		Sink:            syncer,
		Grace:           conf.ShutdownGrace(),
		VerdictObserver: observeVerdict,
		Logger:          logger.Named("worker"),
	})

	status := func() judgeStatus {
		return judgeStatus{
			Queue:           queue.Len(),
			QueueCapacity:   queue.Cap(),
			Parallel:        conf.Parallel,
			Active:          work.Active(),
			Abandoned:       work.Abandoned(),
			PendingVerdicts: syncer.Pending(),
			Waiting:         syncer.Waiting(),
			PinnedCPUs:      pinned.String(),
			HeldCPUs:        alloc.Held(),
		}
	}
	registerStatusMetrics(status)
	initCgroupMetrics(b)
	if conf.MonitorAddr != "" {
		background = append(background, serveMonitor(conf.MonitorAddr, initMonitorHTTPMux(status, builderParam)))
	}

	co := coordinator.New(coordinator.Config{
		Queue:         queue,
		Pool:          work,
		Syncer:        syncer,
		Background:    background,
		ShutdownGrace: conf.ShutdownGrace(),
		Logger:        logger.Named("coordinator"),
	})

	context.AfterFunc(ctx, func() {
		daemon.SdNotify(false, daemon.SdNotifyStopping)
	})
	return co.Run(ctx, func() {
		logger.Info("Judge started",
			zap.Int("parallel", conf.Parallel),
			zap.Stringer("pinnedCpus", pinned),
			zap.Int("queue", queue.Cap()),
			zap.String("server", conf.TiojURL))
		daemon.SdNotify(false, daemon.SdNotifyReady)
	})
}

func newLanguage(conf *config.Config) (language.Language, error) {
	if conf.LanguagesFile == "" {
		return language.Default(), nil
	}
	t, err := language.Load(conf.LanguagesFile)
	if err != nil {
		return nil, fmt.Errorf("load languages: %w", err)
	}
	logger.Info("Languages loaded", zap.String("file", conf.LanguagesFile), zap.Strings("names", t.Names()))
	return t, nil
}
