// Package coordinator owns the lifetime of the judge: it starts the worker
// pool and the server synchronization loop, and on shutdown stops fetching,
// gives in-flight runs a grace period and flushes the verdicts.
package coordinator

import (
	"context"
	"time"

	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultShutdownGrace = 10 * time.Second
	defaultFlushTimeout  = 10 * time.Second
)

// Pool is the worker pool
type Pool interface {
	Start(ctx context.Context) error
	Wait()
	Shutdown()
}

// Syncer is the server synchronization loop
type Syncer interface {
	Run(ctx context.Context) error
	StopFetching()
	Abandon([]*types.Submission)
	Flush(ctx context.Context) error
}

// Queue is the admission queue
type Queue interface {
	Close() []*types.Submission
}

// Config defines the components and the shutdown timing
type Config struct {
	Queue  Queue
	Pool   Pool
	Syncer Syncer

	// Background tasks run alongside the sync loop until shutdown, e.g.
	// the push notifier. A failing task shuts down the judge.
	Background []func(context.Context) error

	ShutdownGrace time.Duration
	FlushTimeout  time.Duration
	Logger        *zap.Logger
}

// Coordinator runs the judge
type Coordinator struct {
	queue         Queue
	pool          Pool
	syncer        Syncer
	background    []func(context.Context) error
	shutdownGrace time.Duration
	flushTimeout  time.Duration
	logger        *zap.Logger
}

// New creates the coordinator
func New(c Config) *Coordinator {
	co := &Coordinator{
		queue:         c.Queue,
		pool:          c.Pool,
		syncer:        c.Syncer,
		background:    c.Background,
		shutdownGrace: c.ShutdownGrace,
		flushTimeout:  c.FlushTimeout,
		logger:        c.Logger,
	}
	if co.shutdownGrace <= 0 {
		co.shutdownGrace = defaultShutdownGrace
	}
	if co.flushTimeout <= 0 {
		co.flushTimeout = defaultFlushTimeout
	}
	if co.logger == nil {
		co.logger = zap.NewNop()
	}
	return co
}

// Run runs until ctx is done or a background task fails, then shuts down.
// started is called once everything is running, it may be nil.
func (c *Coordinator) Run(ctx context.Context, started func()) error {
	// runs are cancelled only after the grace period
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	if err := c.pool.Start(runCtx); err != nil {
		return err
	}

	syncCtx, cancelSync := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSync()
	g, gctx := errgroup.WithContext(syncCtx)
	g.Go(func() error {
		return c.syncer.Run(gctx)
	})
	for _, f := range c.background {
		g.Go(func() error {
			return f(gctx)
		})
	}
	if started != nil {
		started()
	}

	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
	case <-gctx.Done():
		c.logger.Error("background task failed, shutting down")
	}

	c.syncer.StopFetching()
	c.syncer.Abandon(c.queue.Close())
	c.drain(cancelRun)

	cancelSync()
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), c.flushTimeout)
	defer cancel()
	if ferr := c.syncer.Flush(flushCtx); ferr != nil {
		c.logger.Error("final flush incomplete", zap.Error(ferr))
	} else {
		c.logger.Info("final flush done")
	}
	return err
}

// drain waits for in-flight runs for the grace period and then cancels them
func (c *Coordinator) drain(cancelRun context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		c.pool.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("shutdown grace expired, cancelling in-flight runs", zap.Duration("grace", c.shutdownGrace))
		cancelRun()
		<-done
	}
	c.pool.Shutdown()
}
