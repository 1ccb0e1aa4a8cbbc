// Package serversync exchanges submissions and verdicts with the remote
// judge server. A single loop fetches submissions into the admission queue
// while it has space and reports the verdicts handed over by the workers.
package serversync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ntuicpc/tioj-judge/client"
	"github.com/ntuicpc/tioj-judge/filestore"
	"github.com/ntuicpc/tioj-judge/taskqueue"
	"github.com/ntuicpc/tioj-judge/types"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	maxRetryInterval    = time.Minute
)

// Config defines the synchronizer parameters
type Config struct {
	Client client.Client
	Queue  taskqueue.Sender

	// Sources stores fetched code, optional
	Sources filestore.SourceStore
	// Notifier wakes up the loop on server push, optional
	Notifier client.Notifier

	PollInterval time.Duration
	Logger       *zap.Logger
}

// Syncer is the server synchronization loop
type Syncer struct {
	client       client.Client
	queue        taskqueue.Sender
	sources      filestore.SourceStore
	notifier     client.Notifier
	pollInterval time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	outbox  []*types.Verdict
	pending []*types.Submission
	// submissions queued, running or awaiting report
	tracked mapset.Set[int64]
	// verdicts the server refused, retried on their own schedule
	rejected map[int64]*rejection

	// serializes reports between the loop and Flush
	reportMu sync.Mutex

	wake    chan struct{}
	stopped atomic.Bool
}

// New creates the synchronizer
func New(c Config) *Syncer {
	s := &Syncer{
		client:       c.Client,
		queue:        c.Queue,
		sources:      c.Sources,
		notifier:     c.Notifier,
		pollInterval: c.PollInterval,
		logger:       c.Logger,
		tracked:      mapset.NewThreadUnsafeSet[int64](),
		rejected:     make(map[int64]*rejection),
		wake:         make(chan struct{}, 1),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Submit hands over a verdict for reporting, it never blocks
func (s *Syncer) Submit(v *types.Verdict) {
	s.mu.Lock()
	replaced := false
	for i, o := range s.outbox {
		if o.SubmissionID == v.SubmissionID {
			s.outbox[i] = v
			replaced = true
			break
		}
	}
	if !replaced {
		s.outbox = append(s.outbox, v)
	}
	delete(s.rejected, v.SubmissionID)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StopFetching stops fetching new submissions, verdicts are still reported
func (s *Syncer) StopFetching() {
	s.stopped.Store(true)
}

// Pending returns the number of verdicts awaiting report
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// Waiting returns the number of fetched submissions waiting for queue space
func (s *Syncer) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Abandon forgets the given submissions together with every fetched
// submission still waiting for queue space. Their stored sources are removed.
func (s *Syncer) Abandon(subs []*types.Submission) {
	s.mu.Lock()
	subs = append(subs, s.pending...)
	s.pending = nil
	for _, sub := range subs {
		s.tracked.Remove(sub.ID)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.logger.Warn("submission abandoned without verdict", zap.Int64("submission", sub.ID))
		s.removeSource(sub.ID)
	}
}

// Run runs the loop until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	s.removeStale()

	eb := s.newBackOff()

	var notifyC <-chan struct{}
	if s.notifier != nil {
		notifyC = s.notifier.C()
	}
	spaceC := s.queue.SpaceC()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		ok := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if ok {
			eb.Reset()
			timer.Reset(s.pollInterval)
			select {
			case <-ctx.Done():
			case <-s.wake:
			case <-spaceC:
			case <-notifyC:
			case <-timer.C:
			}
			continue
		}
		// server unavailable, wake-ups stay buffered until the retry
		d := eb.NextBackOff()
		s.logger.Debug("sync cycle failed, waiting", zap.Duration("after", d))
		timer.Reset(d)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// cycle reports completed verdicts and then fetches while the queue has
// space. It returns false when the server was unreachable.
func (s *Syncer) cycle(ctx context.Context) bool {
	ok := s.flush(ctx, false)
	if ctx.Err() != nil {
		return false
	}
	return s.fetch(ctx) && ok
}

// Flush reports the verdicts in the outbox once, it returns an error when
// some could not be reported before ctx is done
func (s *Syncer) Flush(ctx context.Context) error {
	s.flush(ctx, true)
	if n := s.Pending(); n > 0 {
		return fmt.Errorf("serversync: %d verdicts not reported", n)
	}
	return nil
}

// flush reports the outbox in order. Verdicts refused by the server wait for
// their own retry time unless force is set. It returns false only when the
// server was unreachable.
func (s *Syncer) flush(ctx context.Context, force bool) bool {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	now := time.Now()
	s.mu.Lock()
	outbox := make([]*types.Verdict, 0, len(s.outbox))
	for _, v := range s.outbox {
		if r, ok := s.rejected[v.SubmissionID]; force || !ok || !now.Before(r.next) {
			outbox = append(outbox, v)
		}
	}
	s.mu.Unlock()

	for _, v := range outbox {
		err := s.client.ReportVerdict(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Warn("failed to report verdict", zap.Int64("submission", v.SubmissionID), zap.Error(err))
			if client.IsTransient(err) {
				return false
			}
			s.reject(v)
			continue
		}
		s.logger.Info("verdict reported", zap.Int64("submission", v.SubmissionID), zap.Stringer("status", v.Status))
		s.confirm(v)
	}
	return true
}

type rejection struct {
	next time.Time
	b    *backoff.ExponentialBackOff
}

// reject keeps a refused verdict in the outbox and schedules its next attempt
func (s *Syncer) reject(v *types.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rejected[v.SubmissionID]
	if !ok {
		r = &rejection{b: s.newBackOff()}
		s.rejected[v.SubmissionID] = r
	}
	d := r.b.NextBackOff()
	r.next = time.Now().Add(d)
	s.logger.Debug("verdict retry scheduled", zap.Int64("submission", v.SubmissionID), zap.Duration("after", d))
}

func (s *Syncer) newBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.pollInterval
	eb.MaxInterval = maxRetryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// confirm drops a reported verdict, it is never reported again
func (s *Syncer) confirm(v *types.Verdict) {
	s.mu.Lock()
	for i, o := range s.outbox {
		if o == v {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			break
		}
	}
	delete(s.rejected, v.SubmissionID)
	s.tracked.Remove(v.SubmissionID)
	s.mu.Unlock()

	s.removeSource(v.SubmissionID)
}

func (s *Syncer) fetch(ctx context.Context) bool {
	if s.stopped.Load() {
		return true
	}
	if !s.admitPending() {
		return true
	}
	for s.queue.Space() > 0 && !s.stopped.Load() {
		sub, err := s.client.FetchSubmission(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to fetch submission", zap.Error(err))
			}
			return false
		}
		if sub == nil {
			return true
		}
		if !s.accept(sub) {
			// the server handed out something still in flight
			return true
		}
		if !s.admitPending() {
			return true
		}
	}
	return true
}

// accept tracks a fetched submission and puts it at the tail of pending.
// It returns false for a duplicate.
func (s *Syncer) accept(sub *types.Submission) bool {
	logger := s.logger.With(zap.Int64("submission", sub.ID))

	s.mu.Lock()
	if s.tracked.Contains(sub.ID) {
		s.mu.Unlock()
		logger.Info("ignored duplicated submission")
		return false
	}
	s.tracked.Add(sub.ID)
	s.mu.Unlock()

	if err := sub.Validate(); err != nil {
		logger.Warn("invalid submission", zap.Error(err))
		if sub.ID > 0 {
			s.Submit(&types.Verdict{SubmissionID: sub.ID, Status: types.StatusJudgeError, CompileMessage: err.Error()})
		}
		return true
	}
	if s.sources != nil {
		if err := s.sources.Store(sub); err != nil {
			logger.Error("failed to store source", zap.Error(err))
			s.Submit(types.SystemError(sub.ID, err.Error()))
			return true
		}
	}
	logger.Info("submission fetched", zap.Stringer("detail", sub))

	s.mu.Lock()
	s.pending = append(s.pending, sub)
	s.mu.Unlock()
	return true
}

// admitPending moves pending submissions into the queue in FIFO order.
// It returns true when nothing is left pending.
func (s *Syncer) admitPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 {
		sub := s.pending[0]
		switch err := s.queue.Enqueue(sub); {
		case err == nil:
		case errors.Is(err, taskqueue.ErrDuplicate):
			s.logger.Info("submission already queued", zap.Int64("submission", sub.ID))
		default:
			return false
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
	}
	return true
}

func (s *Syncer) removeSource(id int64) {
	if s.sources == nil {
		return
	}
	if err := s.sources.Remove(id); err != nil {
		s.logger.Warn("failed to remove source", zap.Int64("submission", id), zap.Error(err))
	}
}

// removeStale removes sources left behind by a previous run, the server
// hands those submissions out again
func (s *Syncer) removeStale() {
	if s.sources == nil {
		return
	}
	ids, err := s.sources.List()
	if err != nil {
		s.logger.Warn("failed to list stored sources", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.mu.Lock()
		inUse := s.tracked.Contains(id)
		s.mu.Unlock()
		if !inUse {
			s.logger.Debug("removed stale source", zap.Int64("submission", id))
			s.removeSource(id)
		}
	}
}
