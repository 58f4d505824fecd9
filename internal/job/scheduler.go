package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval bounds how long the loop idles between capacity checks.
const DefaultPollInterval = time.Second

var errSchedulerStarted = errors.New("scheduler already started")

// ExecFunc runs one dispatched job to a terminal state. It must not panic
// and must not return before the job's record is terminal.
type ExecFunc func(ctx context.Context, s Snapshot)

// Scheduler is the single loop that turns pending jobs into running ones
// without exceeding the concurrency cap.
type Scheduler struct {
	reg    *Registry
	max    int
	poll   time.Duration
	exec   ExecFunc
	logger *slog.Logger

	wake chan struct{}

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	runCancel context.CancelFunc
	units     sync.WaitGroup
}

// NewScheduler returns a stopped scheduler dispatching at most max jobs at once.
func NewScheduler(reg *Registry, max int, poll time.Duration, exec ExecFunc, logger *slog.Logger) *Scheduler {
	if max < 1 {
		max = 1
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reg:    reg,
		max:    max,
		poll:   poll,
		exec:   exec,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// MaxConcurrent returns the concurrency cap.
func (s *Scheduler) MaxConcurrent() int {
	return s.max
}

// Start launches the loop. Cancelling ctx stops dispatching but leaves
// in-flight jobs running; use Stop for an orderly shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errSchedulerStarted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.runCancel = runCancel
	s.loopDone = make(chan struct{})

	go s.loop(loopCtx, runCtx)
	return nil
}

// Wake asks the loop to re-check capacity now instead of at the next tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop, cancels the context handed to running jobs and waits
// for them to finish until ctx expires. Jobs still running at that point
// are abandoned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel, runCancel, loopDone := s.cancel, s.runCancel, s.loopDone
	s.mu.Unlock()

	cancel()
	<-loopDone
	runCancel()

	done := make(chan struct{})
	go func() {
		s.units.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped with jobs still running", "error", ctx.Err())
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx, runCtx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		for s.dispatchOne(runCtx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatchOne starts the next pending job if capacity allows.
func (s *Scheduler) dispatchOne(runCtx context.Context) bool {
	snap, ok := s.reg.Dispatch(s.max, "Starting")
	if !ok {
		return false
	}
	s.logger.Debug("job dispatched", "id", snap.ID)

	s.units.Add(1)
	go func() {
		defer s.units.Done()
		s.exec(runCtx, snap)
	}()
	return true
}
