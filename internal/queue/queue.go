// Package queue admits builds and runs them on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/store"
)

// Queue is an in-memory FIFO of pending builds backed by the build store.
// A worker takes the oldest build whose repository has nothing running, so
// builds of one repository never overlap.
type Queue struct {
	workers int
	store   BuildStore
	exec    Executor
	hub     Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []store.Build
	active  map[string]bool
	running int
	started bool
	stopped bool
	cancel  context.CancelFunc

	// retryDelay is the base backoff between attempts to record a result.
	retryDelay time.Duration

	wg sync.WaitGroup
}

// finishAttempts bounds how often a build result is written before giving up.
const finishAttempts = 3

// New creates a Queue. Nothing runs until Start.
func New(cfg Config, st BuildStore, exec Executor, hub Publisher, logger *slog.Logger) *Queue {
	if cfg.ParallelBuilds < 1 {
		cfg.ParallelBuilds = 1
	}
	if hub == nil {
		hub = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		workers: cfg.ParallelBuilds,
		store:   st,
		exec:    exec,
		hub:     hub,
		logger:  logger,
		active:  make(map[string]bool),

		retryDelay: 200 * time.Millisecond,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start recovers builds left over by a previous process and brings up the
// workers. Builds found Running are marked Failed(cancelled); Pending ones
// are queued again in creation order. A second call is a no-op.
//
// Cancelling ctx cancels running builds. Use Stop or Shutdown to drain.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	if err := q.recoverBuilds(ctx); err != nil {
		q.cancelRunning()
		return err
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.mu.Unlock()

	// Waiting workers notice cancellation only when woken.
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})

	q.logger.Info("build queue started", "workers", q.workers)
	return nil
}

// Stop refuses new builds, lets workers finish their current build and
// waits until every worker has exited. Pending builds stay Pending in the
// store. Safe to call before Start and more than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	already := q.stopped
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.cancelRunning()
	if !already {
		q.logger.Info("build queue stopped")
	}
}

// Shutdown stops the queue like Stop, but builds still running once grace
// has passed are cancelled and recorded Failed(cancelled). A zero grace
// waits for them indefinitely. It reports whether every build finished on
// its own.
func (q *Queue) Shutdown(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	if grace <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		q.logger.Warn("drain deadline passed, cancelling running builds", "running", q.Running(), "grace", grace)
		q.cancelRunning()
		<-done
		return false
	}
}

func (q *Queue) cancelRunning() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue allocates the next build number for repo, persists a Pending
// build and hands it to the workers.
func (q *Queue) Enqueue(ctx context.Context, repo store.Repository, meta store.PushMetadata) (store.Build, error) {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return store.Build{}, ErrQueueStopped
	}

	b, err := q.store.Create(ctx, repo, meta)
	if err != nil {
		return store.Build{}, fmt.Errorf("create build: %w", err)
	}

	q.mu.Lock()
	if q.stopped {
		// Stop raced with Create; the build stays Pending for the next start.
		q.mu.Unlock()
		return b, ErrQueueStopped
	}
	q.pending = append(q.pending, b)
	q.cond.Signal()
	q.mu.Unlock()

	q.logger.Info("build enqueued", "repo", repo.FullName(), "build", b.Num, "build_id", b.ID)
	q.hub.Publish(events.BuildEnqueued, buildEvent(b))
	return b, nil
}

// Depth returns the number of builds waiting for a worker.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Running returns the number of builds currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stats returns pending, running and worker counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Running: q.running, Workers: q.workers}
}

func (q *Queue) recoverBuilds(ctx context.Context) error {
	orphans, err := q.store.ListByStatus(ctx, store.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running builds for recovery: %w", err)
	}
	for _, b := range orphans {
		q.logger.Warn("marking interrupted build as cancelled", "repo", b.Repository.FullName(), "build", b.Num)
		finished, err := q.store.Finish(ctx, b.ID, store.Failed(store.ReasonCancelled, nil))
		if err != nil {
			return fmt.Errorf("failed to cancel interrupted build %s: %w", b.ID, err)
		}
		q.hub.Publish(events.BuildFinished, buildEvent(finished))
	}

	waiting, err := q.store.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to find pending builds for recovery: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	queued := make(map[string]bool, len(q.pending))
	for _, b := range q.pending {
		queued[b.ID] = true
	}
	var recovered []store.Build
	for _, b := range waiting {
		if !queued[b.ID] {
			recovered = append(recovered, b)
		}
	}
	if len(recovered) > 0 {
		q.logger.Info("re-queueing pending builds", "count", len(recovered))
		// Recovered builds are older than anything enqueued since.
		q.pending = append(recovered, q.pending...)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, slot int) {
	defer q.wg.Done()
	logger := q.logger.With("worker", slot)

	for {
		b, ok := q.next(ctx)
		if !ok {
			return
		}
		q.run(ctx, logger, b)
		q.release(b)
	}
}

// next blocks until a dispatchable build exists, the queue is stopped or
// ctx is done.
func (q *Queue) next(ctx context.Context) (store.Build, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped || ctx.Err() != nil {
			return store.Build{}, false
		}
		for i, b := range q.pending {
			if q.active[b.Repository.ID] {
				continue
			}
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			q.active[b.Repository.ID] = true
			q.running++
			return b, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) release(b store.Build) {
	q.mu.Lock()
	delete(q.active, b.Repository.ID)
	q.running--
	// Another worker may be waiting on this repository.
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) run(ctx context.Context, logger *slog.Logger, b store.Build) {
	logger = logger.With("repo", b.Repository.FullName(), "build", b.Num)

	running, err := q.store.MarkRunning(ctx, b.ID)
	if err != nil {
		logger.Error("failed to mark build running", "error", err)
		switch {
		case ctx.Err() != nil:
			// Still Pending in the store; the next Start picks it up.
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		default:
			q.finish(ctx, logger, b, store.Failed(store.ReasonInfrastructure, nil))
		}
		return
	}
	q.hub.Publish(events.BuildStarted, buildEvent(running))
	logger.Info("build started")

	res := q.execute(ctx, logger, running)
	q.finish(ctx, logger, running, res)
}

// finish records res for b, retrying store errors with a growing delay. The
// outcome is recorded even when ctx was cancelled mid-build, and
// build.finished is published either way.
func (q *Queue) finish(ctx context.Context, logger *slog.Logger, b store.Build, res store.Result) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		var finished store.Build
		finished, err = q.store.Finish(ctx, b.ID, res)
		if err == nil {
			q.hub.Publish(events.BuildFinished, buildEvent(finished))
			logger.Info("build finished", "status", finished.Status, "reason", finished.Reason)
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			break
		}
		if attempt < finishAttempts {
			logger.Warn("failed to record build result, retrying", "attempt", attempt, "error", err)
			time.Sleep(time.Duration(attempt) * q.retryDelay)
		}
	}

	logger.Error("failed to record build result", "error", err, "status", res.Status, "reason", res.Reason)
	b.Status, b.Reason, b.ExitCode = res.Status, res.Reason, res.ExitCode
	q.hub.Publish(events.BuildFinished, buildEvent(b))
}

func (q *Queue) execute(ctx context.Context, logger *slog.Logger, b store.Build) (res store.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("build executor panicked", "panic", r)
			res = store.Failed(store.ReasonInfrastructure, nil)
		}
	}()
	return q.exec.Execute(ctx, b)
}
