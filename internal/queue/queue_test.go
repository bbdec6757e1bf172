package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/queue/mocks"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execFunc func(ctx context.Context, b store.Build) store.Result

func (f execFunc) Execute(ctx context.Context, b store.Build) store.Result { return f(ctx, b) }

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "flux.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addRepo(t *testing.T, s *store.Store, name string) store.Repository {
	t.Helper()
	repo, err := s.Repositories().Create(context.Background(), store.Repository{
		Owner: "acme", Name: name, CloneURL: "git@example.org:acme/" + name + ".git", Provider: store.ProviderGogs,
	})
	require.NoError(t, err)
	return repo
}

func waitForStatus(t *testing.T, s *store.Store, id string, want store.Status) store.Build {
	t.Helper()
	var got store.Build
	require.Eventually(t, func() bool {
		b, err := s.Builds().Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = b
		return b.Status == want
	}, 5*time.Second, 10*time.Millisecond, "build %s never reached %s", id, want)
	return got
}

func TestEnqueueRunsBuildAndPublishesEvents(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	hub := events.NewHub(16)
	logger, _ := newTestLogger()

	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		return store.Succeeded()
	}), hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	b, err := q.Enqueue(ctx, repo, store.PushMetadata{Ref: "refs/heads/main", Commit: "abc"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Num)

	done := waitForStatus(t, s, b.ID, store.StatusSuccess)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	require.Eventually(t, func() bool { return len(hub.SnapshotSince(0)) == 3 }, time.Second, 10*time.Millisecond)
	snap := hub.SnapshotSince(0)
	assert.Equal(t, events.BuildEnqueued, snap[0].Type)
	assert.Equal(t, events.BuildStarted, snap[1].Type)
	assert.Equal(t, events.BuildFinished, snap[2].Type)
}

func TestSameRepositoryBuildsNeverOverlap(t *testing.T) {
	s := openStore(t)
	repos := []store.Repository{addRepo(t, s, "a"), addRepo(t, s, "b")}
	logger, _ := newTestLogger()

	var (
		mu        sync.Mutex
		active    = map[string]int{}
		overlap   bool
		maxGlobal int
		current   int
	)
	exec := execFunc(func(ctx context.Context, b store.Build) store.Result {
		mu.Lock()
		active[b.Repository.ID]++
		current++
		if active[b.Repository.ID] > 1 {
			overlap = true
		}
		if current > maxGlobal {
			maxGlobal = current
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active[b.Repository.ID]--
		current--
		mu.Unlock()
		return store.Succeeded()
	})

	q := New(Config{ParallelBuilds: 4}, s.Builds(), exec, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		for _, repo := range repos {
			b, err := q.Enqueue(ctx, repo, store.PushMetadata{})
			require.NoError(t, err)
			ids = append(ids, b.ID)
		}
	}
	for _, id := range ids {
		waitForStatus(t, s, id, store.StatusSuccess)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap, "two builds of one repository ran at once")
	assert.LessOrEqual(t, maxGlobal, 2)
}

func TestParallelBuildsCeiling(t *testing.T) {
	s := openStore(t)
	logger, _ := newTestLogger()
	release := make(chan struct{})

	q := New(Config{ParallelBuilds: 2}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		<-release
		return store.Succeeded()
	}), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		b, err := q.Enqueue(ctx, addRepo(t, s, name), store.PushMetadata{})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	require.Eventually(t, func() bool { return q.Running() == 2 && q.Depth() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Stats{Pending: 2, Running: 2, Workers: 2}, q.Stats())

	close(release)
	for _, id := range ids {
		waitForStatus(t, s, id, store.StatusSuccess)
	}
	q.Stop()
	assert.Equal(t, 0, q.Running())
}

func TestStopBeforeStartAndEnqueueAfterStop(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, _ := newTestLogger()

	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(context.Context, store.Build) store.Result {
		return store.Succeeded()
	}), nil, logger)

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop before Start blocked")
	}
	q.Stop()

	_, err := q.Enqueue(context.Background(), repo, store.PushMetadata{})
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.NoError(t, q.Start(context.Background()))
	assert.Equal(t, 0, q.Running())
}

func TestStopWaitsForInFlightAndLeavesPending(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, _ := newTestLogger()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		started <- struct{}{}
		<-release
		return store.Succeeded()
	}), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	first, err := q.Enqueue(ctx, repo, store.PushMetadata{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, repo, store.PushMetadata{})
	require.NoError(t, err)
	<-started

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a build was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the build finished")
	}

	waitForStatus(t, s, first.ID, store.StatusSuccess)
	b, err := s.Builds().Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, b.Status)
}

func TestPendingBuildsResumeOnNextStart(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, _ := newTestLogger()

	leftover, err := s.Builds().Create(context.Background(), repo, store.PushMetadata{})
	require.NoError(t, err)
	interrupted, err := s.Builds().Create(context.Background(), repo, store.PushMetadata{})
	require.NoError(t, err)
	_, err = s.Builds().MarkRunning(context.Background(), interrupted.ID)
	require.NoError(t, err)

	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(context.Context, store.Build) store.Result {
		return store.Succeeded()
	}), nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	waitForStatus(t, s, leftover.ID, store.StatusSuccess)
	got := waitForStatus(t, s, interrupted.ID, store.StatusFailed)
	assert.Equal(t, store.ReasonCancelled, got.Reason)
}

func TestCancelledContextRecordsExecutorResult(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, _ := newTestLogger()

	started := make(chan struct{})
	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		close(started)
		<-ctx.Done()
		return store.Failed(store.ReasonCancelled, nil)
	}), nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))
	b, err := q.Enqueue(ctx, repo, store.PushMetadata{})
	require.NoError(t, err)

	<-started
	cancel()
	q.Stop()

	got := waitForStatus(t, s, b.ID, store.StatusFailed)
	assert.Equal(t, store.ReasonCancelled, got.Reason)
}

func TestExecutorPanicBecomesInfrastructureFailure(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, logBuf := newTestLogger()

	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(context.Context, store.Build) store.Result {
		panic("boom")
	}), nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	first, err := q.Enqueue(ctx, repo, store.PushMetadata{})
	require.NoError(t, err)
	got := waitForStatus(t, s, first.ID, store.StatusFailed)
	assert.Equal(t, store.ReasonInfrastructure, got.Reason)

	// The worker survives and keeps serving.
	second, err := q.Enqueue(ctx, repo, store.PushMetadata{})
	require.NoError(t, err)
	waitForStatus(t, s, second.ID, store.StatusFailed)
	q.Stop()

	assert.Contains(t, logBuf.String(), "build executor panicked")
}

func TestRecoveryWithMockStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockExec := mocks.NewMockExecutor(ctrl)
	logger, logBuf := newTestLogger()

	repo := store.Repository{ID: "r1", Owner: "acme", Name: "widgets"}
	orphan := store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusRunning}
	waiting := store.Build{ID: "b2", Repository: repo, Num: 2, Status: store.StatusPending}
	running := waiting
	running.Status = store.StatusRunning

	done := make(chan struct{})
	gomock.InOrder(
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusRunning).Return([]store.Build{orphan}, nil),
		mockStore.EXPECT().Finish(gomock.Any(), "b1", store.Failed(store.ReasonCancelled, nil)).
			Return(store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusFailed, Reason: store.ReasonCancelled}, nil),
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusPending).Return([]store.Build{waiting}, nil),
		mockStore.EXPECT().MarkRunning(gomock.Any(), "b2").Return(running, nil),
		mockExec.EXPECT().Execute(gomock.Any(), running).Return(store.Succeeded()),
		mockStore.EXPECT().Finish(gomock.Any(), "b2", store.Succeeded()).
			DoAndReturn(func(context.Context, string, store.Result) (store.Build, error) {
				close(done)
				return store.Build{ID: "b2", Repository: repo, Num: 2, Status: store.StatusSuccess}, nil
			}),
	)

	q := New(Config{ParallelBuilds: 1}, mockStore, mockExec, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recovered build never ran")
	}
	q.Stop()

	assert.Contains(t, logBuf.String(), "marking interrupted build as cancelled")
	assert.Contains(t, logBuf.String(), "re-queueing pending builds")
}

func TestStartFailsWhenRecoveryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusRunning).Return(nil, errors.New("db error"))

	logger, _ := newTestLogger()
	q := New(Config{}, mockStore, mocks.NewMockExecutor(ctrl), nil, logger)
	err := q.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
}

func TestEnqueueStoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockStore.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).Return(store.Build{}, store.ErrNotFound)

	logger, _ := newTestLogger()
	q := New(Config{}, mockStore, mocks.NewMockExecutor(ctrl), nil, logger)
	_, err := q.Enqueue(context.Background(), store.Repository{ID: "missing"}, store.PushMetadata{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, q.Depth())
}

func finishedEvents(t *testing.T, hub *events.Hub) []events.BuildEvent {
	t.Helper()
	var out []events.BuildEvent
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.BuildFinished {
			continue
		}
		var be events.BuildEvent
		require.NoError(t, json.Unmarshal(ev.Data, &be))
		out = append(out, be)
	}
	return out
}

func TestMarkRunningFailureFinishesBuild(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockExec := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(16)
	logger, logBuf := newTestLogger()

	repo := store.Repository{ID: "r1", Owner: "acme", Name: "widgets"}
	waiting := store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusPending}

	done := make(chan struct{})
	gomock.InOrder(
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusRunning).Return(nil, nil),
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusPending).Return([]store.Build{waiting}, nil),
		mockStore.EXPECT().MarkRunning(gomock.Any(), "b1").Return(store.Build{}, errors.New("database is locked")),
		mockStore.EXPECT().Finish(gomock.Any(), "b1", store.Failed(store.ReasonInfrastructure, nil)).
			DoAndReturn(func(context.Context, string, store.Result) (store.Build, error) {
				defer close(done)
				return store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusFailed, Reason: store.ReasonInfrastructure}, nil
			}),
	)

	q := New(Config{ParallelBuilds: 1}, mockStore, mockExec, hub, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("build was never finished")
	}
	require.Eventually(t, func() bool { return len(finishedEvents(t, hub)) == 1 }, time.Second, 10*time.Millisecond)
	q.Stop()

	ev := finishedEvents(t, hub)[0]
	assert.Equal(t, "b1", ev.BuildID)
	assert.Equal(t, string(store.StatusFailed), ev.Status)
	assert.Equal(t, string(store.ReasonInfrastructure), ev.Reason)
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, 0, q.Running())
	assert.Contains(t, logBuf.String(), "database is locked")
}

func TestFinishRetriesTransientStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockExec := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(16)
	logger, logBuf := newTestLogger()

	repo := store.Repository{ID: "r1", Owner: "acme", Name: "widgets"}
	waiting := store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusPending}
	running := waiting
	running.Status = store.StatusRunning

	gomock.InOrder(
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusRunning).Return(nil, nil),
		mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusPending).Return([]store.Build{waiting}, nil),
		mockStore.EXPECT().MarkRunning(gomock.Any(), "b1").Return(running, nil),
		mockExec.EXPECT().Execute(gomock.Any(), running).Return(store.Succeeded()),
		mockStore.EXPECT().Finish(gomock.Any(), "b1", store.Succeeded()).Return(store.Build{}, errors.New("database is locked")),
		mockStore.EXPECT().Finish(gomock.Any(), "b1", store.Succeeded()).
			Return(store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusSuccess}, nil),
	)

	q := New(Config{ParallelBuilds: 1}, mockStore, mockExec, hub, logger)
	q.retryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool { return len(finishedEvents(t, hub)) == 1 }, 2*time.Second, 10*time.Millisecond)
	q.Stop()

	assert.Equal(t, string(store.StatusSuccess), finishedEvents(t, hub)[0].Status)
	assert.Contains(t, logBuf.String(), "failed to record build result, retrying")
}

func TestFinishGivesUpButStillPublishesOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockBuildStore(ctrl)
	mockExec := mocks.NewMockExecutor(ctrl)
	hub := events.NewHub(16)
	logger, logBuf := newTestLogger()

	repo := store.Repository{ID: "r1", Owner: "acme", Name: "widgets"}
	waiting := store.Build{ID: "b1", Repository: repo, Num: 1, Status: store.StatusPending}
	running := waiting
	running.Status = store.StatusRunning
	code := 2
	failed := store.Failed(store.ReasonScriptFailed, &code)

	mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusRunning).Return(nil, nil)
	mockStore.EXPECT().ListByStatus(gomock.Any(), store.StatusPending).Return([]store.Build{waiting}, nil)
	mockStore.EXPECT().MarkRunning(gomock.Any(), "b1").Return(running, nil)
	mockExec.EXPECT().Execute(gomock.Any(), running).Return(failed)
	mockStore.EXPECT().Finish(gomock.Any(), "b1", failed).Return(store.Build{}, errors.New("disk I/O error")).Times(finishAttempts)

	q := New(Config{ParallelBuilds: 1}, mockStore, mockExec, hub, logger)
	q.retryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	require.Eventually(t, func() bool { return len(finishedEvents(t, hub)) == 1 }, 2*time.Second, 10*time.Millisecond)
	q.Stop()

	ev := finishedEvents(t, hub)[0]
	assert.Equal(t, string(store.StatusFailed), ev.Status)
	assert.Equal(t, string(store.ReasonScriptFailed), ev.Reason)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 2, *ev.ExitCode)
	assert.Contains(t, logBuf.String(), "disk I/O error")
}

func TestShutdownDrainsRunningBuilds(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, _ := newTestLogger()

	started := make(chan struct{})
	release := make(chan struct{})
	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		close(started)
		select {
		case <-release:
			return store.Succeeded()
		case <-ctx.Done():
			return store.Failed(store.ReasonCancelled, nil)
		}
	}), nil, logger)

	require.NoError(t, q.Start(context.Background()))
	b, err := q.Enqueue(context.Background(), repo, store.PushMetadata{})
	require.NoError(t, err)
	<-started

	drained := make(chan bool, 1)
	go func() { drained <- q.Shutdown(5 * time.Second) }()

	time.Sleep(100 * time.Millisecond)
	_, err = q.Enqueue(context.Background(), repo, store.PushMetadata{})
	assert.ErrorIs(t, err, ErrQueueStopped)
	close(release)

	select {
	case ok := <-drained:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	waitForStatus(t, s, b.ID, store.StatusSuccess)
}

func TestShutdownCancelsAfterGrace(t *testing.T) {
	s := openStore(t)
	repo := addRepo(t, s, "widgets")
	logger, logBuf := newTestLogger()

	started := make(chan struct{})
	q := New(Config{ParallelBuilds: 1}, s.Builds(), execFunc(func(ctx context.Context, b store.Build) store.Result {
		close(started)
		<-ctx.Done()
		return store.Failed(store.ReasonCancelled, nil)
	}), nil, logger)

	require.NoError(t, q.Start(context.Background()))
	b, err := q.Enqueue(context.Background(), repo, store.PushMetadata{})
	require.NoError(t, err)
	<-started

	assert.False(t, q.Shutdown(100*time.Millisecond))
	got := waitForStatus(t, s, b.ID, store.StatusFailed)
	assert.Equal(t, store.ReasonCancelled, got.Reason)
	assert.Contains(t, logBuf.String(), "drain deadline passed")
}
