package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/flux/internal/config"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/scheduler/mocks"
	"github.com/mattjoyce/flux/internal/workspace"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.LessOrEqual(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestFromGlobalConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.BuildRetention = 72 * time.Hour
	cfg.JanitorEvery = 30 * time.Minute

	got := FromGlobalConfig(cfg)
	assert.Equal(t, Config{Every: 30 * time.Minute, Retention: 72 * time.Hour, Jitter: 3 * time.Minute}, got)
	assert.True(t, got.Enabled())

	got.Retention = 0
	assert.False(t, got.Enabled())
}

func TestStartDisabledNeverSweeps(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cleaner := mocks.NewMockWorkspaceCleaner(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(Config{Every: time.Minute}, cleaner, nil, slogger)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Contains(t, logBuf.String(), "janitor disabled")
}

func TestStartSweepsImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cleaner := mocks.NewMockWorkspaceCleaner(ctrl)
	hub := events.NewHub(8)
	slogger, _ := NewTestSlogger()
	s := New(Config{Every: time.Hour, Retention: 48 * time.Hour}, cleaner, hub, slogger)

	swept := make(chan struct{})
	cleaner.EXPECT().Cleanup(gomock.Any(), 48*time.Hour).DoAndReturn(
		func(context.Context, time.Duration) (workspace.CleanupReport, error) {
			close(swept)
			return workspace.CleanupReport{DeletedDirs: 2, DeletedLogs: 2}, nil
		})

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep did not run")
	}
	s.Stop()
	s.Stop()

	snapshot := hub.SnapshotSince(0)
	require.Len(t, snapshot, 1)
	assert.Equal(t, events.JanitorSwept, snapshot[0].Type)
	var ev SweptEvent
	require.NoError(t, json.Unmarshal(snapshot[0].Data, &ev))
	assert.Equal(t, SweptEvent{DeletedDirs: 2, DeletedLogs: 2, Retention: "48h0m0s"}, ev)
}

func TestLoopStopsWithContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cleaner := mocks.NewMockWorkspaceCleaner(ctrl)
	cleaner.EXPECT().Cleanup(gomock.Any(), gomock.Any()).Return(workspace.CleanupReport{}, nil).AnyTimes()
	slogger, _ := NewTestSlogger()
	s := New(Config{Every: 10 * time.Millisecond, Retention: time.Hour}, cleaner, nil, slogger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after cancellation")
	}
}

func TestSweepError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cleaner := mocks.NewMockWorkspaceCleaner(ctrl)
	hub := events.NewHub(8)
	slogger, logBuf := NewTestSlogger()
	s := New(Config{Every: time.Hour, Retention: time.Hour}, cleaner, hub, slogger)

	t.Run("error without progress", func(t *testing.T) {
		cleaner.EXPECT().Cleanup(gomock.Any(), time.Hour).Return(workspace.CleanupReport{}, errors.New("permission denied"))
		s.tick(context.Background())
		assert.Contains(t, logBuf.String(), "workspace sweep failed")
		assert.Empty(t, hub.SnapshotSince(0))
	})

	t.Run("partial progress is still reported", func(t *testing.T) {
		cleaner.EXPECT().Cleanup(gomock.Any(), time.Hour).Return(workspace.CleanupReport{DeletedLogs: 1}, errors.New("permission denied"))
		report, err := s.Sweep(context.Background())
		assert.Error(t, err)
		assert.Equal(t, 1, report.DeletedLogs)
		assert.Len(t, hub.SnapshotSince(0), 1)
	})
}

func TestSweepRemovesExpiredWorkspaces(t *testing.T) {
	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	old, err := ws.Create(ctx, "acme", "widgets", 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(old.LogPath, []byte("old\n"), 0o644))
	fresh, err := ws.Create(ctx, "acme", "widgets", 2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fresh.LogPath, []byte("fresh\n"), 0o644))

	past := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old.Dir, past, past))
	require.NoError(t, os.Chtimes(old.LogPath, past, past))

	slogger, _ := NewTestSlogger()
	s := New(Config{Every: time.Hour, Retention: 7 * 24 * time.Hour}, ws, nil, slogger)
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, workspace.CleanupReport{DeletedDirs: 1, DeletedLogs: 1}, report)

	assert.NoDirExists(t, old.Dir)
	assert.NoFileExists(t, old.LogPath)
	assert.DirExists(t, fresh.Dir)
	assert.FileExists(t, filepath.Join(filepath.Dir(fresh.LogPath), "2.log"))
}
