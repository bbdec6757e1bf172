package queue

import (
	"context"
	"errors"

	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/store"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/flux/internal/queue BuildStore,Executor

// ErrQueueStopped is returned by Enqueue once Stop has been called.
var ErrQueueStopped = errors.New("build queue is stopped")

// BuildStore is the persistence the queue needs.
type BuildStore interface {
	Create(ctx context.Context, repo store.Repository, meta store.PushMetadata) (store.Build, error)
	MarkRunning(ctx context.Context, id string) (store.Build, error)
	Finish(ctx context.Context, id string, res store.Result) (store.Build, error)
	ListByStatus(ctx context.Context, status store.Status) ([]store.Build, error)
}

// Executor runs one build to completion. It reports every failure through
// the Result; it never returns early while the build's process is alive.
type Executor interface {
	Execute(ctx context.Context, b store.Build) store.Result
}

// Publisher receives build lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config sizes the worker pool.
type Config struct {
	ParallelBuilds int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Workers int `json:"workers"`
}

func buildEvent(b store.Build) events.BuildEvent {
	return events.BuildEvent{
		BuildID:    b.ID,
		Repository: b.Repository.FullName(),
		Num:        b.Num,
		Status:     string(b.Status),
		Reason:     string(b.Reason),
		ExitCode:   b.ExitCode,
		Ref:        b.Push.Ref,
		Commit:     b.Push.Commit,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}
