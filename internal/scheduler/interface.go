package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/flux/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_cleaner.go -package=mocks github.com/mattjoyce/flux/internal/scheduler WorkspaceCleaner

// WorkspaceCleaner removes build workspaces past their retention.
type WorkspaceCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}

// Publisher receives janitor events.
type Publisher interface {
	Publish(eventType string, data any)
}
