package workspace

import (
	"context"
	"time"
)

// Workspace is the checkout directory and log file of one build. Paths are
// derived from owner, repository and build number, so the store keeps only
// those identifiers.
type Workspace struct {
	Owner   string
	Repo    string
	Num     int64
	Dir     string
	LogPath string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	DeletedLogs int
}

// Manager governs build workspace lifecycle.
type Manager interface {
	// Create makes the workspace directory for a build. A build number is
	// never reused, so an existing directory is an error.
	Create(ctx context.Context, owner, repo string, num int64) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, owner, repo string, num int64) (Workspace, error)

	// LogPath returns where a build's log lives.
	LogPath(owner, repo string, num int64) (string, error)

	// Cleanup removes workspaces and logs older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
