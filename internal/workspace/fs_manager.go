package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrExists is returned by Create when the build directory already exists.
var ErrExists = errors.New("workspace already exists")

// fsWorkspaceManager lays builds out as <base>/<owner>/<repo>/<num> with the
// log beside it at <base>/<owner>/<repo>/<num>.log.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the root of the workspace tree.
func (m *fsWorkspaceManager) BaseDir() string {
	return m.baseDir
}

// Create makes the build directory, creating parents as needed.
func (m *fsWorkspaceManager) Create(ctx context.Context, owner, repo string, num int64) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	ws, err := m.resolve(owner, repo, num)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(filepath.Dir(ws.Dir), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create repository directory: %w", err)
	}
	if err := os.Mkdir(ws.Dir, 0o755); err != nil {
		if os.IsExist(err) {
			return Workspace{}, fmt.Errorf("build %s/%s#%d: %w", owner, repo, num, ErrExists)
		}
		return Workspace{}, fmt.Errorf("create workspace for %s/%s#%d: %w", owner, repo, num, err)
	}

	return ws, nil
}

// Open returns an existing workspace. The log file may not exist yet.
func (m *fsWorkspaceManager) Open(ctx context.Context, owner, repo string, num int64) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	ws, err := m.resolve(owner, repo, num)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for %s/%s#%d: %w", owner, repo, num, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for %s/%s#%d is not a directory", owner, repo, num)
	}

	return ws, nil
}

// LogPath returns where a build's log lives without touching the disk.
func (m *fsWorkspaceManager) LogPath(owner, repo string, num int64) (string, error) {
	ws, err := m.resolve(owner, repo, num)
	if err != nil {
		return "", err
	}
	return ws.LogPath, nil
}

// Cleanup removes build directories and logs whose modification time is
// older than olderThan. Only entries named after a build number are touched.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	owners, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(m.baseDir, owner.Name()))
		if err != nil {
			return report, fmt.Errorf("read owner directory %q: %w", owner.Name(), err)
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			if err := m.cleanupRepo(ctx, filepath.Join(m.baseDir, owner.Name(), repo.Name()), cutoff, &report); err != nil {
				return report, err
			}
		}
	}

	return report, nil
}

func (m *fsWorkspaceManager) cleanupRepo(ctx context.Context, dir string, cutoff time.Time, report *CleanupReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read repository directory %q: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		isLog := !entry.IsDir() && strings.HasSuffix(name, ".log")
		if !isBuildNumber(strings.TrimSuffix(name, ".log")) || (!entry.IsDir() && !isLog) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("read workspace entry info %q: %w", name, err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, name)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove workspace %q: %w", path, err)
		}
		if isLog {
			report.DeletedLogs++
		} else {
			report.DeletedDirs++
		}
	}
	return nil
}

func (m *fsWorkspaceManager) resolve(owner, repo string, num int64) (Workspace, error) {
	if err := validateSegment("owner", owner); err != nil {
		return Workspace{}, err
	}
	if err := validateSegment("repository", repo); err != nil {
		return Workspace{}, err
	}
	if num < 1 {
		return Workspace{}, fmt.Errorf("build number %d is invalid", num)
	}

	parent := filepath.Join(m.baseDir, owner, repo)
	n := strconv.FormatInt(num, 10)
	return Workspace{
		Owner:   owner,
		Repo:    repo,
		Num:     num,
		Dir:     filepath.Join(parent, n),
		LogPath: filepath.Join(parent, n+".log"),
	}, nil
}

func isBuildNumber(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n > 0 && strconv.FormatInt(n, 10) == s
}

func validateSegment(kind, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if trimmed != value {
		return fmt.Errorf("%s %q has surrounding whitespace", kind, value)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%s %q is invalid", kind, value)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("%s %q must not contain path separators", kind, value)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("%s %q is invalid", kind, value)
	}
	return nil
}
