// Package build runs one build: clone, pick a build script, run it and
// classify the outcome.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	fluxlog "github.com/mattjoyce/flux/internal/log"
	"github.com/mattjoyce/flux/internal/runner"
	"github.com/mattjoyce/flux/internal/sshcmd"
	"github.com/mattjoyce/flux/internal/store"
	"github.com/mattjoyce/flux/internal/workspace"
)

// Config controls how builds run.
type Config struct {
	BuildScripts []string
	IdentityFile string
	SSHVerbose   bool
	// Timeout bounds the whole build; zero disables it.
	Timeout time.Duration
	// Grace is the SIGTERM to SIGKILL delay on timeout or cancellation.
	Grace time.Duration
}

type cloneFunc func(ctx context.Context, b store.Build, dir string, logger *slog.Logger) error

// Executor implements queue.Executor.
type Executor struct {
	cfg        Config
	workspaces workspace.Manager
	logger     *slog.Logger
	environ    func() []string
	clone      cloneFunc
}

// New creates an Executor writing workspaces through ws.
func New(cfg Config, ws workspace.Manager, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = fluxlog.WithComponent("build")
	}
	e := &Executor{
		cfg:        cfg,
		workspaces: ws,
		logger:     logger,
		environ:    os.Environ,
	}
	e.clone = e.gitClone
	return e
}

// Execute runs b to completion and reports its terminal result. Every
// failure is also written to the build's log file when one could be opened.
func (e *Executor) Execute(ctx context.Context, b store.Build) store.Result {
	logger := e.logger.With("repo", b.Repository.FullName(), "build", b.Num)

	buildCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	ws, err := e.workspaces.Create(ctx, b.Repository.Owner, b.Repository.Name, b.Num)
	if err != nil {
		logger.Error("failed to create workspace", "error", err)
		return fail(store.ReasonInfrastructure, err).Result()
	}

	logFile, err := os.OpenFile(ws.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Error("failed to open build log", "path", ws.LogPath, "error", err)
		return fail(store.ReasonInfrastructure, err).Result()
	}
	defer logFile.Close()

	transcript := fluxlog.NewTranscript(logFile)
	transcript.Info(fmt.Sprintf("build #%d of %s", b.Num, b.Repository.FullName()),
		"ref", b.Push.Ref, "commit", b.Push.Commit, "pusher", b.Push.Pusher)

	err = e.run(buildCtx, b, ws, transcript)

	timedOut := errors.Is(buildCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	var failure *Failure
	switch {
	case err == nil:
		transcript.Info("build succeeded")
		return store.Succeeded()
	case errors.As(err, &failure):
	default:
		failure = runFailure(err)
	}
	if failure.Reason == store.ReasonCancelled && timedOut {
		failure.Reason = store.ReasonTimeout
	}

	transcript.Error("build failed", "reason", string(failure.Reason))
	logger.Warn("build failed", "reason", failure.Reason, "error", failure.Err)
	return failure.Result()
}

func (e *Executor) run(ctx context.Context, b store.Build, ws workspace.Workspace, transcript *slog.Logger) error {
	if err := e.clone(ctx, b, ws.Dir, transcript); err != nil {
		return err
	}

	script, ok := selectScript(ws.Dir, e.cfg.BuildScripts)
	if !ok {
		transcript.Error("no build script found", "tried", strings.Join(e.cfg.BuildScripts, ", "))
		return fail(store.ReasonNoBuildScript, errors.New("no build script found"))
	}

	env := append(e.environ(),
		"FLUX_BUILD_NUMBER="+strconv.FormatInt(b.Num, 10),
		"FLUX_BUILD_DIR="+ws.Dir,
		"FLUX_REPOSITORY="+b.Repository.FullName(),
		"FLUX_REF="+b.Push.Ref,
		"FLUX_COMMIT="+b.Push.Commit,
	)
	code, err := runner.Run(ctx, scriptCommand(script), transcript, runner.Options{
		Dir:   ws.Dir,
		Env:   env,
		Grace: e.cfg.Grace,
	})
	if err != nil {
		return runFailure(err)
	}
	if code != 0 {
		return exited(store.ReasonScriptFailed, code, fmt.Errorf("%s exited with code %d", filepath.Base(script), code))
	}
	return nil
}

// gitClone clones the repository into dir over ssh and checks out the
// pushed commit when one is known.
func (e *Executor) gitClone(ctx context.Context, b store.Build, dir string, logger *slog.Logger) error {
	env := append(e.environ(), "GIT_SSH_COMMAND="+sshcmd.GitSSHCommand(sshcmd.Options{
		IdentityFile: e.cfg.IdentityFile,
		Verbose:      e.cfg.SSHVerbose,
	}))
	opts := runner.Options{Env: env, Grace: e.cfg.Grace}

	code, err := runner.Run(ctx, runner.Args("git", "clone", b.Repository.CloneURL, dir), logger, opts)
	if err != nil {
		return runFailure(err)
	}
	if code != 0 {
		return exited(store.ReasonCloneFailed, code, fmt.Errorf("git clone exited with code %d", code))
	}

	if b.Push.Commit == "" {
		return nil
	}
	opts.Dir = dir
	code, err = runner.Run(ctx, runner.Args("git", "checkout", "-q", b.Push.Commit), logger, opts)
	if err != nil {
		return runFailure(err)
	}
	if code != 0 {
		return exited(store.ReasonCloneFailed, code, fmt.Errorf("git checkout %s exited with code %d", b.Push.Commit, code))
	}
	return nil
}

// selectScript returns the first candidate that exists as a regular file.
func selectScript(dir string, candidates []string) (string, bool) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// scriptCommand runs an executable script that starts with #! directly so
// its own interpreter applies. Anything else is fed to sh.
func scriptCommand(path string) runner.Command {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cmd", ".bat":
		return runner.Args("cmd", "/C", path)
	}
	if runtime.GOOS != "windows" && hasShebang(path) {
		return runner.Args(path)
	}
	return runner.Args("sh", path)
}

func hasShebang(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm()&0o111 == 0 {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 2)
	n, _ := io.ReadFull(f, head)
	return n == 2 && string(head) == "#!"
}
