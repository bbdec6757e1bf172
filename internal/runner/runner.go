// Package runner executes build commands, captures their combined output and
// logs it once the command exits, then reports the exit code.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// DefaultGrace is how long a terminated process group gets between SIGTERM
// and SIGKILL.
const DefaultGrace = 5 * time.Second

var (
	// ErrEmptyCommand is returned when there is nothing to execute.
	ErrEmptyCommand = errors.New("empty command")
	// ErrSpawn is returned when the process could not be started.
	ErrSpawn = errors.New("spawn failed")
	// ErrTimeout is returned when the context deadline killed the process.
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled is returned when context cancellation killed the process.
	ErrCancelled = errors.New("command cancelled")
)

// Command is either a single command line or an argument vector.
type Command struct {
	line string
	argv []string
}

// Line wraps a command line. Without Shell it is split into words.
func Line(s string) Command { return Command{line: s} }

// Args wraps an argument vector. With Shell it is joined with quoting.
func Args(argv ...string) Command { return Command{argv: argv} }

// String renders the command the way it is logged.
func (c Command) String() string {
	if c.argv != nil {
		return shellquote.Join(c.argv...)
	}
	return c.line
}

// Options tunes a single Run.
type Options struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env replaces the environment; nil inherits the parent's.
	Env []string
	// Shell runs the command through the platform shell.
	Shell bool
	// Grace overrides DefaultGrace.
	Grace time.Duration
}

// Run executes cmd, merging stderr into stdout. It logs "$ <command>" at
// INFO before starting, then the captured output at INFO for exit code 0
// or at ERROR otherwise. Empty output is not logged.
//
// A non-zero exit is reported through the returned code, not as an error.
// A process killed by a signal reports the negated signal number, so a
// crashing script is still a script failure. Errors are reserved for
// commands that could not run to completion: ErrEmptyCommand, ErrSpawn,
// ErrTimeout and ErrCancelled, all with code -1.
func Run(ctx context.Context, cmd Command, logger *slog.Logger, opts Options) (int, error) {
	argv, display, err := resolve(cmd, opts.Shell)
	if err != nil {
		return -1, err
	}

	logger.Info("$ " + display)

	c := exec.Command(argv[0], argv[1:]...)
	c.Dir = opts.Dir
	c.Env = opts.Env
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	setProcessGroup(c)

	if err := c.Start(); err != nil {
		logger.Error(fmt.Sprintf("failed to start %s: %v", argv[0], err))
		return -1, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.Wait() }()

	select {
	case waitErr := <-waitCh:
		code, ok := exitCode(c, waitErr)
		logOutput(logger, out.String(), code)
		if !ok {
			return -1, fmt.Errorf("%w: wait %s: %v", ErrSpawn, argv[0], waitErr)
		}
		return code, nil

	case <-ctx.Done():
		grace := opts.Grace
		if grace <= 0 {
			grace = DefaultGrace
		}
		terminate(c, waitCh, grace, logger)
		logOutput(logger, out.String(), -1)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, ErrTimeout
		}
		return -1, ErrCancelled
	}
}

func resolve(cmd Command, shell bool) ([]string, string, error) {
	if shell {
		script := cmd.String()
		if strings.TrimSpace(script) == "" {
			return nil, "", ErrEmptyCommand
		}
		return shellArgv(script), script, nil
	}

	argv := cmd.argv
	if argv == nil {
		words, err := shellquote.Split(cmd.line)
		if err != nil {
			return nil, "", fmt.Errorf("parse command %q: %w", cmd.line, err)
		}
		argv = words
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, "", ErrEmptyCommand
	}
	return argv, shellquote.Join(argv...), nil
}

func shellArgv(script string) []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C", script}
	}
	return []string{"sh", "-c", script}
}

// terminate sends SIGTERM to the process group, then SIGKILL once grace
// expires, and waits for the process to be reaped.
func terminate(c *exec.Cmd, waitCh <-chan error, grace time.Duration, logger *slog.Logger) {
	logger.Warn("terminating process")
	if err := signalGroup(c, false); err != nil {
		logger.Debug("SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitCh:
		return
	case <-timer.C:
		logger.Warn("process did not exit after SIGTERM, killing")
		if err := signalGroup(c, true); err != nil {
			logger.Debug("SIGKILL failed", "error", err)
		}
		<-waitCh
	}
}

// exitCode reports how the process ended. ok is false only when no exit
// status is available at all.
func exitCode(c *exec.Cmd, waitErr error) (code int, ok bool) {
	if st := c.ProcessState; st != nil {
		if st.Exited() {
			return st.ExitCode(), true
		}
		if sig, signaled := signalCode(st); signaled {
			return sig, true
		}
	}
	if waitErr == nil {
		return 0, true
	}
	return -1, false
}

func logOutput(logger *slog.Logger, output string, code int) {
	output = strings.TrimRight(output, "\r\n")
	if output == "" {
		return
	}
	if code == 0 {
		logger.Info("\n" + output)
		return
	}
	logger.Error("\n" + output)
}
