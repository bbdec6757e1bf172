//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup kills the process directly; there is no portable SIGTERM.
func signalGroup(c *exec.Cmd, _ bool) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

func signalCode(*os.ProcessState) (int, bool) { return 0, false }
