//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group and makes
// cancellation kill the whole group, so grandchildren die with it.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
