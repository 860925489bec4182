//go:build !unix

package executor

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}
