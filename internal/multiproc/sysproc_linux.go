//go:build linux

package multiproc

import (
	"os/exec"
	"syscall"
)

// ensureKill makes the kernel kill the worker if the supervisor dies first.
func ensureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
