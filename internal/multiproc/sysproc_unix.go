//go:build unix

package multiproc

import (
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProcAttr puts the worker in its own process group so escalation
// reaches anything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	ensureKill(cmd)
}

// killGroup sends SIGKILL to the worker's process group, falling back to the
// process alone.
func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return p.Kill()
}

// exitCode maps a wait status to an exit code; signal deaths become -signal.
func exitCode(st *os.ProcessState) (int, bool) {
	ws, ok := st.Sys().(syscall.WaitStatus)
	if !ok {
		return st.ExitCode(), st.Exited()
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus(), true
	case ws.Signaled():
		return -int(ws.Signal()), true
	}
	return 0, false
}

// ignoreInterrupt leaves worker lifetime to the supervisor: a terminal ^C reaches
// the whole foreground process group, and workers must not die independently of it.
func ignoreInterrupt() { signal.Ignore(os.Interrupt) }
