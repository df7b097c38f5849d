//go:build !unix

package multiproc

import (
	"os"
	"os/exec"
	"os/signal"
)

func configureSysProcAttr(*exec.Cmd) {}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func exitCode(st *os.ProcessState) (int, bool) { return st.ExitCode(), st.Exited() }

func ignoreInterrupt() { signal.Ignore(os.Interrupt) }
