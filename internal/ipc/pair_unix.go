//go:build unix

package ipc

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Pair allocates a connected AF_UNIX stream socketpair. local is ready to use in
// this process; remote is meant to be handed to a child (exec.Cmd.ExtraFiles) and
// closed here once the child has started.
func Pair() (local *Conn, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	lf := os.NewFile(uintptr(fds[0]), "multiproc-ipc-local")
	remote = os.NewFile(uintptr(fds[1]), "multiproc-ipc-remote")
	local, err = FileConn(lf)
	if err != nil {
		_ = remote.Close()
		return nil, nil, err
	}
	return local, remote, nil
}

// pollReadable checks readiness of the underlying descriptor with a zero timeout.
func pollReadable(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	ready := false
	_ = raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		ready = err == nil && n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0
	})
	return ready
}
