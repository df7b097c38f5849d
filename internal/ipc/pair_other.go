//go:build !unix

package ipc

import (
	"errors"
	"net"
	"os"
)

var ErrUnsupported = errors.New("ipc: socketpair not supported on this platform")

func Pair() (*Conn, *os.File, error) { return nil, nil, ErrUnsupported }

func pollReadable(net.Conn) bool { return false }
