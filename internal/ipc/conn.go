package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// maxMessage caps a single frame so a misbehaving peer cannot grow the reader unbounded.
const maxMessage = 16 << 20

var (
	ErrClosed   = errors.New("ipc: connection closed")
	ErrTooLarge = errors.New("ipc: message exceeds size limit")
)

// Message is one frame on the control channel: an application-defined kind and
// its JSON payload. The channel itself never interprets either.
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Conn is one endpoint of a bidirectional byte stream carrying newline-delimited JSON frames.
// Send is safe for concurrent use; Recv must be driven by a single reader.
type Conn struct {
	conn net.Conn
	rd   *bufio.Reader
	wmu  sync.Mutex
}

func newConn(c net.Conn) *Conn {
	return &Conn{conn: c, rd: bufio.NewReaderSize(c, 64<<10)}
}

// FileConn wraps an inherited descriptor (e.g. one passed via exec.Cmd.ExtraFiles).
// The file is duplicated by the runtime; f is closed before returning.
func FileConn(f *os.File) (*Conn, error) {
	if f == nil {
		return nil, ErrClosed
	}
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: file conn: %w", err)
	}
	return newConn(c), nil
}

// Send encodes v and writes it as a single frame.
func (c *Conn) Send(kind string, v any) error {
	var payload json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("ipc: encode %s: %w", kind, err)
		}
		payload = b
	}
	b, err := json.Marshal(Message{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("ipc: send: %w", err)
	}
	return nil
}

// Recv blocks until a full frame arrives.
func (c *Conn) Recv() (Message, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.rd.ReadLine()
		if err != nil {
			return Message{}, fmt.Errorf("ipc: recv: %w", err)
		}
		line = append(line, chunk...)
		if len(line) > maxMessage {
			return Message{}, ErrTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("ipc: decode frame: %w", err)
	}
	return m, nil
}

// RecvTimeout is Recv bounded by d. A timeout leaves the connection usable.
func (c *Conn) RecvTimeout(d time.Duration) (Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, fmt.Errorf("ipc: deadline: %w", err)
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	return c.Recv()
}

// HasData reports, without blocking, whether Recv has bytes to read.
func (c *Conn) HasData() bool {
	if c.rd.Buffered() > 0 {
		return true
	}
	return pollReadable(c.conn)
}

func (c *Conn) Close() error { return c.conn.Close() }
