package multiproc

import (
	"encoding/json"
	"fmt"
)

// Well-known Context slots.
const (
	SlotWorker = "multiproc.worker"
	SlotLog    = "multiproc.log"
)

// Context is the single value that crosses the process boundary. It holds named
// JSON slots; callers may add their own next to the worker hand-off.
type Context struct {
	slots map[string]json.RawMessage
}

func NewContext() *Context { return &Context{slots: make(map[string]json.RawMessage)} }

// Set stores v under key. v must be JSON-serializable.
func (c *Context) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("multiproc: context slot %q: %w", key, err)
	}
	if c.slots == nil {
		c.slots = make(map[string]json.RawMessage)
	}
	c.slots[key] = b
	return nil
}

// Get decodes the slot into v. It reports false when the slot is absent.
func (c *Context) Get(key string, v any) (bool, error) {
	if c == nil {
		return false, nil
	}
	raw, ok := c.slots[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("multiproc: context slot %q: %w", key, err)
	}
	return true, nil
}

func (c *Context) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.slots[key]
	return ok
}

func (c *Context) Delete(key string) { delete(c.slots, key) }

func (c *Context) MarshalJSON() ([]byte, error) {
	if c.slots == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.slots)
}

func (c *Context) UnmarshalJSON(b []byte) error {
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.slots = m
	return nil
}

// clone returns an independent copy so later writes by the caller do not
// reach a worker that was already set up.
func (c *Context) clone() *Context {
	n := NewContext()
	if c == nil {
		return n
	}
	for k, v := range c.slots {
		n.slots[k] = append(json.RawMessage(nil), v...)
	}
	return n
}

// encode renders the context as handed to the worker process.
func (c *Context) encode() ([]byte, error) {
	return json.Marshal(c)
}

func decodeContext(b []byte) (*Context, error) {
	if len(b) == 0 {
		return nil, ErrNoContext
	}
	c := NewContext()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoContext, err)
	}
	return c, nil
}

// handoff is the wire form of a Worker stored under SlotWorker.
type handoff struct {
	Name       string          `json:"name"`
	Task       string          `json:"task"`
	Config     json.RawMessage `json:"config,omitempty"`
	Shutdown   string          `json:"shutdown"`
	PipeFD     int             `json:"pipe_fd"`
	TestPipeFD int             `json:"test_pipe_fd,omitempty"`
	Debug      DebugFlag       `json:"debug,omitempty"`
}
