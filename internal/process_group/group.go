package process_group

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/multiproc/internal/multiproc"
	"github.com/loykin/multiproc/internal/shutdown"
)

// rollbackWait bounds the stop of members already started when a later Start fails.
const rollbackWait = 2 * time.Second

// Group manages workers that are started and stopped together.
// Every member shares one shutdown signal, so stopping any member asks all of
// them to end. Name is a logical identifier used for diagnostics only.
type Group struct {
	Name string

	sig     *shutdown.Signal
	members []*multiproc.Descriptor
	log     *slog.Logger
}

// New creates an empty group with a fresh shared shutdown signal.
func New(name string, log *slog.Logger) (*Group, error) {
	sig, err := shutdown.New()
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", name, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Group{Name: name, sig: sig, log: log.With("group", name)}, nil
}

// Signal is the shutdown signal shared by all members.
func (g *Group) Signal() *shutdown.Signal { return g.sig }

// SetUp prepares a member bound to the group's signal. Members skipped by a
// test flag return (nil, nil) and are not tracked.
func (g *Group) SetUp(opts multiproc.Options) (*multiproc.Descriptor, error) {
	opts.Shutdown = g.sig
	if opts.Logger == nil {
		opts.Logger = g.log
	}
	d, err := multiproc.SetUp(opts)
	if err != nil {
		return nil, fmt.Errorf("group %s set up %s: %w", g.Name, opts.Name, err)
	}
	if d != nil {
		g.members = append(g.members, d)
	}
	return d, nil
}

func (g *Group) Members() []*multiproc.Descriptor {
	return append([]*multiproc.Descriptor(nil), g.members...)
}

// Start starts all members. If any start fails, it stops any members that
// have already been started in this call and returns the error.
func (g *Group) Start() error {
	started := make([]*multiproc.Descriptor, 0, len(g.members))
	for _, d := range g.members {
		if err := d.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(rollbackWait)
			}
			return fmt.Errorf("group %s start failed on %s: %w", g.Name, d.Name(), err)
		}
		started = append(started, d)
	}
	return nil
}

// Stop brings every member down within one shared wait budget and returns
// their exit records in member order. A negative wait means
// multiproc.DefaultStopTimeout.
func (g *Group) Stop(wait time.Duration) []multiproc.ExitRecord {
	if wait < 0 {
		wait = multiproc.DefaultStopTimeout
	}
	deadline := time.Now().Add(wait)
	recs := make([]multiproc.ExitRecord, len(g.members))
	pending := make([]int, 0, len(g.members))
	for i, d := range g.members {
		rec, done := d.StopBegin()
		if done {
			recs[i] = rec
			continue
		}
		pending = append(pending, i)
	}
	var late []int
	for _, i := range pending {
		rec, done := g.members[i].StopWait(max(time.Until(deadline), 0))
		if done {
			recs[i] = rec
			continue
		}
		late = append(late, i)
	}
	if len(late) > 0 {
		g.log.Warn("members did not exit in time; terminating", "count", len(late))
	}
	for _, i := range late {
		recs[i] = g.members[i].StopEnd()
	}
	return recs
}

// Status returns a snapshot of every member in member order.
func (g *Group) Status() []multiproc.Status {
	res := make([]multiproc.Status, 0, len(g.members))
	for _, d := range g.members {
		res = append(res, d.Status())
	}
	return res
}

// Close releases every member and removes the shared signal.
func (g *Group) Close() error {
	for _, d := range g.members {
		_ = d.Close()
	}
	return g.sig.Remove()
}
