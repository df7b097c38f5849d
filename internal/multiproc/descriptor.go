package multiproc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/multiproc/internal/history"
	"github.com/loykin/multiproc/internal/ipc"
	"github.com/loykin/multiproc/internal/metrics"
	"github.com/loykin/multiproc/internal/shutdown"
)

// Descriptor is the supervisor-side handle on one worker process.
// Stop and Start on the same Descriptor must not be called concurrently;
// the read accessors are safe from any goroutine.
type Descriptor struct {
	name         string
	cmd          *exec.Cmd
	pipe         *ipc.Conn
	testPipe     *ipc.Conn
	shutdown     *shutdown.Signal
	ownsShutdown bool
	ctx          *Context
	worker       *Worker
	env          []string
	payload      []byte // encoded ctx as of the end of SetUp
	sinks        []*logSink
	log          *slog.Logger
	rec          *history.Recorder

	mu        sync.Mutex
	started   bool
	state     *os.ProcessState
	startedAt time.Time
	endedAt   time.Time
	done      chan struct{} // closed by the reaper once the process is waited on
	drained   chan struct{} // closed once all redirected output is copied
}

// drainTimeout bounds how long Close waits for output pipes that processes
// left behind by the worker still hold open.
var drainTimeout = time.Second

// logSink is one output stream of the worker redirected into a file.
type logSink struct {
	r   *os.File // read end, drained by the supervisor
	w   *os.File // write end, held by the worker
	dst io.WriteCloser
}

func (d *Descriptor) Name() string { return d.name }

// Pipe is the supervisor end of the control channel.
func (d *Descriptor) Pipe() *ipc.Conn { return d.pipe }

// TestPipe is the unit-testing side channel; nil unless Options.UnitTesting.
func (d *Descriptor) TestPipe() *ipc.Conn { return d.testPipe }

func (d *Descriptor) Shutdown() *shutdown.Signal { return d.shutdown }

// Context is this worker's copy of the caller context, carrying the hand-off.
func (d *Descriptor) Context() *Context { return d.ctx }

func (d *Descriptor) Send(kind string, v any) error { return d.pipe.Send(kind, v) }

func (d *Descriptor) Recv() (ipc.Message, error) { return d.pipe.Recv() }

func (d *Descriptor) HasData() bool { return d.pipe.HasData() }

func (d *Descriptor) TestSend(kind string, v any) error { return d.testPipe.Send(kind, v) }

func (d *Descriptor) TestRecv() (ipc.Message, error) { return d.testPipe.Recv() }

// embed stores the worker hand-off in the caller context.
func (d *Descriptor) embed() error {
	return d.ctx.Set(SlotWorker, d.worker.handoff())
}

// Start launches the worker process running the trampoline. It does not wait
// for the task to begin.
func (d *Descriptor) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	cf, err := contextFile(d.payload)
	if err != nil {
		return fmt.Errorf("multiproc: hand off context for %s: %w", d.name, err)
	}
	defer func() { _ = cf.Close() }()
	// ExtraFiles[i] is descriptor 3+i in the worker; the context file goes last.
	files := append(d.worker.extraFiles(), cf)
	d.cmd.ExtraFiles = files
	d.cmd.Env = append(append([]string(nil), d.env...), EnvContext+"="+strconv.Itoa(2+len(files)))
	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("multiproc: start %s: %w", d.name, err)
	}

	d.mu.Lock()
	d.started = true
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.worker.releaseFiles()
	for _, sk := range d.sinks {
		_ = sk.w.Close()
	}
	go d.reap()
	go d.drain()

	pid := d.cmd.Process.Pid
	metrics.IncStart(d.name)
	d.rec.Record(history.Event{Type: history.EventStart, Name: d.name, PID: pid})
	d.log.Debug("worker started", "pid", pid, "task", d.worker.Task)
	return nil
}

// reap is the only caller of cmd.Wait. The worker's streams are plain files,
// so Wait returns as soon as the process exits.
func (d *Descriptor) reap() {
	_ = d.cmd.Wait()
	d.mu.Lock()
	d.state = d.cmd.ProcessState
	d.mu.Unlock()
	metrics.ObserveExit()
	close(d.done)
}

// drain copies redirected output until every writer has closed its end.
func (d *Descriptor) drain() {
	var wg sync.WaitGroup
	for _, sk := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = io.Copy(sk.dst, sk.r)
			_ = sk.r.Close()
			_ = sk.dst.Close()
		}()
	}
	wg.Wait()
	close(d.drained)
}

// contextFile holds the encoded context in an unlinked temp file positioned
// at its start, ready to be inherited by the worker.
func contextFile(payload []byte) (*os.File, error) {
	f, err := os.CreateTemp("", "multiproc-context-")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(f.Name())
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (d *Descriptor) hasProcess() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Done is closed once a started worker has exited and been reaped.
func (d *Descriptor) Done() <-chan struct{} { return d.done }

// Alive reports whether the worker was started and has not been reaped yet.
func (d *Descriptor) Alive() bool {
	if !d.hasProcess() {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the worker's exit code once it has been reaped.
// A worker killed by signal N reports -N.
func (d *Descriptor) ExitCode() (int, bool) {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	if st == nil {
		return 0, false
	}
	return exitCode(st)
}

// PID returns the worker's process id, or 0 before Start.
func (d *Descriptor) PID() int {
	if !d.hasProcess() {
		return 0
	}
	return d.cmd.Process.Pid
}

func (d *Descriptor) StartedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startedAt
}

// EndedAt is set only when a Stop call brought the worker down.
func (d *Descriptor) EndedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endedAt
}

// Status is a point-in-time view of a descriptor.
type Status struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	ShutdownSet bool      `json:"shutdown_set"`
}

func (d *Descriptor) Status() Status {
	st := Status{
		Name:        d.name,
		PID:         d.PID(),
		Running:     d.Alive(),
		StartedAt:   d.StartedAt(),
		EndedAt:     d.EndedAt(),
		ShutdownSet: d.shutdown.IsSet(),
	}
	if c, ok := d.ExitCode(); ok {
		st.ExitCode = &c
	}
	return st
}

// Usage is a resource snapshot of a live worker.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Usage samples CPU and memory of the running worker.
func (d *Descriptor) Usage() (Usage, error) {
	if !d.Alive() {
		return Usage{}, fmt.Errorf("multiproc: %s is not running", d.name)
	}
	pid := d.PID()
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	return u, nil
}

// Close releases the descriptor's IPC resources and removes a shutdown signal
// SetUp created for it. A worker that is still running is stopped first
// without a grace period.
func (d *Descriptor) Close() error {
	if d == nil {
		return nil
	}
	if d.Alive() {
		d.Stop(0)
	}
	if d.hasProcess() {
		t := time.NewTimer(drainTimeout)
		select {
		case <-d.drained:
		case <-t.C:
			d.log.Warn("worker output still held open; closing it")
			for _, sk := range d.sinks {
				_ = sk.r.Close()
			}
		}
		t.Stop()
	}
	d.release()
	return nil
}

func (d *Descriptor) release() {
	if d.pipe != nil {
		_ = d.pipe.Close()
	}
	if d.testPipe != nil {
		_ = d.testPipe.Close()
	}
	d.worker.releaseFiles()
	if !d.hasProcess() {
		for _, sk := range d.sinks {
			_ = sk.r.Close()
			_ = sk.w.Close()
			_ = sk.dst.Close()
		}
	}
	if d.ownsShutdown && d.shutdown != nil {
		_ = d.shutdown.Remove()
	}
}

func (d *Descriptor) String() string { return fmt.Sprintf("Descriptor(%q)", d.name) }
