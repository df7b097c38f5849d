package multiproc

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/loykin/multiproc/internal/env"
	"github.com/loykin/multiproc/internal/history"
	"github.com/loykin/multiproc/internal/ipc"
	"github.com/loykin/multiproc/internal/logger"
	"github.com/loykin/multiproc/internal/metrics"
	"github.com/loykin/multiproc/internal/shutdown"
)

// EnvPrefix marks environment variables owned by the supervisor. They are never
// inherited by workers from the supervisor's own environment.
const EnvPrefix = "MULTIPROC_"

// EnvContext marks the process as a worker. Its value is the inherited
// descriptor the encoded Context is read from.
const EnvContext = EnvPrefix + "CONTEXT"

// FinalizeFunc gets both handles just before SetUp returns, for extra wiring.
type FinalizeFunc func(d *Descriptor, w *Worker)

// Factory allocates the OS resources SetUp needs. Tests substitute it to observe
// allocation; the default allocates real socketpairs, flag files and commands.
type Factory interface {
	NewPipe() (*ipc.Conn, *os.File, error)
	NewSignal() (*shutdown.Signal, error)
	NewCommand(name string) (*exec.Cmd, error)
}

type osFactory struct{}

func (osFactory) NewPipe() (*ipc.Conn, *os.File, error) { return ipc.Pair() }

func (osFactory) NewSignal() (*shutdown.Signal, error) { return shutdown.New() }

// NewCommand re-executes the running binary; Main turns it into the trampoline.
func (osFactory) NewCommand(string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("multiproc: resolve executable: %w", err)
	}
	// #nosec G204 -- re-exec of our own binary
	return exec.Command(exe), nil
}

// DefaultFactory returns the Factory SetUp uses when Options.Factory is nil.
func DefaultFactory() Factory { return osFactory{} }

// Options describes one worker to SetUp.
type Options struct {
	Name    string   // unique among concurrently supervised workers
	Task    string   // registered entry task run inside the worker
	Config  any      // opaque, JSON-serializable payload
	Context *Context // caller context, copied by SetUp; the worker hand-off is added under SlotWorker
	Env     []string // extra K=V for the worker environment

	Finalize FinalizeFunc

	LogLevel slog.Level
	Log      logger.Config // format for the worker logger; File routes worker stdout/stderr
	Debug    DebugFlag

	UnitTesting bool     // allocate the test side-channel pipe
	ProcTest    ProcTest // test-only skip instructions

	// Shutdown is reused when set, letting several workers share one signal.
	Shutdown *shutdown.Signal

	Factory Factory
	History history.Sink
	Logger  *slog.Logger
}

// SetUp prepares a worker without starting it. It returns (nil, nil) when
// opts.ProcTest has ProcTestDNE. On error every allocated resource is released.
func SetUp(opts Options) (*Descriptor, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("worker", opts.Name)

	if opts.ProcTest.Has(ProcTestDNE) {
		log.Info("worker flagged as nonexistent; skipping creation", "proc_test", opts.ProcTest.String())
		metrics.IncSkip(opts.Name, "DNE")
		return nil, nil
	}
	if opts.Name == "" {
		return nil, ErrNoName
	}
	if _, ok := lookup(opts.Task); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, opts.Task)
	}
	var cfg json.RawMessage
	if opts.Config != nil {
		b, err := json.Marshal(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("multiproc: encode config for %s: %w", opts.Name, err)
		}
		cfg = b
	}
	f := opts.Factory
	if f == nil {
		f = osFactory{}
	}

	w := &Worker{
		Name:     opts.Name,
		Task:     opts.Task,
		Config:   cfg,
		LogLevel: opts.LogLevel,
		Debug:    opts.Debug,
	}
	d := &Descriptor{
		name:    opts.Name,
		worker:  w,
		log:     log,
		rec:     &history.Recorder{Sink: opts.History},
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	d.rec.OnError = func(e history.Event, err error) {
		log.Warn("history sink failed", "event", e.Type, "error", err)
	}
	ok := false
	defer func() {
		if !ok {
			d.release()
		}
	}()

	log.Debug("creating inter-process communication")
	pipe, child, err := f.NewPipe()
	if err != nil {
		return nil, fmt.Errorf("multiproc: control pipe for %s: %w", opts.Name, err)
	}
	d.pipe, w.pipeFile = pipe, child
	if opts.UnitTesting {
		tp, tchild, err := f.NewPipe()
		if err != nil {
			return nil, fmt.Errorf("multiproc: test pipe for %s: %w", opts.Name, err)
		}
		d.testPipe, w.testPipeFile = tp, tchild
	}

	if opts.Shutdown != nil {
		d.shutdown = opts.Shutdown
	} else {
		sig, err := f.NewSignal()
		if err != nil {
			return nil, fmt.Errorf("multiproc: shutdown signal for %s: %w", opts.Name, err)
		}
		d.shutdown, d.ownsShutdown = sig, true
	}
	w.Shutdown = d.shutdown

	d.ctx = opts.Context.clone()
	lc := opts.Log
	lc.Level = opts.LogLevel.String()
	lc.Path = ""
	if err := d.ctx.Set(SlotLog, lc); err != nil {
		return nil, err
	}
	if err := d.embed(); err != nil {
		return nil, err
	}

	log.Debug("creating worker process")
	cmd, err := f.NewCommand(opts.Name)
	if err != nil {
		return nil, err
	}
	cmd.ExtraFiles = w.extraFiles()
	d.env = env.FromOS().WithStrip(EnvPrefix).Merge(opts.Env)
	outW, errW, err := opts.Log.File.Writers(opts.Name)
	if err != nil {
		return nil, err
	}
	if cmd.Stdout, err = d.sink(outW, os.Stdout); err != nil {
		if errW != nil {
			_ = errW.Close()
		}
		return nil, err
	}
	if cmd.Stderr, err = d.sink(errW, os.Stderr); err != nil {
		return nil, err
	}
	configureSysProcAttr(cmd)
	d.cmd = cmd

	if opts.Finalize != nil {
		log.Debug("calling finalize")
		opts.Finalize(d, w)
		if err := d.embed(); err != nil {
			return nil, err
		}
	}
	// The worker gets the context as it is now; later edits are not seen.
	if d.payload, err = d.ctx.encode(); err != nil {
		return nil, fmt.Errorf("multiproc: encode context for %s: %w", opts.Name, err)
	}

	metrics.IncSetUp(opts.Name)
	log.Debug("set-up complete")
	ok = true
	return d, nil
}

// sink routes one output stream of the worker. Without a destination the
// worker writes straight to def; otherwise it writes into a pipe that Start
// drains into dst, so reaping never waits on the copy.
func (d *Descriptor) sink(dst io.WriteCloser, def *os.File) (*os.File, error) {
	if dst == nil {
		return def, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		_ = dst.Close()
		return nil, fmt.Errorf("multiproc: output pipe for %s: %w", d.name, err)
	}
	d.sinks = append(d.sinks, &logSink{r: r, w: w, dst: dst})
	return w, nil
}
