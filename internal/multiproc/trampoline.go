package multiproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/loykin/multiproc/internal/ipc"
	"github.com/loykin/multiproc/internal/logger"
	"github.com/loykin/multiproc/internal/shutdown"
)

// ExitHandoff is the worker exit code when the hand-off could not be decoded
// or validated and the task never ran.
const ExitHandoff = 3

// IsWorker reports whether this process was started by SetUp/Start.
func IsWorker() bool { return os.Getenv(EnvContext) != "" }

// Main turns the process into a worker when it was started by a supervisor and
// never returns in that case. Call it first thing in main (and in TestMain for
// packages whose tests spawn workers); in a normal process it returns at once.
func Main() {
	raw, ok := os.LookupEnv(EnvContext)
	if !ok {
		return
	}
	_ = os.Unsetenv(EnvContext)
	payload, err := readContext(raw)
	if err != nil {
		slog.Error("worker hand-off failed", "error", err)
		os.Exit(ExitHandoff)
	}
	os.Exit(trampoline(payload))
}

// openPipe adopts an inherited descriptor as a control connection.
var openPipe = func(fd int) (*ipc.Conn, error) {
	return ipc.FileConn(os.NewFile(uintptr(fd), fmt.Sprintf("multiproc-pipe-%d", fd)))
}

// openInherited wraps an inherited descriptor. Tests replace it.
var openInherited = func(fd int) *os.File {
	return os.NewFile(uintptr(fd), fmt.Sprintf("multiproc-context-%d", fd))
}

// readContext reads the encoded Context from the descriptor named by raw
// and closes it.
func readContext(raw string) ([]byte, error) {
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 3 {
		return nil, fmt.Errorf("%w: bad descriptor %q", ErrNoContext, raw)
	}
	f := openInherited(fd)
	if f == nil {
		return nil, ErrNoContext
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoContext, err)
	}
	return b, nil
}

func trampoline(payload []byte) int {
	ctx, err := decodeContext(payload)
	if err != nil {
		slog.Error("worker hand-off failed", "error", err)
		return ExitHandoff
	}
	var h handoff
	if ok, err := ctx.Get(SlotWorker, &h); !ok || err != nil {
		slog.Error("worker hand-off failed", "error", errors.Join(ErrNoWorker, err))
		return ExitHandoff
	}

	var lc logger.Config
	if _, err := ctx.Get(SlotLog, &lc); err != nil {
		slog.Warn("worker log settings unreadable; using defaults", "error", err)
	}
	var closer io.Closer = io.NopCloser(nil)
	if c, err := logger.Init(lc); err != nil {
		slog.Warn("worker logger init failed; using defaults", "error", err)
	} else {
		closer = c
	}
	defer func() { _ = closer.Close() }()
	ignoreInterrupt()

	log := slog.Default().With("worker", h.Name)
	w, entry, err := bootstrap(h)
	if err != nil {
		log.Error("worker hand-off failed", "error", err)
		return ExitHandoff
	}
	defer w.close()
	w.Log = log
	if lvl, err := logger.ParseLevel(lc.Level); err == nil {
		w.LogLevel = lvl
	}

	if h.Debug.Has(DebugLogHandoff) {
		log.Info("worker hand-off",
			"task", h.Task,
			"pid", os.Getpid(),
			"shutdown", h.Shutdown,
			"pipe_fd", h.PipeFD,
			"test_pipe_fd", h.TestPipeFD,
			"config", string(h.Config))
	}

	log.Debug("running task", "task", h.Task)
	if err := entry(w, ctx); err != nil {
		log.Error("task failed", "task", h.Task, "error", err)
		return 1
	}
	log.Debug("worker done", "task", h.Task)
	return 0
}

// bootstrap validates the hand-off in order and rebuilds the Worker. Each
// missing piece maps to its own sentinel error.
func bootstrap(h handoff) (*Worker, EntryFunc, error) {
	if h.PipeFD <= 0 {
		return nil, nil, ErrNoPipe
	}
	if len(h.Config) == 0 || string(h.Config) == "null" {
		return nil, nil, ErrNoConfig
	}
	if h.Shutdown == "" {
		return nil, nil, ErrNoShutdown
	}
	sig, err := shutdown.Open(h.Shutdown)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoShutdown, err)
	}
	entry, ok := lookup(h.Task)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTask, h.Task)
	}

	w := &Worker{
		Name:     h.Name,
		Task:     h.Task,
		Config:   h.Config,
		Shutdown: sig,
		Debug:    h.Debug,
	}
	pipe, err := openPipe(h.PipeFD)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNoPipe, err)
	}
	w.Pipe = pipe
	if h.TestPipeFD > 0 {
		tp, err := openPipe(h.TestPipeFD)
		if err != nil {
			w.close()
			return nil, nil, fmt.Errorf("multiproc: test pipe: %w", err)
		}
		w.TestPipe = tp
	}
	return w, entry, nil
}
