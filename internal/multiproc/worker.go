package multiproc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/loykin/multiproc/internal/ipc"
	"github.com/loykin/multiproc/internal/shutdown"
)

// Worker is the worker-side handle. SetUp builds one next to each Descriptor;
// inside the worker process the trampoline rebuilds it from the hand-off and
// passes it to the task.
type Worker struct {
	Name     string
	Task     string
	Config   json.RawMessage
	Shutdown *shutdown.Signal
	LogLevel slog.Level
	Debug    DebugFlag

	// Pipe and TestPipe are only connected inside the worker process.
	Pipe     *ipc.Conn
	TestPipe *ipc.Conn

	// Log is the worker's process-local logger, set by the trampoline.
	Log *slog.Logger

	// Ends handed to the child at Start; the supervisor closes its copies afterwards.
	pipeFile     *os.File
	testPipeFile *os.File
}

// DecodeConfig unmarshals the opaque configuration payload into v.
func (w *Worker) DecodeConfig(v any) error {
	if len(w.Config) == 0 {
		return ErrNoConfig
	}
	return json.Unmarshal(w.Config, v)
}

// ShutdownRequested reports whether the supervisor asked this worker to stop.
func (w *Worker) ShutdownRequested() bool { return w.Shutdown != nil && w.Shutdown.IsSet() }

// Context returns a context cancelled when shutdown is requested.
func (w *Worker) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return w.Shutdown.Context(parent)
}

func (w *Worker) Send(kind string, v any) error { return w.Pipe.Send(kind, v) }

func (w *Worker) Recv() (ipc.Message, error) { return w.Pipe.Recv() }

func (w *Worker) HasData() bool { return w.Pipe.HasData() }

// TestSend writes to the unit-testing side channel.
func (w *Worker) TestSend(kind string, v any) error { return w.TestPipe.Send(kind, v) }

func (w *Worker) TestRecv() (ipc.Message, error) { return w.TestPipe.Recv() }

func (w *Worker) handoff() handoff {
	h := handoff{
		Name:   w.Name,
		Task:   w.Task,
		Config: w.Config,
		Debug:  w.Debug,
	}
	if w.Shutdown != nil {
		h.Shutdown = w.Shutdown.Path()
	}
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	if w.pipeFile != nil {
		h.PipeFD = 3
		if w.testPipeFile != nil {
			h.TestPipeFD = 4
		}
	}
	return h
}

func (w *Worker) extraFiles() []*os.File {
	var files []*os.File
	if w.pipeFile != nil {
		files = append(files, w.pipeFile)
		if w.testPipeFile != nil {
			files = append(files, w.testPipeFile)
		}
	}
	return files
}

// releaseFiles closes the supervisor's copies of the child pipe ends.
func (w *Worker) releaseFiles() {
	if w.pipeFile != nil {
		_ = w.pipeFile.Close()
		w.pipeFile = nil
	}
	if w.testPipeFile != nil {
		_ = w.testPipeFile.Close()
		w.testPipeFile = nil
	}
}

func (w *Worker) close() {
	if w.Pipe != nil {
		_ = w.Pipe.Close()
	}
	if w.TestPipe != nil {
		_ = w.TestPipe.Close()
	}
}
