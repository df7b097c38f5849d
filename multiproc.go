package multiproc

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/multiproc/internal/config"
	"github.com/loykin/multiproc/internal/history"
	"github.com/loykin/multiproc/internal/history/sqlite"
	"github.com/loykin/multiproc/internal/metrics"
	mp "github.com/loykin/multiproc/internal/multiproc"
	pg "github.com/loykin/multiproc/internal/process_group"
	iapi "github.com/loykin/multiproc/internal/server"
	"github.com/loykin/multiproc/internal/shutdown"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Descriptor   = mp.Descriptor
	Worker       = mp.Worker
	Options      = mp.Options
	ExitRecord   = mp.ExitRecord
	Context      = mp.Context
	EntryFunc    = mp.EntryFunc
	FinalizeFunc = mp.FinalizeFunc
	Factory      = mp.Factory
	ProcTest     = mp.ProcTest
	DebugFlag    = mp.DebugFlag
	Status       = mp.Status
	Usage        = mp.Usage
	Phase        = mp.Phase
	Health       = mp.Health
	Signal       = shutdown.Signal
	Group        = pg.Group
	Config       = cfg.File
	HistorySink  = history.Sink
	HistoryEvent = history.Event
)

const (
	ProcTestNone    = mp.ProcTestNone
	ProcTestDNE     = mp.ProcTestDNE
	DebugNone       = mp.DebugNone
	DebugLogHandoff = mp.DebugLogHandoff
	PhaseRunning    = mp.PhaseRunning
	PhaseApoptosis  = mp.PhaseApoptosis
	ExitHandoff     = mp.ExitHandoff
)

// DefaultStopTimeout is the wait Stop uses when given a negative duration.
const DefaultStopTimeout = mp.DefaultStopTimeout

var (
	ErrNoName         = mp.ErrNoName
	ErrUnknownTask    = mp.ErrUnknownTask
	ErrAlreadyStarted = mp.ErrAlreadyStarted
	ErrNoContext      = mp.ErrNoContext
	ErrNoWorker       = mp.ErrNoWorker
	ErrNoPipe         = mp.ErrNoPipe
	ErrNoConfig       = mp.ErrNoConfig
	ErrNoShutdown     = mp.ErrNoShutdown
)

// Main must run first in main (and TestMain); it never returns inside a worker.
func Main() { mp.Main() }

func IsWorker() bool { return mp.IsWorker() }

func Register(task string, fn EntryFunc) { mp.Register(task, fn) }

func Tasks() []string { return mp.Tasks() }

func NewContext() *Context { return mp.NewContext() }

func SetUp(opts Options) (*Descriptor, error) { return mp.SetUp(opts) }

// NewSignal creates a shutdown signal that several workers can share via Options.Shutdown.
func NewSignal() (*Signal, error) { return shutdown.New() }

func NewGroup(name string) (*Group, error) { return pg.New(name, nil) }

// StopAll stops descriptors one after another with the same wait each.
// Callers still Close each descriptor to release its pipes and signal.
func StopAll(ds []*Descriptor, wait time.Duration) []ExitRecord {
	out := make([]ExitRecord, 0, len(ds))
	for _, d := range ds {
		if d == nil {
			continue
		}
		out = append(out, d.Stop(wait))
	}
	return out
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewSQLiteHistory opens a SQLite-backed history sink.
func NewSQLiteHistory(dsn string) (*sqlite.Sink, error) { return sqlite.New(dsn) }

// NewHTTPServer starts an HTTP server exposing status, stop, history and metrics for ds.
func NewHTTPServer(addr, basePath string, ds []*Descriptor, hist iapi.HistoryReader) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(ds, hist, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

func MetricsHandler() http.Handler { return metrics.Handler() }
