//go:build unix

package multiproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/multiproc/internal/logger"
	"github.com/loykin/multiproc/internal/shutdown"
)

const (
	taskSize   = "test.size"
	taskOrphan = "test.orphan"
)

type sizedConfig struct {
	Blob string `json:"blob"`
	Size int    `json:"size"`
}

func init() {
	Register(taskSize, func(w *Worker, _ *Context) error {
		var c sizedConfig
		if err := w.DecodeConfig(&c); err != nil {
			return err
		}
		if len(c.Blob) != c.Size {
			return fmt.Errorf("blob is %d bytes, want %d", len(c.Blob), c.Size)
		}
		return nil
	})
	// Leaves a child behind that keeps the worker's stdout and stderr open.
	Register(taskOrphan, func(*Worker, *Context) error {
		cmd := exec.Command("sleep", "5")
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		return cmd.Start()
	})
}

type testConfig struct {
	Greeting string `json:"greeting"`
	N        int    `json:"n"`
}

func setUp(t *testing.T, opts Options) *Descriptor {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig{Greeting: "hi", N: 1}
	}
	d, err := SetUp(opts)
	require.NoError(t, err)
	require.NotNil(t, d)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func start(t *testing.T, opts Options) *Descriptor {
	t.Helper()
	d := setUp(t, opts)
	require.NoError(t, d.Start())
	return d
}

func waitDone(t *testing.T, d *Descriptor, within time.Duration) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(within):
		t.Fatalf("worker %s did not exit within %v", d.Name(), within)
	}
}

func waitDrained(t *testing.T, d *Descriptor, within time.Duration) {
	t.Helper()
	select {
	case <-d.drained:
	case <-time.After(within):
		t.Fatalf("output of %s not drained within %v", d.Name(), within)
	}
}

func requireCode(t *testing.T, rec ExitRecord, want int) {
	t.Helper()
	c, ok := rec.Code()
	require.True(t, ok, "exit code absent for %s", rec.Name)
	require.Equal(t, want, c)
}

func TestStopAfterNormalReturnIsIdempotent(t *testing.T) {
	d := start(t, Options{Name: "worker-b", Task: taskReturn})
	waitDone(t, d, 10*time.Second)

	first := d.Stop(time.Second)
	require.Equal(t, "worker-b", first.Name)
	requireCode(t, first, 0)

	second := d.Stop(time.Second)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, *first.ExitCode, *second.ExitCode)
	assert.True(t, d.EndedAt().IsZero(), "worker ended on its own, not by Stop")
}

func TestStopWorkerB(t *testing.T) {
	d := start(t, Options{Name: "worker-b", Task: taskReturn})
	rec := d.Stop(DefaultStopTimeout)
	assert.Equal(t, "worker-b", rec.Name)
	requireCode(t, rec, 0)
	assert.False(t, d.Alive())
}

func TestStopEscalatesIgnoringWorker(t *testing.T) {
	d := start(t, Options{Name: "worker-a", Task: taskIgnore})

	wait := 200 * time.Millisecond
	began := time.Now()
	rec := d.Stop(wait)
	elapsed := time.Since(began)

	assert.Equal(t, "worker-a", rec.Name)
	c, ok := rec.Code()
	require.True(t, ok, "killed worker must report a code")
	assert.Equal(t, -9, c)
	assert.Less(t, elapsed, wait+2*time.Second)
	assert.GreaterOrEqual(t, elapsed, wait)
	assert.False(t, d.Alive())
	assert.False(t, d.EndedAt().IsZero())
}

func TestStopPromptWorker(t *testing.T) {
	d := start(t, Options{Name: "poller", Task: taskPoll})
	assert.Equal(t, Healthy, d.Healthy(PhaseRunning))

	wait := 10 * time.Second
	began := time.Now()
	rec := d.Stop(wait)
	assert.Less(t, time.Since(began), wait)
	requireCode(t, rec, 0)
	assert.True(t, d.Shutdown().IsSet())
	assert.Equal(t, ApoptosisSuccessful, d.Healthy(PhaseApoptosis))
	assert.Equal(t, Dying, d.Healthy(PhaseRunning))
	assert.Equal(t, Healthy, d.ExitCodeHealthy(Healthy, Unhealthy))
}

func TestStopBeforeStart(t *testing.T) {
	d := setUp(t, Options{Name: "idle", Task: taskReturn})
	rec := d.Stop(time.Second)
	assert.Equal(t, "idle", rec.Name)
	requireCode(t, rec, 0)
	assert.False(t, d.Shutdown().IsSet(), "nothing to signal without a process")
	assert.Equal(t, Fatal, d.Healthy(PhaseRunning))
}

func TestStartTwice(t *testing.T) {
	d := start(t, Options{Name: "twice", Task: taskPoll})
	assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)
	requireCode(t, d.Stop(5*time.Second), 0)
}

func TestStopPhases(t *testing.T) {
	d := start(t, Options{Name: "phased", Task: taskIgnore})

	_, done := d.StopBegin()
	require.False(t, done)
	assert.True(t, d.Shutdown().IsSet())

	_, done = d.StopWait(50 * time.Millisecond)
	require.False(t, done)
	assert.Equal(t, Apoptosis, d.Healthy(PhaseApoptosis))

	rec := d.StopEnd()
	requireCode(t, rec, -9)
	assert.Equal(t, Unhealthy, d.ExitCodeHealthy(Healthy, Unhealthy))
}

func TestHandoffRoundTrip(t *testing.T) {
	ctx := NewContext()
	require.NoError(t, ctx.Set("test.slot", "carried"))
	cfg := testConfig{Greeting: "hello", N: 42}
	d := start(t, Options{
		Name:        "roundtrip",
		Task:        taskHandoff,
		Config:      cfg,
		Context:     ctx,
		UnitTesting: true,
		Debug:       DebugLogHandoff,
	})

	m, err := d.TestPipe().RecvTimeout(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "handoff", m.Kind)
	var rep handoffReport
	require.NoError(t, m.Decode(&rep))

	assert.Equal(t, "roundtrip", rep.Name)
	assert.Equal(t, taskHandoff, rep.Task)
	assert.Equal(t, d.PID(), rep.PID)
	assert.Equal(t, d.Shutdown().Path(), rep.Shutdown)
	assert.Equal(t, "carried", rep.Slot)
	var got testConfig
	require.NoError(t, json.Unmarshal(rep.Config, &got))
	assert.Equal(t, cfg, got)

	require.NoError(t, d.Send("ping", map[string]int{"seq": 7}))
	m, err = d.Pipe().RecvTimeout(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Kind)
	var echoed map[string]int
	require.NoError(t, m.Decode(&echoed))
	assert.Equal(t, 7, echoed["seq"])

	requireCode(t, d.Stop(10*time.Second), 0)
}

func TestSharedSignalStopsGroup(t *testing.T) {
	sig, err := shutdown.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sig.Remove() })

	first := start(t, Options{Name: "first", Task: taskPoll, Shutdown: sig})
	second := start(t, Options{Name: "second", Task: taskPoll, Shutdown: sig})
	require.Equal(t, first.Shutdown().Path(), second.Shutdown().Path())

	requireCode(t, first.Stop(10*time.Second), 0)
	waitDone(t, second, 10*time.Second)
	c, ok := second.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, c)

	// Descriptors never remove a signal they did not create.
	_, err = os.Stat(filepath.Dir(sig.Path()))
	assert.NoError(t, err)
}

func TestMissingConfigIsHandoffError(t *testing.T) {
	d, err := SetUp(Options{Name: "noconfig", Task: taskReturn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Start())
	waitDone(t, d, 10*time.Second)
	c, ok := d.ExitCode()
	require.True(t, ok)
	assert.Equal(t, ExitHandoff, c)
}

func TestEntryErrorExitsOne(t *testing.T) {
	d := start(t, Options{Name: "failing", Task: taskFail})
	waitDone(t, d, 10*time.Second)
	assert.Equal(t, Unhealthy, d.Healthy(PhaseRunning))
	requireCode(t, d.Stop(time.Second), 1)
}

func TestFinalizeEditsAreCarried(t *testing.T) {
	var gotD *Descriptor
	d := setUp(t, Options{
		Name: "finalized",
		Task: taskReturn,
		Finalize: func(d *Descriptor, w *Worker) {
			gotD = d
			w.Debug |= DebugLogHandoff
		},
	})
	assert.Same(t, d, gotD)
	var h handoff
	ok, err := d.Context().Get(SlotWorker, &h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.Debug.Has(DebugLogHandoff))
	assert.Equal(t, 3, h.PipeFD)
	assert.Zero(t, h.TestPipeFD)
}

func TestSetUpReleasesOnFailure(t *testing.T) {
	spy := &spyFactory{inner: DefaultFactory(), failCommand: errors.New("no exec")}
	var sig *shutdown.Signal
	inner := spy.inner
	spy.inner = signalTap{Factory: inner, got: &sig}

	d, err := SetUp(Options{Name: "leaky", Task: taskReturn, Config: 1, Factory: spy})
	require.Error(t, err)
	assert.Nil(t, d)
	require.NotNil(t, sig)
	_, statErr := os.Stat(filepath.Dir(sig.Path()))
	assert.True(t, os.IsNotExist(statErr), "owned signal dir should be removed")
}

type signalTap struct {
	Factory
	got **shutdown.Signal
}

func (s signalTap) NewSignal() (*shutdown.Signal, error) {
	sig, err := s.Factory.NewSignal()
	*s.got = sig
	return sig, err
}

func TestStatusAndUsage(t *testing.T) {
	d := start(t, Options{Name: "status", Task: taskPoll})
	st := d.Status()
	assert.Equal(t, "status", st.Name)
	assert.True(t, st.Running)
	assert.Positive(t, st.PID)
	assert.Nil(t, st.ExitCode)

	u, err := d.Usage()
	require.NoError(t, err)
	assert.Equal(t, d.PID(), u.PID)

	d.Stop(10 * time.Second)
	st = d.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.ExitCode)
	assert.True(t, st.ShutdownSet)
	_, err = d.Usage()
	assert.Error(t, err)
}

func TestWorkerLogsToFiles(t *testing.T) {
	dir := t.TempDir()
	d := start(t, Options{Name: "logged", Task: taskReturn, Log: loggerConfigWithDir(dir), Debug: DebugLogHandoff})
	requireCode(t, d.Stop(10*time.Second), 0)
	waitDrained(t, d, 5*time.Second)
	b, err := os.ReadFile(filepath.Join(dir, "logged.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "worker hand-off")
}

func loggerConfigWithDir(dir string) logger.Config {
	return logger.Config{File: logger.FileConfig{Dir: dir}}
}

func TestLargeConfigIsHandedOff(t *testing.T) {
	const size = 256 << 10
	d := start(t, Options{
		Name:   "big",
		Task:   taskSize,
		Config: sizedConfig{Blob: strings.Repeat("b", size), Size: size},
	})
	waitDone(t, d, 10*time.Second)
	requireCode(t, d.Stop(time.Second), 0)
}

func TestSharedContextKeepsEachHandoff(t *testing.T) {
	shared := NewContext()
	require.NoError(t, shared.Set("test.slot", "early"))

	alpha := setUp(t, Options{Name: "alpha", Task: taskHandoff, Context: shared, UnitTesting: true})
	beta := setUp(t, Options{Name: "beta", Task: taskReturn, Context: shared})
	require.NoError(t, shared.Set("test.slot", "late"))
	assert.False(t, shared.Has(SlotWorker), "caller context must not be written")
	assert.NotEqual(t, alpha.Shutdown().Path(), beta.Shutdown().Path())

	require.NoError(t, alpha.Start())
	m, err := alpha.TestPipe().RecvTimeout(10 * time.Second)
	require.NoError(t, err)
	var rep handoffReport
	require.NoError(t, m.Decode(&rep))
	assert.Equal(t, "alpha", rep.Name)
	assert.Equal(t, taskHandoff, rep.Task)
	assert.Equal(t, alpha.Shutdown().Path(), rep.Shutdown)
	assert.Equal(t, "early", rep.Slot)

	require.NoError(t, alpha.Send("ping", 1))
	_, err = alpha.Pipe().RecvTimeout(10 * time.Second)
	require.NoError(t, err)
	requireCode(t, alpha.Stop(10*time.Second), 0)
}

func TestStopKeepsOwnedSignalUntilClose(t *testing.T) {
	d, err := SetUp(Options{Name: "owned", Task: taskPoll, Config: 1})
	require.NoError(t, err)
	require.NoError(t, d.Start())
	dir := filepath.Dir(d.Shutdown().Path())

	requireCode(t, d.Stop(10*time.Second), 0)
	_, err = os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, ApoptosisSuccessful, d.Healthy(PhaseApoptosis))

	require.NoError(t, d.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "Close should remove the owned signal dir")
}

func TestExitNotHeldByLeftoverOutput(t *testing.T) {
	d := start(t, Options{Name: "orphaned", Task: taskOrphan, Log: loggerConfigWithDir(t.TempDir())})
	pid := d.PID()
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	waitDone(t, d, 10*time.Second)
	select {
	case <-d.drained:
		t.Fatalf("output drained while the leftover child still holds it")
	default:
	}
	assert.False(t, d.Alive())
	requireCode(t, d.Stop(0), 0)
}
