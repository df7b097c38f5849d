package multiproc

import (
	"time"

	"github.com/loykin/multiproc/internal/history"
	"github.com/loykin/multiproc/internal/metrics"
)

// DefaultStopTimeout is how long Stop waits for a graceful exit before killing.
const DefaultStopTimeout = 15 * time.Second

// reapTimeout bounds the wait for the kernel to hand back a killed worker.
var reapTimeout = 200 * time.Millisecond

// Stop asks the worker to shut down by setting its shutdown signal, waits up to
// wait for it to exit, then kills it. A negative wait means DefaultStopTimeout.
// Stop never fails: faults are logged and reflected in the returned record.
// It is safe to call repeatedly, on a nil Descriptor, and before Start.
// Stop leaves the shutdown signal in place so health and status still see it;
// Close removes a signal SetUp created.
func (d *Descriptor) Stop(wait time.Duration) ExitRecord {
	if d == nil {
		return exitRecord("", 0, true)
	}
	if wait < 0 {
		wait = DefaultStopTimeout
	}
	began := time.Now()
	defer func() { metrics.ObserveStopDuration(d.name, time.Since(began).Seconds()) }()

	if rec, done := d.StopBegin(); done {
		return rec
	}
	if rec, done := d.StopWait(wait); done {
		return rec
	}
	return d.StopEnd()
}

// StopBegin is the first phase of a non-blocking stop. It returns done=true
// with the final record when there is nothing to stop; otherwise it sets the
// shutdown signal and the caller continues with StopWait and StopEnd.
func (d *Descriptor) StopBegin() (ExitRecord, bool) {
	if d == nil {
		return exitRecord("", 0, true), true
	}
	if !d.hasProcess() {
		d.log.Debug("no process to stop; reporting clean exit")
		metrics.IncStop(d.name, metrics.PathNoProcess)
		return exitRecord(d.name, 0, true), true
	}
	if code, ok := d.ExitCode(); ok && code == 0 {
		d.log.Debug("already stopped")
		metrics.IncStop(d.name, metrics.PathAlready)
		return exitRecord(d.name, code, true), true
	}
	d.log.Debug("asking worker to end gracefully")
	if err := d.shutdown.Set(); err != nil {
		d.log.Warn("failed to set shutdown signal", "error", err)
	}
	return ExitRecord{}, false
}

// StopWait waits up to wait for the worker to exit after StopBegin. It returns
// done=true with the final record once the worker is gone. Calling it in a
// loop with short waits lets the caller do other work in between.
func (d *Descriptor) StopWait(wait time.Duration) (ExitRecord, bool) {
	if d == nil {
		return exitRecord("", 0, true), true
	}
	if !d.Alive() {
		d.log.Debug("worker not alive; skipping graceful wait")
		return d.finish(metrics.PathAlready, false), true
	}
	d.log.Debug("waiting for structured shutdown", "timeout", wait)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-d.done:
		return d.finish(metrics.PathGraceful, true), true
	case <-t.C:
		d.log.Debug("graceful wait timed out")
		return ExitRecord{}, false
	}
}

// StopEnd finishes a stop: a worker still alive is killed immediately.
func (d *Descriptor) StopEnd() ExitRecord {
	if d == nil {
		return exitRecord("", 0, true)
	}
	if !d.Alive() {
		return d.finish(metrics.PathGraceful, true)
	}
	pid := d.PID()
	d.log.Warn("worker did not exit in time; terminating", "pid", pid)
	if err := killGroup(d.cmd.Process); err != nil {
		d.log.Warn("kill failed", "pid", pid, "error", err)
	}
	t := time.NewTimer(reapTimeout)
	defer t.Stop()
	select {
	case <-d.done:
	case <-t.C:
		d.log.Error("killed worker not reaped in time; exit code unknown", "pid", pid)
	}
	return d.finish(metrics.PathForced, true)
}

// finish records how the stop completed and builds the record.
func (d *Descriptor) finish(path string, stopped bool) ExitRecord {
	code, ok := d.ExitCode()
	if stopped {
		d.mu.Lock()
		d.endedAt = time.Now()
		d.mu.Unlock()
	}
	rec := exitRecord(d.name, code, ok)
	switch path {
	case metrics.PathForced:
		d.log.Warn("worker terminated", "exit", rec.String())
	default:
		d.log.Debug("worker exited", "exit", rec.String(), "path", path)
	}
	metrics.IncStop(d.name, path)
	d.rec.Record(history.Event{Type: history.EventStop, Name: d.name, PID: d.PID(), ExitCode: rec.ExitCode, Path: path})
	return rec
}
