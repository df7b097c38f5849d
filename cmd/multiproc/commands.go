package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/multiproc"
	"github.com/loykin/multiproc/internal/logger"
)

// command implements the CLI verbs; out receives their results.
type command struct {
	out io.Writer
}

// Run supervises the workers of a config file until interrupted.
func (c command) Run(ctx context.Context, f RunFlags) error {
	if f.ConfigPath == "" {
		return fmt.Errorf("--config is required")
	}
	fc, err := multiproc.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	closer, err := logger.Init(fc.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if err := multiproc.RegisterMetricsDefault(); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	wait := f.Wait
	if wait < 0 {
		wait = fc.Supervisor.StopTimeout
	}
	s, err := newSession(fc, slog.Default())
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.start(wait); err != nil {
		return err
	}
	if addr := firstNonEmpty(f.Listen, fc.Server.Listen); addr != "" {
		s.serve(addr)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.For > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.For)
		defer cancel()
	}
	s.wait(ctx)

	recs := s.stop(wait)
	if err := printRecords(c.out, f.Output, recs); err != nil {
		return err
	}
	bad := 0
	for _, r := range recs {
		if !r.Success() {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d workers did not exit cleanly", bad, len(recs))
	}
	return nil
}

// Tasks lists the registered tasks.
func (c command) Tasks(f TasksFlags) error {
	return printValue(c.out, f.Output, multiproc.Tasks(), func(w io.Writer) error {
		for _, t := range multiproc.Tasks() {
			if _, err := fmt.Fprintln(w, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Validate loads a config and checks every task is registered in this binary.
func (c command) Validate(path string) error {
	if path == "" {
		return fmt.Errorf("--config is required")
	}
	fc, err := multiproc.LoadConfig(path)
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	for _, t := range multiproc.Tasks() {
		known[t] = true
	}
	for _, w := range fc.Workers {
		if !known[w.Task] {
			return fmt.Errorf("worker %s: %w: %q", w.Name, multiproc.ErrUnknownTask, w.Task)
		}
	}
	_, err = fmt.Fprintf(c.out, "ok: %d workers, %d groups\n", len(fc.Workers), len(fc.Groups()))
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
