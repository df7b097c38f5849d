package main

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/multiproc"
)

// Built-in tasks, available to every config run by this binary.
const (
	TaskEcho   = "echo"
	TaskSleep  = "sleep"
	TaskIgnore = "ignore"
)

// pollInterval is how often the echo task checks for input and shutdown.
const pollInterval = 20 * time.Millisecond

type echoConfig struct {
	Greeting string `json:"greeting"`
}

type sleepConfig struct {
	Duration string `json:"duration"`
}

func (c sleepConfig) duration(def time.Duration) (time.Duration, error) {
	if c.Duration == "" {
		return def, nil
	}
	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return 0, fmt.Errorf("sleep: invalid duration %q: %w", c.Duration, err)
	}
	return d, nil
}

func init() {
	multiproc.Register(TaskEcho, echoTask)
	multiproc.Register(TaskSleep, sleepTask)
	multiproc.Register(TaskIgnore, ignoreTask)
}

// echoTask sends every control message back to the supervisor until shutdown.
func echoTask(w *multiproc.Worker, _ *multiproc.Context) error {
	var cfg echoConfig
	if err := w.DecodeConfig(&cfg); err != nil {
		return err
	}
	if cfg.Greeting != "" {
		w.Log.Info(cfg.Greeting)
	}
	for !w.ShutdownRequested() {
		if !w.HasData() {
			time.Sleep(pollInterval)
			continue
		}
		m, err := w.Recv()
		if err != nil {
			return err
		}
		if err := w.Send(m.Kind, m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// sleepTask waits for its configured duration or until shutdown, whichever is first.
func sleepTask(w *multiproc.Worker, _ *multiproc.Context) error {
	var cfg sleepConfig
	if err := w.DecodeConfig(&cfg); err != nil {
		return err
	}
	d, err := cfg.duration(time.Hour)
	if err != nil {
		return err
	}
	ctx, cancel := w.Context(context.Background())
	defer cancel()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		w.Log.Debug("sleep interrupted by shutdown")
	case <-t.C:
	}
	return nil
}

// ignoreTask never looks at the shutdown signal; only escalation ends it early.
func ignoreTask(w *multiproc.Worker, _ *multiproc.Context) error {
	var cfg sleepConfig
	if err := w.DecodeConfig(&cfg); err != nil {
		return err
	}
	d, err := cfg.duration(time.Hour)
	if err != nil {
		return err
	}
	time.Sleep(d)
	return nil
}
