package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/multiproc"
	"github.com/loykin/multiproc/internal/history/sqlite"
	"github.com/loykin/multiproc/internal/server"
)

// shutdownGrace bounds how long the HTTP server may take to drain.
const shutdownGrace = 5 * time.Second

// session is one supervised run of a config file.
type session struct {
	log  *slog.Logger
	hist *sqlite.Sink

	all    []*multiproc.Descriptor // every created worker, in config order
	groups []*multiproc.Group
	solo   []*multiproc.Descriptor // workers outside any group

	router *server.Router
	srv    *http.Server
}

// newSession sets up every worker of fc. Nothing is started yet.
func newSession(fc *multiproc.Config, log *slog.Logger) (_ *session, err error) {
	s := &session{log: log}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if fc.History.SQLite != "" {
		if s.hist, err = sqlite.New(fc.History.SQLite); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	byGroup := make(map[string]*multiproc.Group)
	for i, o := range opts {
		o.Logger = log
		if s.hist != nil {
			o.History = s.hist
		}
		var d *multiproc.Descriptor
		if name := fc.Workers[i].Group; name != "" {
			g, ok := byGroup[name]
			if !ok {
				if g, err = multiproc.NewGroup(name); err != nil {
					return nil, err
				}
				byGroup[name] = g
				s.groups = append(s.groups, g)
			}
			d, err = g.SetUp(o)
		} else {
			d, err = multiproc.SetUp(o)
			if d != nil {
				s.solo = append(s.solo, d)
			}
		}
		if err != nil {
			return nil, err
		}
		if d != nil {
			s.all = append(s.all, d)
		}
	}
	return s, nil
}

// start launches groups first, then ungrouped workers. On failure every
// worker already started is stopped.
func (s *session) start(rollback time.Duration) error {
	for _, g := range s.groups {
		if err := g.Start(); err != nil {
			s.stop(rollback)
			return err
		}
	}
	for _, d := range s.solo {
		if err := d.Start(); err != nil {
			s.stop(rollback)
			return fmt.Errorf("start %s: %w", d.Name(), err)
		}
	}
	s.log.Info("workers started", "count", len(s.all), "groups", len(s.groups))
	return nil
}

// serve exposes the status API on addr.
func (s *session) serve(addr string) {
	var hr server.HistoryReader
	if s.hist != nil {
		hr = s.hist
	}
	s.router = server.NewRouter(s.all, hr, "/api")
	s.srv = server.NewServer(addr, s.router)
	s.log.Info("status API listening", "addr", addr)
}

// wait blocks until ctx is done or every worker has exited on its own.
func (s *session) wait(ctx context.Context) {
	exited := make(chan struct{})
	go func() {
		for _, d := range s.all {
			select {
			case <-d.Done():
			case <-ctx.Done():
				return
			}
		}
		close(exited)
	}()
	select {
	case <-ctx.Done():
		s.log.Info("stopping workers", "reason", context.Cause(ctx))
	case <-exited:
		s.log.Info("all workers exited")
	}
}

// stop brings every worker down and returns records in config order.
func (s *session) stop(wait time.Duration) []multiproc.ExitRecord {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = s.srv.Shutdown(ctx)
		cancel()
		s.srv = nil
	}
	if s.router != nil {
		defer s.router.Lock()()
	}
	byName := make(map[string]multiproc.ExitRecord, len(s.all))
	for _, g := range s.groups {
		for _, r := range g.Stop(wait) {
			byName[r.Name] = r
		}
	}
	for _, r := range multiproc.StopAll(s.solo, wait) {
		byName[r.Name] = r
	}
	out := make([]multiproc.ExitRecord, 0, len(s.all))
	for _, d := range s.all {
		out = append(out, byName[d.Name()])
	}
	return out
}

func (s *session) close() {
	for _, d := range s.solo {
		_ = d.Close()
	}
	for _, g := range s.groups {
		_ = g.Close()
	}
	if s.hist != nil {
		_ = s.hist.Close()
	}
}
