package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/multiproc/internal/history"
	"github.com/loykin/multiproc/internal/metrics"
	"github.com/loykin/multiproc/internal/multiproc"
)

// HistoryReader returns recent lifecycle events for a worker.
type HistoryReader interface {
	Recent(ctx context.Context, name string, limit int) ([]history.Event, error)
}

// Router provides embeddable HTTP handlers for supervised workers.
// Endpoints:
//   GET  {basePath}/workers          statuses of every worker
//   GET  {basePath}/status           query: name=...&usage=1 (usage optional)
//   POST {basePath}/stop             query: name=...&wait=1s (wait optional)
//   GET  {basePath}/history          query: name=...&limit=20 (needs a HistoryReader)
//   GET  {basePath}/metrics          Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	workers  map[string]*multiproc.Descriptor
	order    []string
	hist     HistoryReader
	basePath string

	// Stop on one descriptor must not run concurrently with itself.
	stopMu sync.Mutex
}

// NewRouter constructs a Router over the given descriptors. Nil descriptors
// (workers skipped at set-up) are ignored.
func NewRouter(ds []*multiproc.Descriptor, hist HistoryReader, basePath string) *Router {
	r := &Router{
		workers:  make(map[string]*multiproc.Descriptor, len(ds)),
		hist:     hist,
		basePath: sanitizeBase(basePath),
	}
	for _, d := range ds {
		if d == nil {
			continue
		}
		if _, dup := r.workers[d.Name()]; !dup {
			r.order = append(r.order, d.Name())
		}
		r.workers[d.Name()] = d
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/workers", r.handleWorkers)
	group.GET("/status", r.handleStatus)
	group.POST("/stop", r.handleStop)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// Lock blocks HTTP-initiated stops until the returned func is called, so the
// owner can tear workers down without racing a request.
func (r *Router) Lock() func() {
	r.stopMu.Lock()
	return r.stopMu.Unlock
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	multiproc.Status
	Health string           `json:"health"`
	Usage  *multiproc.Usage `json:"usage,omitempty"`
}

func (r *Router) lookup(c *gin.Context) (*multiproc.Descriptor, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return nil, false
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return nil, false
	}
	d, ok := r.workers[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown worker " + name})
		return nil, false
	}
	return d, true
}

func (r *Router) handleWorkers(c *gin.Context) {
	res := make([]statusResp, 0, len(r.order))
	for _, n := range r.order {
		d := r.workers[n]
		res = append(res, statusResp{Status: d.Status(), Health: d.Healthy(multiproc.PhaseRunning).String()})
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	d, ok := r.lookup(c)
	if !ok {
		return
	}
	res := statusResp{Status: d.Status(), Health: d.Healthy(multiproc.PhaseRunning).String()}
	if c.Query("usage") != "" && res.Running {
		if u, err := d.Usage(); err == nil {
			res.Usage = &u
		}
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStop(c *gin.Context) {
	d, ok := r.lookup(c)
	if !ok {
		return
	}
	wait := multiproc.DefaultStopTimeout
	if s := c.Query("wait"); s != "" {
		w, err := time.ParseDuration(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
			return
		}
		wait = w
	}
	r.stopMu.Lock()
	rec := d.Stop(wait)
	r.stopMu.Unlock()
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.hist == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled"})
		return
	}
	d, ok := r.lookup(c)
	if !ok {
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	evs, err := r.hist.Recent(c.Request.Context(), d.Name(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, evs)
}
