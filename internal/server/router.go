package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/history"
	"github.com/loykin/pgdesk/internal/metrics"
	"github.com/loykin/pgdesk/internal/orchestrator"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	"github.com/loykin/pgdesk/internal/strategy"
	"github.com/loykin/pgdesk/internal/supervisor"
)

// Backend is the lifecycle surface the control API exposes.
type Backend interface {
	EnsureWith(ctx context.Context, p orchestrator.Prompter) (orchestrator.ConnectionInfo, error)
	Shutdown(ctx context.Context)
	Status(ctx context.Context) supervisor.Status
	State() orchestrator.State
	Config() (runtimecfg.RuntimeConfig, error)
	Strategy(mode runtimecfg.RunMode) (strategy.Strategy, error)
	ServerCommand() (process.Spec, error)
}

// Router provides embeddable HTTP handlers for the database lifecycle.
// Endpoints:
//
//	POST {basePath}/ensure            query: mode=user_session|service (first run), recover=true
//	POST {basePath}/shutdown
//	GET  {basePath}/status
//	GET  {basePath}/strategy          query: mode (defaults to the installation's mode)
//	POST {basePath}/strategy/{op}     op: install, remove, start, stop; query: mode
//	GET  {basePath}/history           query: limit
//	GET  {basePath}/resources
//	GET  {basePath}/metrics           when a gatherer is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend  Backend
	basePath string
	history  history.Reader
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath), logger: slog.Default()}
}

// WithHistory enables the history endpoint.
func (r *Router) WithHistory(h history.Reader) *Router {
	r.history = h
	return r
}

// WithMetrics serves g on {basePath}/metrics.
func (r *Router) WithMetrics(g prometheus.Gatherer) *Router {
	r.gatherer = g
	return r
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.logger = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/ensure", r.handleEnsure)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/status", r.handleStatus)
	group.GET("/strategy", r.handleStrategyStatus)
	group.POST("/strategy/:op", r.handleStrategyOp)
	group.GET("/history", r.handleHistory)
	group.GET("/resources", r.handleResources)
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}
	return g
}

// NewServer starts a standalone HTTP server on a loopback addr using this router.
func NewServer(addr string, r *Router) (*http.Server, error) {
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ensure may wait for initdb and an extended start
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("control API stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type ensureResp struct {
	State      orchestrator.State          `json:"state"`
	Connection orchestrator.ConnectionInfo `json:"connection"`
}

type statusResp struct {
	State   orchestrator.State `json:"state"`
	Server  supervisor.Status  `json:"server"`
	RunMode runtimecfg.RunMode `json:"runMode,omitempty"`
	Port    int                `json:"port,omitempty"`
}

func (r *Router) handleEnsure(c *gin.Context) {
	mode, err := queryMode(c, runtimecfg.UserSession)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	p := orchestrator.DefaultPrompter(mode, r.logger)
	p.AcceptRecovery = queryBool(c, "recover")
	info, err := r.backend.EnsureWith(c.Request.Context(), p)
	if err != nil {
		writeFault(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ensureResp{State: r.backend.State(), Connection: info})
}

func (r *Router) handleShutdown(c *gin.Context) {
	r.backend.Shutdown(c.Request.Context())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{State: r.backend.State(), Server: r.backend.Status(c.Request.Context())}
	if cfg, err := r.backend.Config(); err == nil {
		resp.RunMode = cfg.RunMode
		resp.Port = cfg.Port
	}
	writeJSON(c, http.StatusOK, resp)
}

// strategyFor resolves ?mode= against the installation's own mode.
func (r *Router) strategyFor(c *gin.Context) (strategy.Strategy, bool) {
	def := runtimecfg.UserSession
	if cfg, err := r.backend.Config(); err == nil && cfg.RunMode.Valid() {
		def = cfg.RunMode
	}
	mode, err := queryMode(c, def)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return nil, false
	}
	st, err := r.backend.Strategy(mode)
	if err != nil {
		writeFault(c, err)
		return nil, false
	}
	return st, true
}

func (r *Router) handleStrategyStatus(c *gin.Context) {
	st, ok := r.strategyFor(c)
	if !ok {
		return
	}
	status, err := st.Status(c.Request.Context())
	if err != nil {
		writeFault(c, err)
		return
	}
	writeJSON(c, http.StatusOK, status)
}

func (r *Router) handleStrategyOp(c *gin.Context) {
	op := c.Param("op")
	switch op {
	case "install", "remove", "start", "stop":
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown strategy operation " + op})
		return
	}
	st, ok := r.strategyFor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var err error
	switch op {
	case "install":
		var spec process.Spec
		if spec, err = r.backend.ServerCommand(); err == nil {
			err = st.Install(ctx, spec)
		}
	case "remove":
		err = st.Remove(ctx)
	case "start":
		err = st.Start(ctx)
	case "stop":
		err = st.Stop(ctx)
	}
	res := strategy.Result(err)
	if err != nil {
		r.logger.Warn("strategy operation failed", "op", op, "mode", st.Mode(), "error", err)
		writeJSON(c, faultStatus(fault.KindOf(err)), res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusOK, []history.Event{})
		return
	}
	events, err := r.history.Recent(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	st := r.backend.Status(c.Request.Context())
	if !st.Running || st.PID <= 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "database server is not running"})
		return
	}
	res, err := metrics.SampleServer(c.Request.Context(), st.PID)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}
