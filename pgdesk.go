package pgdesk

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pgdesk/internal/cluster"
	"github.com/loykin/pgdesk/internal/config"
	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/history"
	"github.com/loykin/pgdesk/internal/history/sqlite"
	"github.com/loykin/pgdesk/internal/metrics"
	"github.com/loykin/pgdesk/internal/orchestrator"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/pgprobe"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	iapi "github.com/loykin/pgdesk/internal/server"
	"github.com/loykin/pgdesk/internal/strategy"
	"github.com/loykin/pgdesk/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type ConnectionInfo = orchestrator.ConnectionInfo

type Status = supervisor.Status

type State = orchestrator.State

type RunMode = runtimecfg.RunMode

type Prompter = orchestrator.Prompter

type StaticPrompter = orchestrator.StaticPrompter

type TerminalPrompter = orchestrator.TerminalPrompter

type Strategy = strategy.Strategy

type StrategyStatus = strategy.Status

type OpResult = strategy.OpResult

type Event = history.Event

// ServerSpec is the command an OS registration launches.
type ServerSpec = process.Spec

const (
	UserSession = runtimecfg.UserSession
	Service     = runtimecfg.Service
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() (*Config, error) { return config.Default() }

func ParseRunMode(s string) (RunMode, error) { return runtimecfg.ParseRunMode(s) }

// Runtime is one installation's database lifecycle, wired from a Config.
type Runtime struct {
	cfg    *Config
	layout paths.Layout
	logger *slog.Logger
	orch   *orchestrator.Orchestrator
	sel    *selector
	sink   *sqlite.Sink
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	prompter Prompter
	env      *paths.Env
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithPrompter sets the prompter used by Ensure.
func WithPrompter(p Prompter) Option { return func(o *options) { o.prompter = p } }

// WithEnv overrides path resolution inputs; mostly useful for tests.
func WithEnv(env paths.Env) Option { return func(o *options) { o.env = &env } }

// New resolves the installation layout and wires every component. Nothing
// is started; call Ensure for that.
func New(c *Config, opts ...Option) (*Runtime, error) {
	if c == nil {
		var err error
		if c, err = config.Default(); err != nil {
			return nil, err
		}
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	env := paths.FromOS(c.App.Name, c.App.InstallRoot)
	if o.env != nil {
		env = *o.env
	}
	if env.AppName == "" {
		env.AppName = c.App.Name
	}
	if env.BinSubdir == "" {
		env.BinSubdir = c.App.BinSubdir
	}
	if env.DataRoot == "" {
		env.DataRoot = c.App.DataRoot
	}
	layout, err := paths.Resolve(env)
	if err != nil {
		return nil, err
	}

	log := o.logger
	if log == nil {
		lc := c.Log
		if lc.File.Path == "" {
			lc.File.Path = layout.AppLogFile
		}
		log = lc.NewSlogger()
	}

	serverEnv, err := c.ServerEnv()
	if err != nil {
		return nil, err
	}

	secrets := credential.NewSecretStore(layout.ConfigDir)
	store := runtimecfg.NewStore(layout.RuntimeConfigFile, secrets)
	runner := process.ExecRunner{}

	initializer := cluster.NewInitializer(layout, c.Database.Superuser, c.Database.Name, runner, log)

	sup := supervisor.New(layout, c.Database.Superuser, process.NewLauncher(log), runner,
		pgprobe.SQLProber{Timeout: 3 * time.Second}, secrets, log)
	sup.Ports = supervisor.PortRange{Preferred: c.Ports.Preferred, Start: c.Ports.RangeStart, End: c.Ports.RangeEnd}
	sup.PollInterval = c.Timeouts.Poll
	sup.StopWait = c.Timeouts.StopWait
	sup.ServerEnv = serverEnv

	sel := &selector{Selector: strategy.NewSelector(layout, c.App.Name, "", runner, log), store: store}

	r := &Runtime{cfg: c, layout: layout, logger: log, sel: sel}
	var sink history.Sink
	if c.History.Enabled {
		path := c.History.Path
		if path == "" {
			path = layout.HistoryDB
		}
		if s, err := sqlite.New("sqlite://" + path); err != nil {
			log.Warn("lifecycle history disabled", "path", path, "error", err)
		} else {
			r.sink, sink = s, s
		}
	}

	r.orch = orchestrator.New(layout, orchestrator.Options{
		Database:             c.Database.Name,
		Superuser:            c.Database.Superuser,
		PasswordLength:       c.Database.PasswordLength,
		ExpectedMajor:        c.Database.ExpectedMajor,
		Ports:                sup.Ports,
		StartTimeout:         c.Timeouts.Start,
		ExtendedStartTimeout: c.Timeouts.ExtendedStart,
		PollInterval:         c.Timeouts.Poll,
		ShutdownTimeout:      c.Timeouts.Shutdown,
		LockWait:             c.Timeouts.LockWait,
		StopAttempts:         c.Stop.Attempts,
		StopBackoff:          supervisor.Backoff{Initial: c.Stop.BackoffInitial, Max: c.Stop.BackoffMax},
		RegisterStrategy:     c.Strategy.Register,
	}, store, secrets, initializer, sup, sel, sink, log)

	r.orch.Prompter = o.prompter
	if r.orch.Prompter == nil {
		mode, _ := runtimecfg.ParseRunMode(c.Strategy.DefaultMode)
		r.orch.Prompter = orchestrator.DefaultPrompter(mode, log)
	}
	return r, nil
}

// selector names OS registrations after the installation id, which only
// exists once the runtime config does.
type selector struct {
	*strategy.Selector
	store *runtimecfg.Store
}

func (s *selector) For(mode runtimecfg.RunMode) (strategy.Strategy, error) {
	sel := *s.Selector
	if cfg, err := s.store.Load(); err == nil {
		sel.InstallationID = cfg.InstallationID
	}
	return sel.For(mode)
}

// Layout returns the resolved installation paths.
func (r *Runtime) Layout() paths.Layout { return r.layout }

func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Ensure brings the database to READY and returns how to connect to it.
func (r *Runtime) Ensure(ctx context.Context) (ConnectionInfo, error) { return r.orch.Ensure(ctx) }

// EnsureWith is Ensure with an explicit prompter.
func (r *Runtime) EnsureWith(ctx context.Context, p Prompter) (ConnectionInfo, error) {
	return r.orch.EnsureWith(ctx, p)
}

// Shutdown is called when the host application exits.
func (r *Runtime) Shutdown(ctx context.Context) { r.orch.Shutdown(ctx) }

func (r *Runtime) Status(ctx context.Context) Status { return r.orch.Status(ctx) }
func (r *Runtime) State() State                      { return r.orch.State() }

// RuntimeConfig returns the persisted runtime document.
func (r *Runtime) RuntimeConfig() (runtimecfg.RuntimeConfig, error) { return r.orch.Config() }

// Strategy returns the OS registration for mode.
func (r *Runtime) Strategy(mode RunMode) (Strategy, error) { return r.orch.Strategy(mode) }

// ServerCommand is what an OS registration launches.
func (r *Runtime) ServerCommand() (ServerSpec, error) { return r.orch.ServerCommand() }

// IsElevated reports whether SERVICE operations can run in this process.
func (r *Runtime) IsElevated() bool { return r.sel.IsRunningElevated() }

// History lists recent lifecycle events, newest first. It is empty when history is disabled.
func (r *Runtime) History(ctx context.Context, limit int) ([]Event, error) {
	if r.sink == nil {
		return nil, nil
	}
	return r.sink.Recent(ctx, limit)
}

// Handler returns the control API. gatherer may be nil to leave out /metrics.
func (r *Runtime) Handler(gatherer prometheus.Gatherer) http.Handler {
	return r.router(gatherer).Handler()
}

func (r *Runtime) router(gatherer prometheus.Gatherer) *iapi.Router {
	rt := iapi.NewRouter(r.orch, r.cfg.Server.BasePath).WithLogger(r.logger)
	if r.sink != nil {
		rt.WithHistory(r.sink)
	}
	if gatherer != nil {
		rt.WithMetrics(gatherer)
	}
	return rt
}

// NewHTTPServer starts the control API on the configured loopback address.
func (r *Runtime) NewHTTPServer(gatherer prometheus.Gatherer) (*http.Server, error) {
	return iapi.NewServer(r.cfg.Server.Listen, r.router(gatherer))
}

// Close releases resources held by the runtime. It does not stop the database.
func (r *Runtime) Close() error {
	var result *multierror.Error
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		r.sink = nil
	}
	return result.ErrorOrNil()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
