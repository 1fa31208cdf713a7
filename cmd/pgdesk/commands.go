package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pgdesk"
	"github.com/loykin/pgdesk/internal/orchestrator"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	"github.com/loykin/pgdesk/internal/strategy"
	"github.com/loykin/pgdesk/pkg/client"
)

type command struct {
	global *GlobalFlags
	opts   []pgdesk.Option
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newCommand(global *GlobalFlags) command {
	return command{global: global, in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
}

func (c command) loadConfig() (*pgdesk.Config, error) {
	cfg, err := pgdesk.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c command) runtime(cfg *pgdesk.Config) (*pgdesk.Runtime, error) {
	if cfg == nil {
		var err error
		if cfg, err = c.loadConfig(); err != nil {
			return nil, err
		}
	}
	return pgdesk.New(cfg, c.opts...)
}

func apiClient(url string, timeout time.Duration) *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL = url
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return client.New(cfg)
}

// cliPrompter answers from flags where given and asks on the terminal otherwise.
type cliPrompter struct {
	*orchestrator.TerminalPrompter
	mode    runtimecfg.RunMode
	recover bool
}

func (p *cliPrompter) ChooseRunMode(ctx context.Context, elevated bool) runtimecfg.RunMode {
	if p.mode.Valid() {
		return p.mode
	}
	return p.TerminalPrompter.ChooseRunMode(ctx, elevated)
}

func (p *cliPrompter) ConfirmRecovery(ctx context.Context, dataDir, reason string) bool {
	if p.recover {
		_, _ = fmt.Fprintf(p.Out, "Moving aside unusable database at %s: %s\n", dataDir, reason)
		return true
	}
	return p.TerminalPrompter.ConfirmRecovery(ctx, dataDir, reason)
}

// Ensure brings the database up and prints how to connect to it.
func (c command) Ensure(ctx context.Context, f EnsureFlags) error {
	var mode runtimecfg.RunMode
	if f.Mode != "" {
		var err error
		if mode, err = pgdesk.ParseRunMode(f.Mode); err != nil {
			return err
		}
	}
	if f.APIUrl != "" {
		res, err := apiClient(f.APIUrl, f.APITimeout).Ensure(ctx, client.EnsureOptions{Mode: string(mode), Recover: f.Recover})
		if err != nil {
			return err
		}
		if !f.ShowPassword {
			res.Connection.ConnectionString = redactConnString(res.Connection.ConnectionString)
		}
		printJSON(c.out, res)
		return nil
	}

	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	p := &cliPrompter{
		TerminalPrompter: &orchestrator.TerminalPrompter{In: c.in, Out: c.errOut, NoColor: c.global.NoColor, Assume: f.Yes},
		mode:             mode,
		recover:          f.Recover,
	}
	info, err := r.EnsureWith(ctx, p)
	if err != nil {
		return err
	}
	if !f.ShowPassword {
		info.ConnectionString = redactConnString(info.ConnectionString)
	}
	printJSON(c.out, info)
	return nil
}

type statusOutput struct {
	Installed      bool               `json:"installed"`
	Server         pgdesk.Status      `json:"server"`
	RunMode        runtimecfg.RunMode `json:"runMode,omitempty"`
	Port           int                `json:"port,omitempty"`
	InstallationID string             `json:"installationId,omitempty"`
	DataDir        string             `json:"dataDir"`
	Connection     string             `json:"connection,omitempty"`
}

// Status reports the server process and the persisted runtime config.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	if f.APIUrl != "" {
		st, err := apiClient(f.APIUrl, f.APITimeout).Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	out := statusOutput{Server: r.Status(ctx), DataDir: r.Layout().DataDir}
	if cfg, err := r.RuntimeConfig(); err == nil {
		out.Installed = cfg.Initialized()
		out.RunMode = cfg.RunMode
		out.Port = cfg.Port
		out.InstallationID = cfg.InstallationID
		out.Connection = runtimecfg.Redacted(cfg)
	}
	printJSON(c.out, out)
	return nil
}

// Stop shuts a login-session server down. A service keeps running.
func (c command) Stop(ctx context.Context, f StopFlags) error {
	if f.APIUrl != "" {
		return apiClient(f.APIUrl, f.APITimeout).Shutdown(ctx)
	}
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	r.Shutdown(ctx)
	printJSON(c.out, r.Status(ctx))
	return nil
}

func (c command) strategyFor(r *pgdesk.Runtime, f StrategyFlags) (pgdesk.Strategy, error) {
	mode := runtimecfg.UserSession
	if cfg, err := r.RuntimeConfig(); err == nil && cfg.RunMode.Valid() {
		mode = cfg.RunMode
	}
	if f.Mode != "" {
		var err error
		if mode, err = pgdesk.ParseRunMode(f.Mode); err != nil {
			return nil, err
		}
	}
	return r.Strategy(mode)
}

// StrategyOp runs install, remove, start or stop on the OS registration.
func (c command) StrategyOp(ctx context.Context, op string, f StrategyFlags) error {
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	st, err := c.strategyFor(r, f)
	if err != nil {
		return err
	}
	switch op {
	case "install":
		var spec pgdesk.ServerSpec
		if spec, err = r.ServerCommand(); err == nil {
			err = st.Install(ctx, spec)
		}
	case "remove":
		err = st.Remove(ctx)
	case "start":
		err = st.Start(ctx)
	case "stop":
		err = st.Stop(ctx)
	default:
		return fmt.Errorf("unknown strategy operation %q", op)
	}
	printJSON(c.out, strategy.Result(err))
	return err
}

func (c command) StrategyStatus(ctx context.Context, f StrategyFlags) error {
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	st, err := c.strategyFor(r, f)
	if err != nil {
		return err
	}
	status, err := st.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, status)
	return nil
}

// Elevation reports whether service operations can run from this process.
func (c command) Elevation() error {
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	printJSON(c.out, map[string]bool{"elevated": r.IsElevated()})
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	if f.APIUrl != "" {
		events, err := apiClient(f.APIUrl, f.APITimeout).History(ctx, f.Limit)
		if err != nil {
			return err
		}
		printJSON(c.out, events)
		return nil
	}
	r, err := c.runtime(nil)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	events, err := r.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []pgdesk.Event{}
	}
	printJSON(c.out, events)
	return nil
}

// Serve runs the control API until SIGINT or SIGTERM, then stops a
// login-session server.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}

	r, err := c.runtime(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	log := r.Logger()

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		if err := pgdesk.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}

	if !f.NoEnsure {
		if _, err := r.Ensure(ctx); err != nil {
			log.Warn("database not ready; ensure can be retried through the API", "error", err)
		}
	}

	server, err := r.NewHTTPServer(gatherer)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Starting pgdesk control API on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	if !f.NonBlocking {
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		<-sigCtx.Done()
		stop()
		_, _ = fmt.Fprintln(c.out, "Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeouts.Shutdown+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("control API shutdown", "error", err)
	}
	if !f.NonBlocking {
		r.Shutdown(shutdownCtx)
	}
	_ = removePidFile(f.PidFile)
	return nil
}
