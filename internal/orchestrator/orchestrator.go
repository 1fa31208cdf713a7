package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/pgdesk/internal/cluster"
	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/history"
	"github.com/loykin/pgdesk/internal/metrics"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/port"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	"github.com/loykin/pgdesk/internal/strategy"
	"github.com/loykin/pgdesk/internal/supervisor"
)

// ConfigStore persists the runtime document.
type ConfigStore interface {
	Load() (runtimecfg.RuntimeConfig, error)
	Save(cfg runtimecfg.RuntimeConfig) error
}

// Secrets stores the superuser password and resolves references to it.
// Archive keeps a copy of the current password under a suffixed name.
type Secrets interface {
	Store(password string) (string, error)
	Resolve(ref string) (string, error)
	Archive(suffix string) (string, error)
}

// ClusterInitializer creates the cluster and the application database.
type ClusterInitializer interface {
	InitializeCluster(ctx context.Context, password string) error
	CreateDatabase(ctx context.Context, port int, password string) error
}

// cleanupReporter is implemented by initializers that destroy one-time
// password files and collect the failures to do so.
type cleanupReporter interface {
	CleanupError() error
}

var _ cleanupReporter = (*cluster.Initializer)(nil)

// ServerSupervisor runs the server process.
type ServerSupervisor interface {
	Start(ctx context.Context, cfg runtimecfg.RuntimeConfig, password string, timeout time.Duration) (int, error)
	StopWithRetry(ctx context.Context, cfg runtimecfg.RuntimeConfig, attempts int, b supervisor.Backoff) error
	CheckStatus(ctx context.Context, cfg runtimecfg.RuntimeConfig) supervisor.Status
	ServerCommand(cfg runtimecfg.RuntimeConfig) process.Spec
}

// StrategySelector hands out the OS registration for a run mode.
type StrategySelector interface {
	For(mode runtimecfg.RunMode) (strategy.Strategy, error)
	IsRunningElevated() bool
}

// DefaultBinaries must exist before anything is attempted.
var DefaultBinaries = []string{"initdb", "postgres", "pg_ctl", "createdb"}

// Options tunes the orchestrator. Zero values fall back to the defaults.
type Options struct {
	Database       string
	Superuser      string
	PasswordLength int
	ExpectedMajor  int
	Ports          supervisor.PortRange
	Binaries       []string

	StartTimeout         time.Duration
	ExtendedStartTimeout time.Duration
	PollInterval         time.Duration
	ShutdownTimeout      time.Duration
	LockWait             time.Duration

	StopAttempts int
	StopBackoff  supervisor.Backoff

	// RegisterStrategy installs the login task after the first USER_SESSION start.
	RegisterStrategy bool
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		Database:       runtimecfg.DefaultDatabase,
		Superuser:      runtimecfg.DefaultUser,
		PasswordLength: 32,
		Ports: supervisor.PortRange{
			Preferred: port.DefaultPreferred,
			Start:     port.DefaultRangeStart,
			End:       port.DefaultRangeEnd,
		},
		Binaries:             DefaultBinaries,
		StartTimeout:         30 * time.Second,
		ExtendedStartTimeout: 90 * time.Second,
		PollInterval:         200 * time.Millisecond,
		ShutdownTimeout:      30 * time.Second,
		LockWait:             2 * time.Minute,
		StopAttempts:         3,
		StopBackoff:          supervisor.DefaultBackoff,
		RegisterStrategy:     true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Database == "" {
		o.Database = d.Database
	}
	if o.Superuser == "" {
		o.Superuser = d.Superuser
	}
	if o.PasswordLength <= 0 {
		o.PasswordLength = d.PasswordLength
	}
	if o.Ports.Start == 0 || o.Ports.End == 0 {
		o.Ports = d.Ports
	}
	if o.Binaries == nil {
		o.Binaries = d.Binaries
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.ExtendedStartTimeout <= 0 {
		o.ExtendedStartTimeout = d.ExtendedStartTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.LockWait <= 0 {
		o.LockWait = d.LockWait
	}
	if o.StopAttempts <= 0 {
		o.StopAttempts = d.StopAttempts
	}
	if o.StopBackoff.Initial <= 0 {
		o.StopBackoff = d.StopBackoff
	}
	return o
}

// Orchestrator drives the ensure state machine for one installation.
type Orchestrator struct {
	Layout     paths.Layout
	Opts       Options
	Store      ConfigStore
	Secrets    Secrets
	Init       ClusterInitializer
	Server     ServerSupervisor
	Strategies StrategySelector
	History    history.Sink
	// Prompter is used by Ensure; EnsureWith overrides it per call.
	Prompter Prompter
	Logger   *slog.Logger
	Now      func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	state  State
	ready  *ConnectionInfo
	cfg    runtimecfg.RuntimeConfig
	hasCfg bool
}

// New wires an orchestrator. History may be nil.
func New(layout paths.Layout, opts Options, store ConfigStore, secrets Secrets, initializer ClusterInitializer,
	server ServerSupervisor, strategies StrategySelector, sink history.Sink, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = history.Nop{}
	}
	return &Orchestrator{
		Layout:     layout,
		Opts:       opts.withDefaults(),
		Store:      store,
		Secrets:    secrets,
		Init:       initializer,
		Server:     server,
		Strategies: strategies,
		History:    sink,
		Logger:     log.With("component", "orchestrator"),
		Now:        time.Now,
		state:      StateColdStart,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// State returns the current ensure state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from == to {
		return
	}
	o.Logger.Debug("ensure state", "from", from, "to", to)
	metrics.RecordStateTransition(string(from), string(to))
}

func (o *Orchestrator) remember(cfg runtimecfg.RuntimeConfig) {
	o.mu.Lock()
	o.cfg = cfg
	o.hasCfg = true
	o.mu.Unlock()
}

// knownConfig returns the last config seen, loading it when ensure never ran.
func (o *Orchestrator) knownConfig() (runtimecfg.RuntimeConfig, bool) {
	o.mu.Lock()
	cfg, ok := o.cfg, o.hasCfg
	o.mu.Unlock()
	if ok {
		return cfg, true
	}
	cfg, err := o.Store.Load()
	if err != nil {
		return runtimecfg.RuntimeConfig{}, false
	}
	return cfg, true
}

func (o *Orchestrator) record(ctx context.Context, typ history.EventType, cfg runtimecfg.RuntimeConfig, err error, detail string) {
	e := history.Event{
		Type:           typ,
		OccurredAt:     o.now(),
		InstallationID: cfg.InstallationID,
		Outcome:        history.OutcomeOK,
		Port:           cfg.Port,
		RunMode:        string(cfg.RunMode),
		Detail:         detail,
	}
	if err != nil {
		e.Outcome = string(fault.KindOf(err))
		if e.Detail == "" {
			e.Detail = err.Error()
		}
	}
	history.Record(context.WithoutCancel(ctx), o.History, o.Logger, e)
}

// Ensure brings the database to READY with the default prompter.
func (o *Orchestrator) Ensure(ctx context.Context) (ConnectionInfo, error) {
	return o.EnsureWith(ctx, o.Prompter)
}

// EnsureWith is Ensure with an explicit prompter. Concurrent callers in this
// process share one run; other processes wait on the lock file.
func (o *Orchestrator) EnsureWith(ctx context.Context, p Prompter) (ConnectionInfo, error) {
	if p == nil {
		p = DefaultPrompter(runtimecfg.UserSession, o.Logger)
	}
	if info, ok := o.cachedReady(ctx); ok {
		metrics.IncEnsure("cached")
		return info, nil
	}
	v, err, shared := o.group.Do(o.Layout.DataDir, func() (any, error) {
		if info, ok := o.cachedReady(ctx); ok {
			return info, nil
		}
		return o.run(ctx, p)
	})
	if shared {
		o.Logger.Debug("joined an ensure already in progress")
	}
	if err != nil {
		return ConnectionInfo{}, err
	}
	return v.(ConnectionInfo), nil
}

func (o *Orchestrator) cachedReady(ctx context.Context) (ConnectionInfo, bool) {
	o.mu.Lock()
	ready, cfg := o.ready, o.cfg
	o.mu.Unlock()
	if ready == nil {
		return ConnectionInfo{}, false
	}
	if st := o.Server.CheckStatus(ctx, cfg); st.Running {
		return *ready, true
	}
	o.Logger.Info("database server is no longer running; ensuring again")
	o.mu.Lock()
	o.ready = nil
	o.mu.Unlock()
	return ConnectionInfo{}, false
}

func (o *Orchestrator) lock(ctx context.Context) (func(), error) {
	const op = "orchestrator.lock"
	if err := os.MkdirAll(filepath.Dir(o.Layout.LockFile), 0o700); err != nil {
		return nil, fault.New(fault.PermissionDenied, op, "cannot create the lock folder", err)
	}
	fl := flock.New(o.Layout.LockFile)
	lctx, cancel := context.WithTimeout(ctx, o.Opts.LockWait)
	defer cancel()
	locked, err := fl.TryLockContext(lctx, o.Opts.PollInterval)
	if !locked {
		if ctx.Err() != nil {
			return nil, fault.New(fault.Locked, op, "ensure was cancelled while waiting for the lock", ctx.Err())
		}
		return nil, fault.New(fault.Locked, op, "another copy of the application is setting up the database", err).
			WithFix("Wait for the other application window to finish starting, then try again.")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			o.Logger.Warn("cannot release the ensure lock", "error", err)
		}
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, p Prompter) (ConnectionInfo, error) {
	began := o.now()
	o.transition(StateColdStart)

	o.transition(StateResolvingPaths)
	if err := o.Layout.Prepare(); err != nil {
		return o.fail(ctx, p, runtimecfg.RuntimeConfig{}, err)
	}
	if err := o.Layout.CheckBinaries(o.Opts.Binaries...); err != nil {
		return o.fail(ctx, p, runtimecfg.RuntimeConfig{}, err)
	}
	unlock, err := o.lock(ctx)
	if err != nil {
		return o.fail(ctx, p, runtimecfg.RuntimeConfig{}, err)
	}
	defer unlock()

	o.transition(StateLoadingConfig)
	cfg, err := o.Store.Load()
	fresh := false
	switch {
	case errors.Is(err, runtimecfg.ErrNotFound):
		fresh = true
	case err != nil:
		return o.fail(ctx, p, runtimecfg.RuntimeConfig{}, err)
	case !cfg.Initialized():
		// an earlier setup stopped before the cluster existed
		fresh = true
	}

	var password string
	if fresh {
		o.transition(StateFirstRunInit)
		cfg, password, err = o.firstRun(ctx, p, cfg)
	} else {
		o.remember(cfg)
		o.transition(StateVerifyingExisting)
		cfg, password, err = o.verifyExisting(ctx, p, cfg)
	}
	if err != nil {
		return o.fail(ctx, p, cfg, err)
	}

	cfg, err = o.startAndFinish(ctx, p, cfg, password, fresh)
	if err != nil {
		return o.fail(ctx, p, cfg, err)
	}

	conn, err := runtimecfg.ConnectionString(cfg, o.Secrets)
	if err != nil {
		return o.fail(ctx, p, cfg, err)
	}
	info := ConnectionInfo{
		Host:             port.Loopback,
		Port:             cfg.Port,
		Database:         cfg.Database,
		User:             cfg.User,
		PasswordRef:      cfg.PasswordRef,
		RunMode:          cfg.RunMode,
		ConnectionString: conn,
	}
	o.mu.Lock()
	o.ready = &info
	o.mu.Unlock()
	o.transition(StateReady)

	metrics.IncEnsure("ready")
	metrics.ObserveEnsureDuration(o.now().Sub(began).Seconds())
	o.record(ctx, history.EventEnsure, cfg, nil, "")
	o.Logger.Info("database ready", "connection", info)
	return info, nil
}

func (o *Orchestrator) fail(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig, err error) (ConnectionInfo, error) {
	err = fault.Wrap(fault.Internal, "orchestrator.ensure", err)
	kind := fault.KindOf(err)
	o.transition(StateFailed)
	metrics.IncEnsure(string(kind))
	o.record(ctx, history.EventEnsure, cfg, err, "")
	if kind == fault.RecoveryDeclined {
		o.Logger.Warn("ensure stopped", "kind", kind, "error", err)
		return ConnectionInfo{}, err
	}
	o.Logger.Error("ensure failed", "kind", kind, "error", err)
	p.Fatal(ctx, err)
	return ConnectionInfo{}, err
}

// firstRun creates the cluster for an installation without a usable config.
// prev carries what survived of an interrupted earlier setup.
func (o *Orchestrator) firstRun(ctx context.Context, p Prompter, prev runtimecfg.RuntimeConfig) (runtimecfg.RuntimeConfig, string, error) {
	in, err := cluster.Inspect(o.Layout.DataDir, o.Opts.ExpectedMajor)
	if err != nil {
		return prev, "", err
	}
	if in.State.Fresh() {
		if !p.ConfirmFirstRun(ctx) {
			return prev, "", fault.Newf(fault.RecoveryDeclined, "orchestrator.first_run", "database setup was declined")
		}
	} else {
		// Data without its config cannot be opened: the password is unknown.
		reason := in.Detail
		if in.State == cluster.Initialized {
			reason = "the database settings are missing"
		}
		if err := o.recover(ctx, p, prev, reason); err != nil {
			return prev, "", err
		}
		o.transition(StateFirstRunInit)
	}
	mode := prev.RunMode
	if !mode.Valid() {
		mode = o.chooseMode(ctx, p)
	}
	return o.initialize(ctx, prev, mode)
}

func (o *Orchestrator) chooseMode(ctx context.Context, p Prompter) runtimecfg.RunMode {
	elevated := o.Strategies.IsRunningElevated()
	mode := p.ChooseRunMode(ctx, elevated)
	if !mode.Valid() {
		mode = runtimecfg.UserSession
	}
	if mode == runtimecfg.Service && !elevated {
		p.ElevationRequired(ctx, "install the database service")
		o.Logger.Warn("service mode needs administrator rights; using the login session instead")
		mode = runtimecfg.UserSession
	}
	return mode
}

// initialize runs initdb on a fresh data directory and saves the new config.
// The installation id, mode and port of prev are kept when present. The port
// is allocated before initdb and a failed save moves the new cluster aside,
// so a cluster never stays on disk without the config that opens it.
func (o *Orchestrator) initialize(ctx context.Context, prev runtimecfg.RuntimeConfig, mode runtimecfg.RunMode) (runtimecfg.RuntimeConfig, string, error) {
	const op = "orchestrator.initialize"
	preferred := o.Opts.Ports.Preferred
	if prev.Port > 0 {
		preferred = prev.Port
	}
	p, err := port.FindFreePort(preferred, o.Opts.Ports.Start, o.Opts.Ports.End)
	if err != nil {
		o.record(ctx, history.EventInit, prev, err, "")
		return prev, "", err
	}

	password, err := credential.Generate(o.Opts.PasswordLength)
	if err != nil {
		return prev, "", fault.Wrap(fault.Internal, op, err)
	}
	ref, err := o.Secrets.Store(password)
	if err != nil {
		return prev, "", err
	}
	if err := o.Init.InitializeCluster(ctx, password); err != nil {
		o.record(ctx, history.EventInit, prev, err, "")
		return prev, "", err
	}
	o.checkCleanup(ctx, prev)

	cfg := runtimecfg.New(p, mode, ref, o.Opts.Database, o.Opts.Superuser)
	if prev.InstallationID != "" {
		cfg.InstallationID = prev.InstallationID
	}
	cfg.InitializedAt = o.now().UTC()
	if err := o.Store.Save(cfg); err != nil {
		err = fault.Wrap(fault.Internal, op, err)
		o.record(ctx, history.EventInit, prev, err, "")
		o.discardCluster(ctx, prev)
		return prev, "", err
	}
	o.remember(cfg)
	o.record(ctx, history.EventInit, cfg, nil, "")
	o.Logger.Info("database cluster created", "port", cfg.Port, "run_mode", cfg.RunMode)
	o.transition(StateAllocatingPort)
	return cfg, password, nil
}

// discardCluster moves a cluster whose config could not be saved out of the
// way, so the next ensure starts from a fresh data directory again.
func (o *Orchestrator) discardCluster(ctx context.Context, cfg runtimecfg.RuntimeConfig) {
	moved, err := o.moveAside()
	if err != nil {
		o.Logger.Error("cannot move the unsaved database cluster aside", "data_dir", o.Layout.DataDir, "error", err)
		o.record(ctx, history.EventRecovery, cfg, err, "unsaved cluster")
		return
	}
	o.Logger.Warn("unsaved database cluster moved aside", "moved_to", moved)
	o.record(ctx, history.EventRecovery, cfg, nil, "unsaved cluster moved to "+moved)
}

// checkCleanup journals one-time password files the initializer failed to
// destroy. The setup itself continues.
func (o *Orchestrator) checkCleanup(ctx context.Context, cfg runtimecfg.RuntimeConfig) {
	cr, ok := o.Init.(cleanupReporter)
	if !ok {
		return
	}
	if err := cr.CleanupError(); err != nil {
		o.Logger.Warn("temporary password file was not removed", "error", err)
		o.record(ctx, history.EventInit, cfg, fault.Wrap(fault.PermissionDenied, "orchestrator.cleanup", err), "temporary password file left behind")
	}
}

// moveAside renames the data directory away together with a copy of the
// password that opens it. The copy is made first: a password lost while
// the data is kept cannot be recovered.
func (o *Orchestrator) moveAside() (string, error) {
	dataDir := o.Layout.DataDir
	now := o.now()
	suffix := strings.TrimPrefix(cluster.AsidePath(dataDir, now), dataDir)
	kept, err := o.Secrets.Archive(suffix)
	if err != nil {
		return "", err
	}
	moved, err := cluster.MoveAside(dataDir, now)
	if err != nil {
		return "", err
	}
	if kept != "" {
		o.Logger.Info("password of the moved data folder kept", "path", kept)
	}
	return moved, nil
}

// recover moves a damaged data directory aside after the user agrees.
func (o *Orchestrator) recover(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig, reason string) error {
	o.transition(StateRecovering)
	dataDir := o.Layout.DataDir
	if !p.ConfirmRecovery(ctx, dataDir, reason) {
		err := fault.Newf(fault.RecoveryDeclined, "orchestrator.recover", "recovery of the local database was declined: %s", reason).
			WithFix("The data folder was left untouched. Back it up, then start the application again to recover.")
		o.record(ctx, history.EventRecovery, cfg, err, reason)
		return err
	}
	moved, err := o.moveAside()
	if err != nil {
		o.record(ctx, history.EventRecovery, cfg, err, reason)
		return err
	}
	o.Logger.Warn("damaged data folder moved aside", "reason", reason, "moved_to", moved)
	o.record(ctx, history.EventRecovery, cfg, nil, "moved to "+moved)
	return nil
}

func (o *Orchestrator) verifyExisting(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig) (runtimecfg.RuntimeConfig, string, error) {
	in, err := cluster.Inspect(o.Layout.DataDir, o.Opts.ExpectedMajor)
	if err != nil {
		return cfg, "", err
	}
	switch {
	case in.State == cluster.Initialized:
	case in.State.Fresh():
		// Absence is not corruption: recreate without asking.
		o.Logger.Warn("data folder is missing; creating a new database", "data_dir", o.Layout.DataDir)
		o.transition(StateFirstRunInit)
		return o.initialize(ctx, cfg, cfg.RunMode)
	default:
		if err := o.recover(ctx, p, cfg, in.Detail); err != nil {
			return cfg, "", err
		}
		o.transition(StateFirstRunInit)
		return o.initialize(ctx, cfg, cfg.RunMode)
	}

	password, err := o.Secrets.Resolve(cfg.PasswordRef)
	if err != nil {
		if fault.Is(err, fault.PermissionDenied) {
			return cfg, "", err
		}
		return cfg, "", fault.New(fault.ConfigUnsupported, "orchestrator.verify", "the stored database password cannot be read", err)
	}
	o.transition(StateAllocatingPort)
	return cfg, password, nil
}

func (o *Orchestrator) startAndFinish(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig, password string, fresh bool) (runtimecfg.RuntimeConfig, error) {
	const op = "orchestrator.start"
	o.transition(StateStarting)
	got, err := o.start(ctx, p, cfg, password)
	if fault.Is(err, fault.StartFailedCorruption) {
		if rerr := o.recover(ctx, p, cfg, faultMessage(err)); rerr != nil {
			return cfg, rerr
		}
		o.transition(StateFirstRunInit)
		cfg, password, err = o.initialize(ctx, cfg, cfg.RunMode)
		if err != nil {
			return cfg, err
		}
		fresh = true
		o.transition(StateStarting)
		got, err = o.start(ctx, p, cfg, password)
	}
	if err != nil {
		return cfg, err
	}

	if got != cfg.Port {
		o.Logger.Info("database server moved to another port", "from", cfg.Port, "to", got)
		cfg.Port = got
		if err := o.Store.Save(cfg); err != nil {
			return cfg, fault.Wrap(fault.Internal, op, err)
		}
	}
	if !cfg.DatabaseReady {
		err := o.Init.CreateDatabase(ctx, cfg.Port, password)
		o.checkCleanup(ctx, cfg)
		if err != nil {
			return cfg, err
		}
		cfg.DatabaseReady = true
		if err := o.Store.Save(cfg); err != nil {
			return cfg, fault.Wrap(fault.Internal, op, err)
		}
	}
	o.remember(cfg)

	if fresh && o.Opts.RegisterStrategy && cfg.RunMode == runtimecfg.UserSession {
		o.registerLoginTask(ctx, cfg)
	}
	return cfg, nil
}

func faultMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}

// start brings the server up and returns the port it listens on.
func (o *Orchestrator) start(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig, password string) (int, error) {
	detail := ""
	if cfg.RunMode == runtimecfg.Service && o.startService(ctx, p, cfg) {
		detail = "service"
	}
	got, err := o.Server.Start(ctx, cfg, password, o.Opts.StartTimeout)
	if fault.Is(err, fault.StartTimeout) {
		o.Logger.Warn("database server is slow to start; waiting longer", "timeout", o.Opts.ExtendedStartTimeout)
		got, err = o.Server.Start(ctx, cfg, password, o.Opts.ExtendedStartTimeout)
	}
	o.record(ctx, history.EventStart, cfg, err, detail)
	return got, err
}

// startService makes sure the OS service is installed and running. It
// reports false when the caller should start the server itself instead.
func (o *Orchestrator) startService(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig) bool {
	st, err := o.Strategies.For(runtimecfg.Service)
	if err != nil {
		o.Logger.Warn("service mode is not available here", "error", err)
		return false
	}
	status, err := st.Status(ctx)
	if err != nil {
		o.Logger.Warn("cannot query the database service", "error", err)
		return false
	}
	if status.Running {
		return true
	}
	if !status.Installed {
		if err := st.Install(ctx, o.Server.ServerCommand(cfg)); err != nil {
			o.degraded(ctx, p, cfg, "install the database service", err)
			return false
		}
		o.record(ctx, history.EventStrategy, cfg, nil, "service installed")
	}
	if err := st.Start(ctx); err != nil {
		o.degraded(ctx, p, cfg, "start the database service", err)
		return false
	}
	if !o.awaitRunning(ctx, cfg, o.Opts.ExtendedStartTimeout) {
		o.Logger.Warn("database service did not come up; starting the server directly")
		return false
	}
	return true
}

func (o *Orchestrator) degraded(ctx context.Context, p Prompter, cfg runtimecfg.RuntimeConfig, what string, err error) {
	if fault.Is(err, fault.ElevationRequired) {
		p.ElevationRequired(ctx, what)
	}
	o.Logger.Warn("cannot "+what+"; starting the server for this session", "error", err)
	o.record(ctx, history.EventStrategy, cfg, err, what)
}

func (o *Orchestrator) awaitRunning(ctx context.Context, cfg runtimecfg.RuntimeConfig, timeout time.Duration) bool {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t := time.NewTicker(o.Opts.PollInterval)
	defer t.Stop()
	for {
		if o.Server.CheckStatus(wctx, cfg).Running {
			return true
		}
		select {
		case <-wctx.Done():
			return false
		case <-t.C:
		}
	}
}

// registerLoginTask installs the USER_SESSION registration. Failure leaves
// the database usable for this session.
func (o *Orchestrator) registerLoginTask(ctx context.Context, cfg runtimecfg.RuntimeConfig) {
	st, err := o.Strategies.For(cfg.RunMode)
	if err == nil {
		err = st.Install(ctx, o.Server.ServerCommand(cfg))
	}
	if err != nil {
		o.Logger.Warn("cannot register the database with the login session; it will start with the application", "error", err)
		o.record(ctx, history.EventStrategy, cfg, err, "login task")
		return
	}
	o.record(ctx, history.EventStrategy, cfg, nil, "login task installed")
}

// Shutdown stops a server this installation runs in the login session. A
// SERVICE installation keeps running. Errors are logged only.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, o.Opts.ShutdownTimeout)
	defer cancel()

	cfg, ok := o.knownConfig()
	o.mu.Lock()
	o.ready = nil
	o.mu.Unlock()
	if !ok {
		o.Logger.Debug("shutdown: nothing was ever set up")
		return
	}
	if cfg.RunMode == runtimecfg.Service {
		o.Logger.Info("database service keeps running after the application exits")
		return
	}
	err := o.Server.StopWithRetry(ctx, cfg, o.Opts.StopAttempts, o.Opts.StopBackoff)
	o.record(ctx, history.EventStop, cfg, err, "")
	if err != nil {
		o.Logger.Error("database server did not stop", "error", err)
		return
	}
	o.transition(StateColdStart)
	o.Logger.Info("database server stopped")
}

// Status reports whether the server is running.
func (o *Orchestrator) Status(ctx context.Context) supervisor.Status {
	cfg, _ := o.knownConfig()
	st := o.Server.CheckStatus(ctx, cfg)
	metrics.SetServerRunning(st.Running)
	return st
}

// Config returns the runtime config of the installation.
func (o *Orchestrator) Config() (runtimecfg.RuntimeConfig, error) {
	if cfg, ok := o.knownConfig(); ok {
		return cfg, nil
	}
	return runtimecfg.RuntimeConfig{}, fmt.Errorf("load runtime config: %w", runtimecfg.ErrNotFound)
}

// Strategy returns the OS registration for mode.
func (o *Orchestrator) Strategy(mode runtimecfg.RunMode) (strategy.Strategy, error) {
	return o.Strategies.For(mode)
}

// ServerCommand is the launch command an OS registration runs.
func (o *Orchestrator) ServerCommand() (process.Spec, error) {
	cfg, err := o.Config()
	if err != nil {
		return process.Spec{}, err
	}
	return o.Server.ServerCommand(cfg), nil
}
