// Package supervisor starts, stops and observes the local database server.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/detector"
	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/metrics"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/pgprobe"
	"github.com/loykin/pgdesk/internal/port"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultStopWait     = 10 * time.Second
	DefaultForceWait    = 3 * time.Second
)

// PortRange bounds port allocation.
type PortRange struct {
	Preferred int
	Start     int
	End       int
}

// Status is the read-only view used by the host UI and by Stop.
type Status struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	Port       int    `json:"port,omitempty"`
	DetectedBy string `json:"detectedBy,omitempty"`
}

// Supervisor owns the server process of one installation.
type Supervisor struct {
	Layout    paths.Layout
	Superuser string
	Ports     PortRange

	PollInterval time.Duration
	StopWait     time.Duration // graceful stop budget per attempt
	ForceWait    time.Duration // wait after each forced step
	ServerEnv    []string

	Launcher    process.Launcher
	Runner      process.Runner
	Prober      pgprobe.Prober
	Credentials credential.Resolver // used by CheckStatus to recognise our server on a port
	// NameMatch overrides the postmaster process name check.
	NameMatch func(name string) bool
	Logger    *slog.Logger

	mu     sync.Mutex
	handle process.Handle
}

// New returns a Supervisor with default timings and the port range
// of the port package.
func New(layout paths.Layout, superuser string, launcher process.Launcher, runner process.Runner, prober pgprobe.Prober, creds credential.Resolver, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		Layout:       layout,
		Superuser:    superuser,
		Ports:        PortRange{Preferred: port.DefaultPreferred, Start: port.DefaultRangeStart, End: port.DefaultRangeEnd},
		PollInterval: DefaultPollInterval,
		StopWait:     DefaultStopWait,
		ForceWait:    DefaultForceWait,
		Launcher:     launcher,
		Runner:       runner,
		Prober:       prober,
		Credentials:  creds,
		Logger:       log,
	}
}

// Handle returns the handle of the last server this supervisor started or adopted.
func (s *Supervisor) Handle() process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) setHandle(h process.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Supervisor) poll() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

func (s *Supervisor) postmaster() detector.PostmasterPIDDetector {
	return detector.PostmasterPIDDetector{DataDir: s.Layout.DataDir, NameMatch: s.NameMatch}
}

func (s *Supervisor) target(cfg runtimecfg.RuntimeConfig, p int, password string) pgprobe.Target {
	user := cfg.User
	if user == "" {
		user = s.Superuser
	}
	return pgprobe.Target{Host: port.Loopback, Port: p, User: user, Password: password, DataDir: s.Layout.DataDir}
}

// ServerCommand is the server invocation for cfg.Port. The persistence
// strategies register the same command with the OS.
func (s *Supervisor) ServerCommand(cfg runtimecfg.RuntimeConfig) process.Spec {
	return process.Spec{
		Name: "postgres",
		Path: s.Layout.Binary("postgres"),
		Args: []string{
			"-D", s.Layout.DataDir,
			"-p", strconv.Itoa(cfg.Port),
			"-h", port.Loopback,
			"-c", "logging_collector=off",
			"-c", "unix_socket_directories=",
		},
		Env:      s.ServerEnv,
		WorkDir:  s.Layout.DataRoot,
		LogFile:  s.Layout.ServerLogFile,
		Detached: true,
	}
}

// Start makes sure our server runs and returns the port it listens on. The
// returned port differs from cfg.Port when that port was taken by another
// program; callers persist it.
func (s *Supervisor) Start(ctx context.Context, cfg runtimecfg.RuntimeConfig, password string, timeout time.Duration) (int, error) {
	const op = "supervisor.start"

	// A server already running on our data directory is adopted.
	if info, ok, err := s.postmaster().Probe(); ok && info.Port > 0 {
		s.Logger.Info("adopting running database server", "pid", info.PID, "port", info.Port)
		offset := fileSize(s.Layout.ServerLogFile)
		if err := s.awaitReady(ctx, 0, s.target(cfg, info.Port, password), timeout); err != nil {
			metrics.IncServerStart("failed")
			return 0, s.classifyStartFailure(op, offset, info.Port, err)
		}
		s.setHandle(process.Handle{PID: info.PID, StartedAt: time.Now()})
		metrics.IncServerStart("adopted")
		return info.Port, nil
	} else if err != nil {
		s.Logger.Debug("postmaster.pid unreadable", "error", err)
	}

	p := cfg.Port
	if p <= 0 {
		var err error
		if p, err = port.FindFreePort(s.Ports.Preferred, s.Ports.Start, s.Ports.End); err != nil {
			return 0, err
		}
	}
	if port.IsListening(p, port.Loopback) {
		id, err := s.Prober.Probe(ctx, s.target(cfg, p, password))
		if id == pgprobe.Ours {
			s.Logger.Info("database server already running", "port", p)
			s.setHandle(process.ExternalHandle())
			metrics.IncServerStart("adopted")
			return p, nil
		}
		s.Logger.Warn("configured port is taken by another program", "port", p, "identity", id.String(), "error", err)
		if p, err = port.FindFreePort(s.Ports.Preferred, s.Ports.Start, s.Ports.End); err != nil {
			return 0, err
		}
	}

	run := cfg
	run.Port = p
	spec := s.ServerCommand(run)
	offset := fileSize(s.Layout.ServerLogFile)
	began := time.Now()
	h, err := s.Launcher.Launch(spec)
	if err != nil {
		metrics.IncServerStart("failed")
		return 0, classifyLaunchError(op, err)
	}
	s.Logger.Info("database server launched", "pid", h.PID, "port", p)

	if err := s.awaitReady(ctx, h.PID, s.target(cfg, p, password), timeout); err != nil {
		metrics.IncServerStart("failed")
		return 0, s.classifyStartFailure(op, offset, p, err)
	}
	s.setHandle(h)
	metrics.IncServerStart("spawned")
	metrics.ObserveServerStartDuration(time.Since(began).Seconds())
	s.Logger.Info("database server ready", "port", p, "elapsed", time.Since(began).Round(time.Millisecond))
	return p, nil
}

var errExited = errors.New("database server exited during startup")

// awaitReady polls until the port accepts connections and the server
// answers as ours. pid > 0 enables early exit detection, so each wait for
// the port is bounded by one poll interval.
func (s *Supervisor) awaitReady(ctx context.Context, pid int, t pgprobe.Target, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	for {
		if pid > 0 && !s.Launcher.Alive(pid) {
			return errExited
		}
		if port.WaitUntilListening(ctx, t.Port, s.poll(), s.poll()) {
			id, err := s.Prober.Probe(ctx, t)
			if id == pgprobe.Ours {
				return nil
			}
			last = err
			select {
			case <-ctx.Done():
			case <-time.After(s.poll()):
			}
		}
		if ctx.Err() != nil {
			if last != nil {
				return fmt.Errorf("%w (last probe: %v)", ctx.Err(), last)
			}
			return ctx.Err()
		}
	}
}

func classifyLaunchError(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fault.New(fault.BinaryNotFound, op, "the database server program is missing", err)
	case errors.Is(err, os.ErrPermission):
		return fault.New(fault.PermissionDenied, op, "the database server program could not be started", err)
	default:
		return fault.New(fault.Internal, op, "the database server could not be launched", err)
	}
}

// Stop stops the server with one graceful then forced ladder. Stopping a
// server that is not running succeeds.
func (s *Supervisor) Stop(ctx context.Context, cfg runtimecfg.RuntimeConfig) error {
	st := s.CheckStatus(ctx, cfg)
	if !st.Running {
		return nil
	}
	if s.stopLadder(ctx, st) {
		s.setHandle(process.Handle{})
		s.Logger.Info("database server stopped", "pid", st.PID, "port", st.Port)
		return nil
	}
	return fault.Newf(fault.StopFailed, "supervisor.stop", "the database server (pid %d) is still running", st.PID)
}

func (s *Supervisor) stopLadder(ctx context.Context, st Status) bool {
	metrics.IncStopStep("graceful")
	if err := s.pgCtlStop(ctx, "fast"); err != nil {
		s.Logger.Warn("graceful stop request failed", "error", err)
		if st.PID > 0 {
			if err := s.Launcher.Terminate(st.PID); err != nil {
				s.Logger.Debug("terminate failed", "pid", st.PID, "error", err)
			}
		}
	}
	if s.waitStopped(ctx, st, valOr(s.StopWait, DefaultStopWait)) {
		return true
	}

	s.Logger.Warn("database server did not stop gracefully, forcing", "pid", st.PID)
	metrics.IncStopStep("immediate")
	if err := s.pgCtlStop(ctx, "immediate"); err != nil {
		s.Logger.Warn("immediate stop request failed", "error", err)
	}
	if s.waitStopped(ctx, st, valOr(s.ForceWait, DefaultForceWait)) {
		return true
	}

	if st.PID <= 0 {
		return false
	}
	metrics.IncStopStep("kill")
	if err := s.Launcher.Kill(st.PID); err != nil {
		s.Logger.Warn("kill failed", "pid", st.PID, "error", err)
	}
	return s.waitStopped(ctx, st, valOr(s.ForceWait, DefaultForceWait))
}

func (s *Supervisor) pgCtlStop(ctx context.Context, mode string) error {
	cmd := process.Command{
		Path: s.Layout.Binary("pg_ctl"),
		Args: []string{"stop", "-D", s.Layout.DataDir, "-m", mode, "-W"},
		Env:  s.ServerEnv,
	}
	res, err := s.Runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("pg_ctl stop -m %s exited %d: %s", mode, res.ExitCode, lastLine(res.Output))
	}
	return nil
}

// launchedProcess detects a server by the pid the launcher reported.
type launchedProcess struct {
	launcher process.Launcher
	pid      int
}

func (d launchedProcess) Alive() (bool, error) {
	return d.pid > 0 && d.launcher.Alive(d.pid), nil
}

func (d launchedProcess) Describe() string { return "pid:" + strconv.Itoa(d.pid) }

// waitStopped waits until no detector sees the server, then until its port
// is released.
func (s *Supervisor) waitStopped(ctx context.Context, st Status, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	dets := []detector.Detector{s.postmaster(), launchedProcess{launcher: s.Launcher, pid: st.PID}}

	ticker := time.NewTicker(s.poll())
	defer ticker.Stop()
	for by := detector.First(dets...); by != ""; by = detector.First(dets...) {
		select {
		case <-ctx.Done():
			s.Logger.Debug("database server still running", "detected_by", by)
			return false
		case <-ticker.C:
		}
	}
	if st.Port <= 0 {
		return true
	}
	remaining := time.Duration(0)
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	return port.WaitUntilClosed(ctx, st.Port, remaining, s.poll())
}

// CheckStatus combines the postmaster.pid record with a port probe.
func (s *Supervisor) CheckStatus(ctx context.Context, cfg runtimecfg.RuntimeConfig) Status {
	det := s.postmaster()
	info, ok, err := det.Probe()
	if err != nil {
		s.Logger.Debug("postmaster.pid unreadable", "error", err)
	}
	if ok {
		p := info.Port
		if p <= 0 {
			p = cfg.Port
		}
		return Status{Running: true, PID: info.PID, Port: p, DetectedBy: det.Describe()}
	}
	if cfg.Port <= 0 {
		return Status{}
	}
	pd := detector.PortDetector{Port: cfg.Port}
	if alive, _ := pd.Alive(); !alive {
		return Status{Port: cfg.Port}
	}
	// Something listens on our port. Only report it when it is our server.
	if s.Credentials != nil && s.Prober != nil && cfg.PasswordRef != "" {
		pw, err := s.Credentials.Resolve(cfg.PasswordRef)
		if err == nil {
			id, perr := s.Prober.Probe(ctx, s.target(cfg, cfg.Port, pw))
			if id != pgprobe.Ours {
				s.Logger.Debug("port is held by another program", "port", cfg.Port, "identity", id.String(), "error", perr)
				return Status{Port: cfg.Port}
			}
		}
	}
	return Status{Running: true, Port: cfg.Port, DetectedBy: pd.Describe()}
}

func valOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
