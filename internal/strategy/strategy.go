// Package strategy keeps the database server running across application
// restarts, either tied to the user's login session or as a system service.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	"github.com/loykin/pgdesk/pkg/template"
)

// Strategy is one way of keeping the server registered with the OS.
type Strategy interface {
	Mode() runtimecfg.RunMode
	Install(ctx context.Context, spec process.Spec) error
	Remove(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Status describes the OS registration.
type Status struct {
	Mode      runtimecfg.RunMode `json:"mode"`
	Backend   string             `json:"backend"`
	Installed bool               `json:"installed"`
	Running   bool               `json:"running"`
	Detail    string             `json:"detail,omitempty"`
}

// OpResult is the host-facing outcome of a strategy operation.
type OpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Result converts an operation error into an OpResult.
func Result(err error) OpResult {
	if err == nil {
		return OpResult{OK: true}
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		reason := fe.Message
		if reason == "" {
			reason = fe.Error()
		}
		return OpResult{Reason: reason, Kind: string(fe.Kind)}
	}
	return OpResult{Reason: err.Error(), Kind: string(fault.Internal)}
}

// backend performs the OS-specific registration.
type backend interface {
	name() string
	install(ctx context.Context, def template.Definition) error
	remove(ctx context.Context) error
	status(ctx context.Context) (Status, error)
	start(ctx context.Context) error
	stop(ctx context.Context) error
}

type userSession struct {
	b   backend
	def func(process.Spec) template.Definition
	log *slog.Logger
}

func (u *userSession) Mode() runtimecfg.RunMode { return runtimecfg.UserSession }

func (u *userSession) Install(ctx context.Context, spec process.Spec) error {
	u.log.Info("registering login task", "backend", u.b.name())
	return u.b.install(ctx, u.def(spec))
}

func (u *userSession) Remove(ctx context.Context) error { return u.b.remove(ctx) }
func (u *userSession) Start(ctx context.Context) error  { return u.b.start(ctx) }
func (u *userSession) Stop(ctx context.Context) error   { return u.b.stop(ctx) }

func (u *userSession) Status(ctx context.Context) (Status, error) {
	st, err := u.b.status(ctx)
	st.Mode, st.Backend = runtimecfg.UserSession, u.b.name()
	return st, err
}

// service requires elevation for every change. The check runs before any
// tooling is invoked.
type service struct {
	b        backend
	def      func(process.Spec) template.Definition
	elevated func() bool
	log      *slog.Logger
}

func (s *service) Mode() runtimecfg.RunMode { return runtimecfg.Service }

func (s *service) requireElevation(op string) error {
	if s.elevated() {
		return nil
	}
	return fault.Newf(fault.ElevationRequired, "strategy."+op, "administrator rights are required to %s the database service", op)
}

func (s *service) Install(ctx context.Context, spec process.Spec) error {
	if err := s.requireElevation("install"); err != nil {
		return err
	}
	s.log.Info("installing database service", "backend", s.b.name())
	return s.b.install(ctx, s.def(spec))
}

func (s *service) Remove(ctx context.Context) error {
	if err := s.requireElevation("remove"); err != nil {
		return err
	}
	return s.b.remove(ctx)
}

func (s *service) Start(ctx context.Context) error {
	if err := s.requireElevation("start"); err != nil {
		return err
	}
	return s.b.start(ctx)
}

func (s *service) Stop(ctx context.Context) error {
	if err := s.requireElevation("stop"); err != nil {
		return err
	}
	return s.b.stop(ctx)
}

func (s *service) Status(ctx context.Context) (Status, error) {
	st, err := s.b.status(ctx)
	st.Mode, st.Backend = runtimecfg.Service, s.b.name()
	return st, err
}

// Selector builds the Strategy for a run mode on the current OS.
type Selector struct {
	Layout         paths.Layout
	AppName        string
	InstallationID string
	Runner         process.Runner
	// Elevated reports administrator rights; defaults to IsRunningElevated.
	Elevated func() bool
	Logger   *slog.Logger

	HomeDir    string
	ConfigHome string // XDG_CONFIG_HOME on linux
	Username   string
	UID        int
}

// NewSelector fills the user identity from the running process.
func NewSelector(layout paths.Layout, appName, installationID string, runner process.Runner, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	s := &Selector{
		Layout:         layout,
		AppName:        appName,
		InstallationID: installationID,
		Runner:         runner,
		Logger:         log,
		ConfigHome:     os.Getenv("XDG_CONFIG_HOME"),
		UID:            os.Getuid(),
	}
	s.HomeDir, _ = os.UserHomeDir()
	if u, err := user.Current(); err == nil {
		s.Username = u.Username
	}
	return s
}

// IsRunningElevated reports whether this process has administrator rights.
func (s *Selector) IsRunningElevated() bool {
	if s.Elevated != nil {
		return s.Elevated()
	}
	return IsRunningElevated()
}

// Name is the per-installation task, unit or service name.
func (s *Selector) Name() string {
	app := strings.ToLower(strings.TrimSpace(s.AppName))
	if app == "" {
		app = paths.DefaultAppName
	}
	id := strings.ReplaceAll(s.InstallationID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return app + "-postgres"
	}
	return app + "-postgres-" + id
}

func (s *Selector) label() string {
	return "com." + strings.ReplaceAll(s.Name(), "-", ".")
}

func (s *Selector) definition(spec process.Spec) template.Definition {
	return template.Definition{
		Name:        s.Name(),
		Label:       s.label(),
		Description: fmt.Sprintf("%s local database", s.AppName),
		Path:        spec.Path,
		Args:        spec.Args,
		Env:         spec.Env,
		WorkDir:     spec.WorkDir,
		LogFile:     spec.LogFile,
		User:        s.Username,
	}
}

// For returns the strategy for mode.
func (s *Selector) For(mode runtimecfg.RunMode) (Strategy, error) {
	if !mode.Valid() {
		return nil, fault.Newf(fault.ConfigUnsupported, "strategy.select", "unknown run mode %q", mode)
	}
	b, err := s.backend(mode)
	if err != nil {
		return nil, err
	}
	log := s.Logger.With("mode", string(mode))
	if mode == runtimecfg.UserSession {
		return &userSession{b: b, def: s.definition, log: log}, nil
	}
	return &service{b: b, def: s.definition, elevated: s.IsRunningElevated, log: log}, nil
}

func (s *Selector) backend(mode runtimecfg.RunMode) (backend, error) {
	name := s.Name()
	userMode := mode == runtimecfg.UserSession
	switch s.Layout.GOOS {
	case "windows":
		if userMode {
			return &schtasks{task: name, script: filepath.Join(s.Layout.ConfigDir, name+".cmd"), runner: s.Runner}, nil
		}
		return &nssm{wrapper: s.Layout.WrapperPath, service: name, dataRoot: s.Layout.DataRoot, runner: s.Runner}, nil
	case "linux":
		if userMode {
			home := s.ConfigHome
			if home == "" {
				home = filepath.Join(s.HomeDir, ".config")
			}
			return &systemd{unit: name + ".service", dir: filepath.Join(home, "systemd", "user"), runner: s.Runner}, nil
		}
		return &systemd{system: true, unit: name + ".service", dir: "/etc/systemd/system", runner: s.Runner}, nil
	case "darwin":
		label := s.label()
		if userMode {
			return &launchd{
				label: label, domain: "gui/" + strconv.Itoa(s.UID),
				plist: filepath.Join(s.HomeDir, "Library", "LaunchAgents", label+".plist"), runner: s.Runner,
			}, nil
		}
		return &launchd{
			daemon: true, label: label, domain: "system",
			plist: filepath.Join("/Library", "LaunchDaemons", label+".plist"), runner: s.Runner,
		}, nil
	default:
		return nil, fault.Newf(fault.ConfigUnsupported, "strategy.select", "%s is not supported on %s", mode, s.Layout.GOOS)
	}
}

func command(path string, args ...string) process.Command {
	return process.Command{Path: path, Args: args}
}

// run executes a tool and turns a non-zero exit into a classified error.
func run(ctx context.Context, r process.Runner, op, path string, args ...string) (process.Result, error) {
	res, err := r.Run(ctx, command(path, args...))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fault.New(fault.BinaryNotFound, op, filepath.Base(path)+" is not available", err)
		}
		return res, fault.New(fault.Internal, op, "could not run "+filepath.Base(path), err)
	}
	if res.OK() {
		return res, nil
	}
	return res, toolFailure(op, path, res)
}

func toolFailure(op, path string, res process.Result) error {
	out := strings.TrimSpace(res.Output)
	lower := strings.ToLower(out)
	kind := fault.Internal
	switch {
	case strings.Contains(lower, "access is denied"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "interactive authentication required"):
		kind = fault.PermissionDenied
	}
	msg := fmt.Sprintf("%s exited with code %d", filepath.Base(path), res.ExitCode)
	if out != "" {
		msg += ": " + firstLine(out)
	}
	return fault.New(kind, op, msg, nil)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func writeDefinition(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
