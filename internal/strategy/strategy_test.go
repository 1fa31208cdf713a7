package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

type spyRunner struct {
	calls []string
	reply func(c process.Command) process.Result
}

func (r *spyRunner) Run(_ context.Context, c process.Command) (process.Result, error) {
	r.calls = append(r.calls, filepath.Base(c.Path)+" "+strings.Join(c.Args, " "))
	if r.reply != nil {
		return r.reply(c), nil
	}
	return process.Result{}, nil
}

func newSelector(t *testing.T, goos string, r process.Runner, elevated bool) *Selector {
	t.Helper()
	root := t.TempDir()
	layout := paths.Layout{
		GOOS:        goos,
		BinDir:      filepath.Join(root, "install", "resources", "postgres", "bin"),
		DataRoot:    filepath.Join(root, "data"),
		DataDir:     filepath.Join(root, "data", "postgres", "data"),
		ConfigDir:   filepath.Join(root, "config"),
		WrapperPath: filepath.Join(root, "install", "resources", "postgres", "wrapper", "nssm.exe"),
	}
	return &Selector{
		Layout:         layout,
		AppName:        "PgDesk",
		InstallationID: "0b1e2c3d-4e5f-6789-abcd-ef0123456789",
		Runner:         r,
		Elevated:       func() bool { return elevated },
		Logger:         nil,
		HomeDir:        filepath.Join(root, "home"),
		ConfigHome:     filepath.Join(root, "xdg"),
		Username:       "ana",
		UID:            501,
	}
}

func serverSpec() process.Spec {
	return process.Spec{
		Name: "postgres",
		Path: "/opt/pgdesk/resources/postgres/bin/postgres",
		Args: []string{"-D", "/data", "-p", "54329"},
		Env:  []string{"TZ=UTC"},
	}
}

func strategyFor(t *testing.T, s *Selector, mode runtimecfg.RunMode) Strategy {
	t.Helper()
	if s.Logger == nil {
		s.Logger = discardLogger()
	}
	st, err := s.For(mode)
	require.NoError(t, err)
	require.Equal(t, mode, st.Mode())
	return st
}

func TestServiceRequiresElevationBeforeAnyTooling(t *testing.T) {
	for _, goos := range []string{"windows", "linux", "darwin"} {
		t.Run(goos, func(t *testing.T) {
			r := &spyRunner{}
			st := strategyFor(t, newSelector(t, goos, r, false), runtimecfg.Service)
			ctx := context.Background()

			ops := map[string]func() error{
				"install": func() error { return st.Install(ctx, serverSpec()) },
				"remove":  func() error { return st.Remove(ctx) },
				"start":   func() error { return st.Start(ctx) },
				"stop":    func() error { return st.Stop(ctx) },
			}
			for name, op := range ops {
				err := op()
				assert.True(t, fault.Is(err, fault.ElevationRequired), "%s: got %v", name, err)
				assert.Equal(t, string(fault.ElevationRequired), Result(err).Kind)
			}
			assert.Empty(t, r.calls, "no tool may run without elevation")
		})
	}
}

func TestSystemdUserInstallAndStatus(t *testing.T) {
	r := &spyRunner{}
	sel := newSelector(t, "linux", r, false)
	st := strategyFor(t, sel, runtimecfg.UserSession)
	ctx := context.Background()

	require.NoError(t, st.Install(ctx, serverSpec()))
	unit := filepath.Join(sel.ConfigHome, "systemd", "user", "pgdesk-postgres-0b1e2c3d.service")
	data, err := os.ReadFile(unit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ExecStart=/opt/pgdesk/resources/postgres/bin/postgres -D /data -p 54329")
	assert.Equal(t, []string{
		"systemctl --user daemon-reload",
		"systemctl --user enable pgdesk-postgres-0b1e2c3d.service",
	}, r.calls)

	r.calls = nil
	r.reply = func(process.Command) process.Result { return process.Result{Output: "active\n"} }
	status, err := st.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Installed)
	assert.True(t, status.Running)
	assert.Equal(t, "systemd-user", status.Backend)
	assert.Equal(t, runtimecfg.UserSession, status.Mode)

	r.reply = nil
	require.NoError(t, st.Remove(ctx))
	assert.NoFileExists(t, unit)
}

func TestSystemdStatusNotInstalledSkipsTooling(t *testing.T) {
	r := &spyRunner{}
	st := strategyFor(t, newSelector(t, "linux", r, false), runtimecfg.UserSession)
	status, err := st.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Installed)
	assert.Empty(t, r.calls)
}

func TestLaunchAgentInstallAndStatus(t *testing.T) {
	r := &spyRunner{}
	sel := newSelector(t, "darwin", r, false)
	st := strategyFor(t, sel, runtimecfg.UserSession)
	ctx := context.Background()

	require.NoError(t, st.Install(ctx, serverSpec()))
	plist := filepath.Join(sel.HomeDir, "Library", "LaunchAgents", "com.pgdesk.postgres.0b1e2c3d.plist")
	assert.FileExists(t, plist)
	assert.Equal(t, []string{
		"launchctl bootout gui/501/com.pgdesk.postgres.0b1e2c3d",
		"launchctl bootstrap gui/501 " + plist,
	}, r.calls)

	r.reply = func(process.Command) process.Result {
		return process.Result{Output: "gui/501/com.pgdesk.postgres.0b1e2c3d = {\n\tactive count = 1\n\tstate = running\n}\n"}
	}
	status, err := st.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, "running", status.Detail)
}

func TestSchtasksInstallAndStatus(t *testing.T) {
	r := &spyRunner{}
	sel := newSelector(t, "windows", r, false)
	st := strategyFor(t, sel, runtimecfg.UserSession)
	ctx := context.Background()

	require.NoError(t, st.Install(ctx, serverSpec()))
	script := filepath.Join(sel.Layout.ConfigDir, "pgdesk-postgres-0b1e2c3d.cmd")
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\r\n")
	require.Len(t, r.calls, 1)
	assert.Contains(t, r.calls[0], "/Create /TN pgdesk-postgres-0b1e2c3d /SC ONLOGON /RL LIMITED /F /TR")

	r.reply = func(process.Command) process.Result {
		return process.Result{Output: "TaskName:      \\pgdesk-postgres-0b1e2c3d\r\nStatus:        Ready\r\n"}
	}
	status, err := st.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Installed)
	assert.False(t, status.Running)
	assert.Equal(t, "Ready", status.Detail)

	r.reply = func(process.Command) process.Result { return process.Result{ExitCode: 1, Output: "ERROR: The system cannot find the file specified."} }
	status, err = st.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Installed)
}

func TestNssmServiceInstall(t *testing.T) {
	r := &spyRunner{}
	sel := newSelector(t, "windows", r, true)
	require.NoError(t, os.MkdirAll(filepath.Dir(sel.Layout.WrapperPath), 0o755))
	require.NoError(t, os.WriteFile(sel.Layout.WrapperPath, []byte("stub"), 0o755))
	st := strategyFor(t, sel, runtimecfg.Service)

	require.NoError(t, st.Install(context.Background(), serverSpec()))
	require.NotEmpty(t, r.calls)
	assert.Equal(t, "nssm.exe install pgdesk-postgres-0b1e2c3d /opt/pgdesk/resources/postgres/bin/postgres -D /data -p 54329", r.calls[0])
	assert.Contains(t, r.calls, `nssm.exe set pgdesk-postgres-0b1e2c3d ObjectName NT AUTHORITY\LocalService `)
	assert.Contains(t, r.calls, "nssm.exe set pgdesk-postgres-0b1e2c3d AppEnvironmentExtra TZ=UTC")
	assert.True(t, strings.HasPrefix(r.calls[len(r.calls)-1], "icacls "))
}

func TestNssmMissingWrapper(t *testing.T) {
	r := &spyRunner{}
	st := strategyFor(t, newSelector(t, "windows", r, true), runtimecfg.Service)
	err := st.Install(context.Background(), serverSpec())
	assert.True(t, fault.Is(err, fault.BinaryNotFound), "got %v", err)
	assert.Empty(t, r.calls)
}

func TestToolFailureClassification(t *testing.T) {
	r := &spyRunner{reply: func(process.Command) process.Result {
		return process.Result{ExitCode: 1, Output: "Failed to start unit: Access denied\nInteractive authentication required."}
	}}
	st := strategyFor(t, newSelector(t, "linux", r, false), runtimecfg.UserSession)
	err := st.Start(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied), "got %v", err)
	res := Result(err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "systemctl exited with code 1")
}

func TestSelectorRejectsUnknownModeAndOS(t *testing.T) {
	sel := newSelector(t, "linux", &spyRunner{}, false)
	_, err := sel.For("daemon")
	assert.True(t, fault.Is(err, fault.ConfigUnsupported))

	sel = newSelector(t, "plan9", &spyRunner{}, false)
	sel.Logger = discardLogger()
	_, err = sel.For(runtimecfg.UserSession)
	assert.True(t, fault.Is(err, fault.ConfigUnsupported))
}

func TestNameAndResult(t *testing.T) {
	sel := newSelector(t, "linux", &spyRunner{}, false)
	assert.Equal(t, "pgdesk-postgres-0b1e2c3d", sel.Name())
	sel.InstallationID = ""
	assert.Equal(t, "pgdesk-postgres", sel.Name())

	assert.Equal(t, OpResult{OK: true}, Result(nil))
	assert.Equal(t, OpResult{Reason: "boom", Kind: "INTERNAL"}, Result(errors.New("boom")))
}
