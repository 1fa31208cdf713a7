package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/history"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/internal/runtimecfg"
	"github.com/loykin/pgdesk/internal/strategy"
	"github.com/loykin/pgdesk/internal/supervisor"
)

// writeCluster leaves the files a completed initdb would.
func writeCluster(dir string) error {
	for _, d := range []string{filepath.Join(dir, "global"), filepath.Join(dir, "base")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	files := map[string][]byte{
		"PG_VERSION":        []byte("16\n"),
		"postgresql.conf":   []byte("# test\n"),
		"global/pg_control": make([]byte, 8192),
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), b, 0o600); err != nil {
			return err
		}
	}
	return nil
}

type fakeInit struct {
	dataDir string
	delay   time.Duration

	mu         sync.Mutex
	inits      int
	creates    int
	createErr  error
	cleanupErr error
}

func (f *fakeInit) InitializeCluster(context.Context, string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	return writeCluster(f.dataDir)
}

func (f *fakeInit) CreateDatabase(context.Context, int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	return nil
}

func (f *fakeInit) CleanupError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.cleanupErr
	f.cleanupErr = nil
	return err
}

func (f *fakeInit) counts() (inits, creates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.creates
}

type fakeServer struct {
	mu       sync.Mutex
	running  bool
	port     int
	starts   []time.Duration
	startErr []error
	stops    int
}

func (f *fakeServer) Start(_ context.Context, cfg runtimecfg.RuntimeConfig, _ string, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, timeout)
	if len(f.startErr) > 0 {
		err := f.startErr[0]
		f.startErr = f.startErr[1:]
		if err != nil {
			return 0, err
		}
	}
	f.running = true
	f.port = cfg.Port
	return f.port, nil
}

func (f *fakeServer) StopWithRetry(context.Context, runtimecfg.RuntimeConfig, int, supervisor.Backoff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeServer) CheckStatus(context.Context, runtimecfg.RuntimeConfig) supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Running: f.running, Port: f.port}
}

func (f *fakeServer) ServerCommand(cfg runtimecfg.RuntimeConfig) process.Spec {
	return process.Spec{Name: "postgres", Path: "/opt/pgdesk/bin/postgres", Args: []string{"-p", strconv.Itoa(cfg.Port)}}
}

func (f *fakeServer) setRunning(port int) {
	f.mu.Lock()
	f.running = true
	f.port = port
	f.mu.Unlock()
}

func (f *fakeServer) startTimeouts() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.starts...)
}

type fakeStrategy struct {
	mode       runtimecfg.RunMode
	installed  bool
	running    bool
	installs   []process.Spec
	installErr error
	onStart    func()
}

func (f *fakeStrategy) Mode() runtimecfg.RunMode { return f.mode }

func (f *fakeStrategy) Install(_ context.Context, spec process.Spec) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installs = append(f.installs, spec)
	f.installed = true
	return nil
}

func (f *fakeStrategy) Remove(context.Context) error {
	f.installed = false
	return nil
}

func (f *fakeStrategy) Status(context.Context) (strategy.Status, error) {
	return strategy.Status{Mode: f.mode, Installed: f.installed, Running: f.running}, nil
}

func (f *fakeStrategy) Start(context.Context) error {
	f.running = true
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeStrategy) Stop(context.Context) error {
	f.running = false
	return nil
}

type fakeSelector struct {
	elevated   bool
	strategies map[runtimecfg.RunMode]*fakeStrategy
}

func (f *fakeSelector) For(mode runtimecfg.RunMode) (strategy.Strategy, error) {
	if s, ok := f.strategies[mode]; ok {
		return s, nil
	}
	return nil, fault.Newf(fault.ConfigUnsupported, "test", "no strategy for %q", mode)
}

func (f *fakeSelector) IsRunningElevated() bool { return f.elevated }

type spyPrompter struct {
	*StaticPrompter

	mu         sync.Mutex
	firstRuns  int
	recoveries int
}

func (s *spyPrompter) ConfirmFirstRun(ctx context.Context) bool {
	s.mu.Lock()
	s.firstRuns++
	s.mu.Unlock()
	return s.StaticPrompter.ConfirmFirstRun(ctx)
}

func (s *spyPrompter) ConfirmRecovery(ctx context.Context, dataDir, reason string) bool {
	s.mu.Lock()
	s.recoveries++
	s.mu.Unlock()
	return s.StaticPrompter.ConfirmRecovery(ctx, dataDir, reason)
}

// failingSaves fails the first n saves, then delegates.
type failingSaves struct {
	ConfigStore
	n int
}

func (f *failingSaves) Save(cfg runtimecfg.RuntimeConfig) error {
	if f.n > 0 {
		f.n--
		return errors.New("write postgres-runtime.json: no space left on device")
	}
	return f.ConfigStore.Save(cfg)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) find(typ history.EventType) []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Event
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	o        *Orchestrator
	layout   paths.Layout
	store    *runtimecfg.Store
	secrets  *credential.SecretStore
	init     *fakeInit
	server   *fakeServer
	sel      *fakeSelector
	sink     *memSink
	prompter *spyPrompter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	layout, err := paths.Resolve(paths.Env{
		GOOS:        runtime.GOOS,
		AppName:     "pgdesk",
		InstallRoot: filepath.Join(root, "install"),
		DataRoot:    filepath.Join(root, "data"),
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(layout.BinDir, 0o755))
	for _, b := range DefaultBinaries {
		require.NoError(t, os.WriteFile(layout.Binary(b), []byte("#!/bin/sh\n"), 0o755))
	}

	secrets := credential.NewSecretStore(layout.ConfigDir)
	store := runtimecfg.NewStore(layout.RuntimeConfigFile, secrets)
	h := &harness{
		layout:  layout,
		store:   store,
		secrets: secrets,
		init:    &fakeInit{dataDir: layout.DataDir},
		server:  &fakeServer{},
		sel: &fakeSelector{strategies: map[runtimecfg.RunMode]*fakeStrategy{
			runtimecfg.UserSession: {mode: runtimecfg.UserSession},
			runtimecfg.Service:     {mode: runtimecfg.Service},
		}},
		sink:     &memSink{},
		prompter: &spyPrompter{StaticPrompter: DefaultPrompter(runtimecfg.UserSession, nil)},
	}

	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.LockWait = 200 * time.Millisecond
	opts.StartTimeout = time.Second
	opts.ExtendedStartTimeout = 3 * time.Second
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.o = New(layout, opts, store, secrets, h.init, h.server, h.sel, h.sink, log)
	h.o.Prompter = h.prompter
	h.o.Now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }
	return h
}

// seedExisting stores an initialized config as a previous run would have left it.
func (h *harness) seedExisting(t *testing.T, port int) runtimecfg.RuntimeConfig {
	t.Helper()
	ref, err := h.secrets.Store("s3cret-pass")
	require.NoError(t, err)
	cfg := runtimecfg.New(port, runtimecfg.UserSession, ref, runtimecfg.DefaultDatabase, runtimecfg.DefaultUser)
	cfg.InitializedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cfg.DatabaseReady = true
	require.NoError(t, h.store.Save(cfg))
	return cfg
}

func TestEnsure_FirstRun(t *testing.T) {
	h := newHarness(t)

	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateReady, h.o.State())
	assert.GreaterOrEqual(t, info.Port, 54329)
	assert.LessOrEqual(t, info.Port, 54399)
	assert.Equal(t, "127.0.0.1", info.Host)
	assert.Equal(t, runtimecfg.DefaultDatabase, info.Database)
	assert.Equal(t, runtimecfg.UserSession, info.RunMode)
	assert.Contains(t, info.ConnectionString, "127.0.0.1:"+strconv.Itoa(info.Port))

	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Initialized())
	assert.True(t, cfg.DatabaseReady)
	assert.Equal(t, info.Port, cfg.Port)

	inits, creates := h.init.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, h.prompter.firstRuns)
	assert.Zero(t, h.prompter.recoveries)
	assert.Len(t, h.sel.strategies[runtimecfg.UserSession].installs, 1, "login task registered after first start")

	assert.True(t, h.o.Status(context.Background()).Running)
	assert.NotEmpty(t, h.sink.find(history.EventInit))
	ensures := h.sink.find(history.EventEnsure)
	require.NotEmpty(t, ensures)
	assert.Equal(t, history.OutcomeOK, ensures[len(ensures)-1].Outcome)
}

func TestEnsure_FirstRunWithoutFreePortLeavesNoCluster(t *testing.T) {
	h := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	taken := ln.Addr().(*net.TCPAddr).Port
	h.o.Opts.Ports = supervisor.PortRange{Preferred: taken, Start: taken, End: taken}

	_, err = h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NoFreePort), "got %v", err)
	inits, _ := h.init.counts()
	assert.Zero(t, inits, "no cluster without a port for it")
	assert.NoDirExists(t, h.layout.DataDir)

	require.NoError(t, ln.Close())
	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, taken, info.Port)
	assert.Zero(t, h.prompter.recoveries, "closing the other program is enough")
	inits, _ = h.init.counts()
	assert.Equal(t, 1, inits)
}

func TestEnsure_UnsavedClusterIsMovedAside(t *testing.T) {
	h := newHarness(t)
	h.o.Store = &failingSaves{ConfigStore: h.store, n: 1}

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	_, err = h.store.Load()
	assert.True(t, errors.Is(err, runtimecfg.ErrNotFound))
	moved, err := filepath.Glob(h.layout.DataDir + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.NoDirExists(t, h.layout.DataDir)

	_, err = h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.prompter.recoveries)
	inits, _ := h.init.counts()
	assert.Equal(t, 2, inits)
	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Initialized())
}

func TestEnsure_Idempotent(t *testing.T) {
	h := newHarness(t)
	first, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	second, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	inits, _ := h.init.counts()
	assert.Equal(t, 1, inits)
	assert.Len(t, h.server.startTimeouts(), 1)
}

func TestEnsure_ConcurrentCallersShareOneRun(t *testing.T) {
	h := newHarness(t)
	h.init.delay = 50 * time.Millisecond

	const callers = 8
	var wg sync.WaitGroup
	ports := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := h.o.Ensure(context.Background())
			ports[i], errs[i] = info.Port, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ports[0], ports[i])
	}
	inits, _ := h.init.counts()
	assert.Equal(t, 1, inits)
}

func TestEnsure_RestartsAfterServerStopped(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	h.o.Shutdown(context.Background())
	assert.False(t, h.o.Status(context.Background()).Running)

	_, err = h.o.Ensure(context.Background())
	require.NoError(t, err)
	inits, _ := h.init.counts()
	assert.Equal(t, 1, inits, "existing cluster is reused")
	assert.Len(t, h.server.startTimeouts(), 2)
	assert.Len(t, h.sel.strategies[runtimecfg.UserSession].installs, 1, "login task is registered once")
}

func TestEnsure_DeclinedFirstRun(t *testing.T) {
	h := newHarness(t)
	h.prompter.AcceptFirstRun = false

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.RecoveryDeclined))
	assert.Equal(t, StateFailed, h.o.State())
	assert.Empty(t, h.prompter.FatalErrors(), "a declined prompt is not a fatal error")

	_, err = h.store.Load()
	assert.True(t, errors.Is(err, runtimecfg.ErrNotFound))
}

func TestEnsure_ExistingInstallation(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedExisting(t, 54350)
	require.NoError(t, writeCluster(h.layout.DataDir))

	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 54350, info.Port)

	inits, creates := h.init.counts()
	assert.Zero(t, inits)
	assert.Zero(t, creates)
	assert.Zero(t, h.prompter.firstRuns)
	assert.Empty(t, h.sel.strategies[runtimecfg.UserSession].installs)

	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, seeded.InstallationID, cfg.InstallationID)
}

func TestEnsure_MissingDataIsNotCorruption(t *testing.T) {
	h := newHarness(t)
	seeded := h.seedExisting(t, 54351)

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.prompter.recoveries, "absence must not ask for recovery")
	inits, _ := h.init.counts()
	assert.Equal(t, 1, inits)

	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, seeded.InstallationID, cfg.InstallationID)
	pw, err := h.secrets.Resolve(cfg.PasswordRef)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", pw, "a new cluster gets a new password")
}

func TestEnsure_CorruptDataNeedsConsent(t *testing.T) {
	h := newHarness(t)
	h.seedExisting(t, 54352)
	require.NoError(t, os.MkdirAll(h.layout.DataDir, 0o700))
	marker := filepath.Join(h.layout.DataDir, "PG_VERSION")
	require.NoError(t, os.WriteFile(marker, []byte("16\n"), 0o600))

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.RecoveryDeclined))
	assert.Equal(t, 1, h.prompter.recoveries)
	assert.FileExists(t, marker, "declined recovery leaves the data in place")
	inits, _ := h.init.counts()
	assert.Zero(t, inits)

	h.prompter.AcceptRecovery = true
	_, err = h.o.Ensure(context.Background())
	require.NoError(t, err)

	moved, err := filepath.Glob(h.layout.DataDir + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.FileExists(t, filepath.Join(moved[0], "PG_VERSION"), "moved aside, not deleted")
	inits, _ = h.init.counts()
	assert.Equal(t, 1, inits)
	assert.NotEmpty(t, h.sink.find(history.EventRecovery))
}

func TestEnsure_RecoveryKeepsPasswordOfMovedData(t *testing.T) {
	h := newHarness(t)
	h.seedExisting(t, 54356)
	require.NoError(t, os.MkdirAll(h.layout.DataDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(h.layout.DataDir, "PG_VERSION"), []byte("16\n"), 0o600))
	h.prompter.AcceptRecovery = true

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	moved, err := filepath.Glob(h.layout.DataDir + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	kept, err := filepath.Glob(filepath.Join(h.layout.ConfigDir, credential.DefaultSecretName+".corrupt-*"))
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, credential.DefaultSecretName+strings.TrimPrefix(moved[0], h.layout.DataDir), filepath.Base(kept[0]))
	b, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pass", string(b))

	cfg, err := h.store.Load()
	require.NoError(t, err)
	pw, err := h.secrets.Resolve(cfg.PasswordRef)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", pw)
}

func TestEnsure_CleanupFailureIsJournaled(t *testing.T) {
	h := newHarness(t)
	h.init.cleanupErr = errors.New("remove .pwfile-x: device busy")

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.prompter.FatalErrors())

	var found bool
	for _, e := range h.sink.find(history.EventInit) {
		if e.Detail == "temporary password file left behind" {
			found = true
			assert.Equal(t, string(fault.PermissionDenied), e.Outcome)
		}
	}
	assert.True(t, found, "cleanup failure recorded")
}

func TestEnsure_StartTimeoutRetriedWithExtendedTimeout(t *testing.T) {
	h := newHarness(t)
	h.seedExisting(t, 54353)
	require.NoError(t, writeCluster(h.layout.DataDir))
	h.server.startErr = []error{fault.Newf(fault.StartTimeout, "test", "did not start in time")}

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, h.server.startTimeouts())
}

func TestEnsure_StartTimeoutTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.seedExisting(t, 54354)
	require.NoError(t, writeCluster(h.layout.DataDir))
	timeout := fault.Newf(fault.StartTimeout, "test", "did not start in time")
	h.server.startErr = []error{timeout, timeout}

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.StartTimeout))
	assert.Len(t, h.prompter.FatalErrors(), 1)
	assert.Equal(t, StateFailed, h.o.State())
}

func TestEnsure_CorruptionAtStartupRecovers(t *testing.T) {
	h := newHarness(t)
	h.seedExisting(t, 54355)
	require.NoError(t, writeCluster(h.layout.DataDir))
	h.prompter.AcceptRecovery = true
	h.server.startErr = []error{fault.Newf(fault.StartFailedCorruption, "test", "invalid checkpoint record")}

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.prompter.recoveries)
	inits, _ := h.init.counts()
	assert.Equal(t, 1, inits)
	assert.Len(t, h.server.startTimeouts(), 2)
	moved, _ := filepath.Glob(h.layout.DataDir + ".corrupt-*")
	assert.Len(t, moved, 1)
}

func TestEnsure_ServiceWithoutElevationFallsBack(t *testing.T) {
	h := newHarness(t)
	h.prompter.Mode = runtimecfg.Service

	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runtimecfg.UserSession, info.RunMode)
	assert.Equal(t, []string{"install the database service"}, h.prompter.ElevationPrompts())
	assert.Empty(t, h.sel.strategies[runtimecfg.Service].installs)
	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, runtimecfg.UserSession, cfg.RunMode)
}

func TestEnsure_ServiceModeStartsThroughTheService(t *testing.T) {
	h := newHarness(t)
	h.prompter.Mode = runtimecfg.Service
	h.sel.elevated = true
	svc := h.sel.strategies[runtimecfg.Service]
	svc.onStart = func() {
		cfg, err := h.store.Load()
		if err == nil {
			h.server.setRunning(cfg.Port)
		}
	}

	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtimecfg.Service, info.RunMode)
	require.Len(t, svc.installs, 1)
	assert.Equal(t, []string{"-p", strconv.Itoa(info.Port)}, svc.installs[0].Args)
	assert.True(t, svc.running)
	assert.Empty(t, h.sel.strategies[runtimecfg.UserSession].installs)

	// the service outlives the application
	h.o.Shutdown(context.Background())
	assert.Zero(t, h.server.stops)
	assert.True(t, h.o.Status(context.Background()).Running)
}

func TestEnsure_ServiceStartTimeoutRetriedWithExtendedTimeout(t *testing.T) {
	h := newHarness(t)
	h.prompter.Mode = runtimecfg.Service
	h.sel.elevated = true
	h.sel.strategies[runtimecfg.Service].onStart = func() {
		cfg, err := h.store.Load()
		if err == nil {
			h.server.setRunning(cfg.Port)
		}
	}
	h.server.startErr = []error{fault.Newf(fault.StartTimeout, "test", "did not start in time")}

	info, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtimecfg.Service, info.RunMode)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, h.server.startTimeouts())
}

func TestEnsure_LoginTaskFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sel.strategies[runtimecfg.UserSession].installErr = fault.Newf(fault.PermissionDenied, "test", "access denied")

	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.prompter.FatalErrors())

	events := h.sink.find(history.EventStrategy)
	require.Len(t, events, 1)
	assert.Equal(t, string(fault.PermissionDenied), events[0].Outcome)
}

func TestEnsure_DatabaseCreationRetriedAlone(t *testing.T) {
	h := newHarness(t)
	h.init.createErr = fault.Newf(fault.InitProcessFailed, "test", "createdb failed")

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	cfg, err := h.store.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Initialized())
	assert.False(t, cfg.DatabaseReady)

	_, err = h.o.Ensure(context.Background())
	require.NoError(t, err)
	inits, creates := h.init.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 2, creates)
	cfg, err = h.store.Load()
	require.NoError(t, err)
	assert.True(t, cfg.DatabaseReady)
}

func TestEnsure_MissingBinary(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.layout.Binary("pg_ctl")))

	_, err := h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.BinaryNotFound))
	assert.Len(t, h.prompter.FatalErrors(), 1)
}

func TestEnsure_LockedByAnotherProcess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.layout.LockFile), 0o700))
	other := flock.New(h.layout.LockFile)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Unlock() }()

	_, err = h.o.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Locked))
	inits, _ := h.init.counts()
	assert.Zero(t, inits)
}

func TestShutdown_StopsUserSessionServer(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Ensure(context.Background())
	require.NoError(t, err)

	h.o.Shutdown(context.Background())
	assert.Equal(t, 1, h.server.stops)
	assert.False(t, h.o.Status(context.Background()).Running)
	stops := h.sink.find(history.EventStop)
	require.Len(t, stops, 1)
	assert.Equal(t, history.OutcomeOK, stops[0].Outcome)
}

func TestShutdown_NothingSetUp(t *testing.T) {
	h := newHarness(t)
	h.o.Shutdown(context.Background())
	assert.Zero(t, h.server.stops)
}
