// Package cluster creates the database storage cluster and the application
// database, and classifies an existing data directory.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/pgdesk/internal/credential"
	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/process"
)

// InitState tracks one initialization attempt.
type InitState string

const (
	StateAbsent        InitState = "ABSENT"
	StateInitializing  InitState = "INITIALIZING"
	StateClusterReady  InitState = "CLUSTER_READY"
	StateDatabaseReady InitState = "DATABASE_READY"
	StateInitFailed    InitState = "INIT_FAILED"
)

const (
	DefaultInitTimeout     = 10 * time.Minute
	DefaultCreateDBTimeout = 2 * time.Minute
)

// Initializer runs initdb and createdb from the bundled binaries.
// Neither operation is retried automatically.
type Initializer struct {
	Layout    paths.Layout
	Superuser string
	Database  string
	Runner    process.Runner
	Logger    *slog.Logger

	// InitTimeout bounds initdb. The caller's context cannot cancel it.
	InitTimeout     time.Duration
	CreateDBTimeout time.Duration

	mu         sync.Mutex
	state      InitState
	cleanupErr error
}

func NewInitializer(layout paths.Layout, superuser, database string, runner process.Runner, log *slog.Logger) *Initializer {
	if runner == nil {
		runner = process.ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Initializer{
		Layout:          layout,
		Superuser:       superuser,
		Database:        database,
		Runner:          runner,
		Logger:          log.With("component", "cluster"),
		InitTimeout:     DefaultInitTimeout,
		CreateDBTimeout: DefaultCreateDBTimeout,
		state:           StateAbsent,
	}
}

// State returns the state of the current attempt.
func (i *Initializer) State() InitState {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == "" {
		return StateAbsent
	}
	return i.state
}

func (i *Initializer) setState(s InitState) {
	i.mu.Lock()
	prev := i.state
	i.state = s
	i.mu.Unlock()
	i.Logger.Debug("cluster state", "from", prev, "to", s)
}

// CleanupError returns and clears the failures to destroy one-time files
// since the last call. They never fail the operation that created the file.
func (i *Initializer) CleanupError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	err := i.cleanupErr
	i.cleanupErr = nil
	return err
}

func (i *Initializer) destroy(path string) {
	if err := credential.DeleteOneTimeFile(path); err != nil {
		i.Logger.Warn("one-time password file cleanup failed", "path", path, "error", err)
		i.mu.Lock()
		i.cleanupErr = multierror.Append(i.cleanupErr, err)
		i.mu.Unlock()
	}
}

func (i *Initializer) fail(err error) error {
	i.setState(StateInitFailed)
	return err
}

// InitializeCluster creates a new cluster in Layout.DataDir with password for
// the superuser. The directory must be absent or empty. The password reaches
// initdb only through a one-time file, which is destroyed before returning.
func (i *Initializer) InitializeCluster(ctx context.Context, password string) error {
	const op = "cluster.initialize"
	dataDir := i.Layout.DataDir
	i.setState(StateInitializing)

	if err := i.Layout.CheckBinaries("initdb"); err != nil {
		return i.fail(err)
	}
	in, err := Inspect(dataDir, 0)
	if err != nil {
		return i.fail(err)
	}
	if !in.State.Fresh() {
		return i.fail(fault.Newf(fault.Internal, op, "refusing to initialize over a %s data folder", in.State))
	}
	if err := ensureWritable(filepath.Dir(dataDir)); err != nil {
		return i.fail(fault.New(fault.PermissionDenied, op, "the data folder is not writable", err))
	}

	pwDir := i.Layout.ConfigDir
	if err := os.MkdirAll(pwDir, 0o700); err != nil {
		return i.fail(fault.New(fault.PermissionDenied, op, "cannot create the config folder", err))
	}
	pwFile, err := credential.OneTimePath(pwDir, ".pwfile-")
	if err != nil {
		return i.fail(err)
	}
	if err := credential.WriteOneTimeFile(pwFile, password); err != nil {
		return i.fail(err)
	}
	defer i.destroy(pwFile)

	// initdb must not be interrupted half-way; only its own bound applies.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), valOr(i.InitTimeout, DefaultInitTimeout))
	defer cancel()

	cmd := process.Command{
		Path: i.Layout.Binary("initdb"),
		Args: []string{
			"-D", dataDir,
			"-U", i.Superuser,
			"--pwfile=" + pwFile,
			"--auth=scram-sha-256",
			"--encoding=UTF8",
			"--locale=C",
		},
		Env: []string{"LC_ALL=C", "LANG=C"},
	}
	i.Logger.Info("initializing database cluster", "data_dir", dataDir)
	started := time.Now()
	res, err := i.Runner.Run(runCtx, cmd)
	if err != nil {
		return i.fail(fault.New(fault.InitProcessFailed, op, "the database setup program could not run", err))
	}
	if !res.OK() {
		i.Logger.Error("initdb failed", "exit_code", res.ExitCode, "output", res.Output)
		return i.fail(classifyToolFailure(op, "database setup", res))
	}
	i.Logger.Info("database cluster initialized", "data_dir", dataDir, "duration", time.Since(started))
	i.setState(StateClusterReady)
	return nil
}

// CreateDatabase creates the application database on the running server at
// port. An existing database counts as success.
func (i *Initializer) CreateDatabase(ctx context.Context, port int, password string) error {
	const op = "cluster.create_database"
	if err := i.Layout.CheckBinaries("createdb"); err != nil {
		return i.fail(err)
	}
	if err := os.MkdirAll(i.Layout.ConfigDir, 0o700); err != nil {
		return i.fail(fault.New(fault.PermissionDenied, op, "cannot create the config folder", err))
	}
	passFile, err := credential.OneTimePath(i.Layout.ConfigDir, ".pgpass-")
	if err != nil {
		return i.fail(err)
	}
	entry := fmt.Sprintf("127.0.0.1:%d:*:%s:%s\n", port, escapePgpass(i.Superuser), escapePgpass(password))
	if err := credential.WriteOneTimeFile(passFile, entry); err != nil {
		return i.fail(err)
	}
	defer i.destroy(passFile)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), valOr(i.CreateDBTimeout, DefaultCreateDBTimeout))
	defer cancel()

	cmd := process.Command{
		Path: i.Layout.Binary("createdb"),
		Args: []string{"-h", "127.0.0.1", "-p", strconv.Itoa(port), "-U", i.Superuser, "-w", "-E", "UTF8", i.Database},
		Env:  []string{"PGPASSFILE=" + passFile, "PGCONNECT_TIMEOUT=10"},
	}
	res, err := i.Runner.Run(runCtx, cmd)
	if err != nil {
		return i.fail(fault.New(fault.InitProcessFailed, op, "the database creation program could not run", err))
	}
	if !res.OK() {
		if strings.Contains(res.Output, "already exists") {
			i.Logger.Info("application database already exists", "database", i.Database)
			i.setState(StateDatabaseReady)
			return nil
		}
		i.Logger.Error("createdb failed", "exit_code", res.ExitCode, "output", res.Output)
		return i.fail(classifyToolFailure(op, "database creation", res))
	}
	i.Logger.Info("application database created", "database", i.Database)
	i.setState(StateDatabaseReady)
	return nil
}

// classifyToolFailure turns initdb/createdb output into a fault kind.
func classifyToolFailure(op, what string, res process.Result) error {
	out := res.Output
	switch {
	case strings.Contains(out, "No space left on device"), strings.Contains(out, "could not extend file"):
		return fault.Newf(fault.InitProcessFailed, op, "%s failed: the disk is full", what).
			WithFix("Free up disk space and restart the application.")
	case strings.Contains(out, "Permission denied"):
		return fault.Newf(fault.PermissionDenied, op, "%s failed: access to the data folder was denied", what)
	default:
		return fault.Newf(fault.InitProcessFailed, op, "%s failed (exit code %d): %s", what, res.ExitCode, lastLine(out))
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for j := len(lines) - 1; j >= 0; j-- {
		if l := strings.TrimSpace(lines[j]); l != "" {
			return l
		}
	}
	return "no output"
}

// ensureWritable creates dir if needed and proves a file can be created in it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// escapePgpass escapes ':' and '\' as required by the pgpass format.
func escapePgpass(s string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`).Replace(s)
}

func valOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
