package cluster

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/paths"
	"github.com/loykin/pgdesk/internal/process"
)

// fakeRunner records invocations and plays initdb/createdb.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []process.Command
	seenPw   string
	exitCode int
	output   string
}

func (f *fakeRunner) Run(_ context.Context, c process.Command) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	switch filepath.Base(c.Path) {
	case "initdb", "initdb.exe":
		var dataDir string
		for i, a := range c.Args {
			if a == "-D" {
				dataDir = c.Args[i+1]
			}
			if pw, ok := strings.CutPrefix(a, "--pwfile="); ok {
				b, _ := os.ReadFile(pw)
				f.seenPw = string(b)
			}
		}
		if f.exitCode != 0 {
			return process.Result{ExitCode: f.exitCode, Output: f.output}, nil
		}
		writeCluster(nil, dataDir, "16")
	case "createdb", "createdb.exe":
		for _, e := range c.Env {
			if p, ok := strings.CutPrefix(e, "PGPASSFILE="); ok {
				b, _ := os.ReadFile(p)
				f.seenPw = string(b)
			}
		}
		if f.exitCode != 0 {
			return process.Result{ExitCode: f.exitCode, Output: f.output}, nil
		}
	}
	return process.Result{}, nil
}

// writeCluster lays down the marker files initdb would produce.
func writeCluster(t *testing.T, dir, version string) {
	must := func(err error) {
		if err != nil && t != nil {
			t.Fatal(err)
		}
	}
	must(os.MkdirAll(filepath.Join(dir, "global"), 0o700))
	must(os.MkdirAll(filepath.Join(dir, "base"), 0o700))
	must(os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte(version+"\n"), 0o600))
	must(os.WriteFile(filepath.Join(dir, "global", "pg_control"), make([]byte, pgControlSize), 0o600))
	must(os.WriteFile(filepath.Join(dir, "postgresql.conf"), []byte("# conf\n"), 0o600))
}

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	root := t.TempDir()
	l, err := paths.Resolve(paths.Env{GOOS: "linux", InstallRoot: filepath.Join(root, "app"), DataRoot: filepath.Join(root, "user")})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(l.BinDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, b := range []string{"initdb", "createdb"} {
		if err := os.WriteFile(l.Binary(b), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func leftoverSecrets(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	for _, pat := range []string{".pwfile-*", ".pgpass-*"} {
		m, _ := filepath.Glob(filepath.Join(dir, pat))
		out = append(out, m...)
	}
	return out
}

func TestInitializeClusterSuccess(t *testing.T) {
	l := testLayout(t)
	r := &fakeRunner{}
	in := NewInitializer(l, "postgres", "pos", r, nil)

	if err := in.InitializeCluster(context.Background(), "Pw123"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if in.State() != StateClusterReady {
		t.Fatalf("state = %s", in.State())
	}
	if r.seenPw != "Pw123" {
		t.Fatalf("initdb read %q from the password file", r.seenPw)
	}
	for _, a := range r.calls[0].Args {
		if strings.Contains(a, "Pw123") {
			t.Fatalf("password leaked into argv: %v", r.calls[0].Args)
		}
	}
	if left := leftoverSecrets(t, l.ConfigDir); len(left) != 0 {
		t.Fatalf("one-time files left behind: %v", left)
	}
	if err := in.CleanupError(); err != nil {
		t.Fatalf("cleanup error after a clean run: %v", err)
	}
	got, err := Inspect(l.DataDir, 16)
	if err != nil || got.State != Initialized {
		t.Fatalf("inspect after init: %+v, %v", got, err)
	}
}

func TestInitializeClusterFailureRemovesPasswordFile(t *testing.T) {
	l := testLayout(t)
	r := &fakeRunner{exitCode: 1, output: "initdb: error: could not write file: No space left on device\n"}
	in := NewInitializer(l, "postgres", "pos", r, nil)

	err := in.InitializeCluster(context.Background(), "Pw123")
	if !fault.Is(err, fault.InitProcessFailed) {
		t.Fatalf("expected INIT_PROCESS_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk is full") {
		t.Fatalf("disk-full case not named: %v", err)
	}
	if in.State() != StateInitFailed {
		t.Fatalf("state = %s", in.State())
	}
	if left := leftoverSecrets(t, l.ConfigDir); len(left) != 0 {
		t.Fatalf("one-time files left behind: %v", left)
	}
}

func TestInitializeClusterPermissionDenied(t *testing.T) {
	l := testLayout(t)
	r := &fakeRunner{exitCode: 1, output: "initdb: error: could not create directory: Permission denied\n"}
	err := NewInitializer(l, "postgres", "pos", r, nil).InitializeCluster(context.Background(), "x")
	if !fault.Is(err, fault.PermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestInitializeClusterMissingBinary(t *testing.T) {
	l := testLayout(t)
	if err := os.Remove(l.Binary("initdb")); err != nil {
		t.Fatal(err)
	}
	r := &fakeRunner{}
	err := NewInitializer(l, "postgres", "pos", r, nil).InitializeCluster(context.Background(), "x")
	if !fault.Is(err, fault.BinaryNotFound) {
		t.Fatalf("expected BINARY_NOT_FOUND, got %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatal("runner invoked without a binary")
	}
}

func TestInitializeClusterRefusesExistingData(t *testing.T) {
	l := testLayout(t)
	writeCluster(t, l.DataDir, "16")
	r := &fakeRunner{}
	if err := NewInitializer(l, "postgres", "pos", r, nil).InitializeCluster(context.Background(), "x"); err == nil {
		t.Fatal("initialized over existing data")
	}
	if len(r.calls) != 0 {
		t.Fatal("initdb invoked over existing data")
	}
}

func TestCreateDatabase(t *testing.T) {
	l := testLayout(t)
	r := &fakeRunner{}
	in := NewInitializer(l, "postgres", "pos", r, nil)
	if err := in.CreateDatabase(context.Background(), 54329, "Pw:1"); err != nil {
		t.Fatalf("createdb: %v", err)
	}
	if in.State() != StateDatabaseReady {
		t.Fatalf("state = %s", in.State())
	}
	if r.seenPw != "127.0.0.1:54329:*:postgres:Pw\\:1\n" {
		t.Fatalf("pgpass entry = %q", r.seenPw)
	}
	args := strings.Join(r.calls[0].Args, " ")
	if !strings.Contains(args, "-p 54329") || !strings.HasSuffix(args, "pos") {
		t.Fatalf("args = %s", args)
	}
	if left := leftoverSecrets(t, l.ConfigDir); len(left) != 0 {
		t.Fatalf("one-time files left behind: %v", left)
	}

	r.exitCode, r.output = 1, `createdb: error: database creation failed: ERROR:  database "pos" already exists`
	if err := in.CreateDatabase(context.Background(), 54329, "x"); err != nil {
		t.Fatalf("existing database must count as success: %v", err)
	}
}

func TestInspectStates(t *testing.T) {
	base := t.TempDir()
	dir := func(name string) string { return filepath.Join(base, name) }

	tests := []struct {
		name   string
		setup  func(d string)
		expect State
	}{
		{"absent", func(string) {}, Absent},
		{"empty", func(d string) { _ = os.MkdirAll(d, 0o700) }, Empty},
		{"stray files", func(d string) {
			_ = os.MkdirAll(d, 0o700)
			_ = os.WriteFile(filepath.Join(d, "notes.txt"), nil, 0o600)
		}, Uninitialized},
		{"initialized", func(d string) { writeCluster(t, d, "16") }, Initialized},
		{"missing PG_VERSION", func(d string) {
			writeCluster(t, d, "16")
			_ = os.Remove(filepath.Join(d, "PG_VERSION"))
		}, Corrupt},
		{"truncated pg_control", func(d string) {
			writeCluster(t, d, "16")
			_ = os.WriteFile(filepath.Join(d, "global", "pg_control"), []byte("short"), 0o600)
		}, Corrupt},
		{"garbage PG_VERSION", func(d string) { writeCluster(t, d, "sixteen") }, Corrupt},
		{"version mismatch", func(d string) { writeCluster(t, d, "15") }, Corrupt},
		{"missing conf", func(d string) {
			writeCluster(t, d, "16")
			_ = os.Remove(filepath.Join(d, "postgresql.conf"))
		}, Corrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dir(strings.ReplaceAll(tt.name, " ", "_"))
			tt.setup(d)
			got, err := Inspect(d, 16)
			if err != nil {
				t.Fatalf("inspect: %v", err)
			}
			if got.State != tt.expect {
				t.Fatalf("state = %s (%s), want %s", got.State, got.Detail, tt.expect)
			}
			if tt.expect == Corrupt && got.Detail == "" {
				t.Fatal("corrupt without detail")
			}
		})
	}
}

func TestMoveAside(t *testing.T) {
	base := t.TempDir()
	d := filepath.Join(base, "data")
	writeCluster(t, d, "16")
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	moved, err := MoveAside(d, now)
	if err != nil {
		t.Fatalf("move aside: %v", err)
	}
	if moved != d+".corrupt-20261018T090000Z" {
		t.Fatalf("moved to %s", moved)
	}
	if _, err := os.Stat(filepath.Join(moved, "PG_VERSION")); err != nil {
		t.Fatal("data not preserved")
	}
	if _, err := os.Stat(d); !os.IsNotExist(err) {
		t.Fatal("original still present")
	}

	writeCluster(t, d, "16")
	if next := AsidePath(d, now); next != moved+"-2" {
		t.Fatalf("aside path = %s", next)
	}
	second, err := MoveAside(d, now)
	if err != nil || second != moved+"-2" {
		t.Fatalf("second move = %s, %v", second, err)
	}
}
