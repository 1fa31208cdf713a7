//go:build !windows

package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecRunnerExitCodeAndOutput(t *testing.T) {
	r := ExecRunner{}
	res, err := r.Run(context.Background(), Command{Path: "/bin/sh", Args: []string{"-c", "echo out; echo err 1>&2; exit 3"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 || res.OK() {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("combined output missing streams: %q", res.Output)
	}
}

func TestExecRunnerEnvAndMissingBinary(t *testing.T) {
	r := ExecRunner{}
	res, err := r.Run(context.Background(), Command{Path: "/bin/sh", Args: []string{"-c", "printf %s \"$PGDESK_T\""}, Env: []string{"PGDESK_T=42"}})
	if err != nil || res.Output != "42" {
		t.Fatalf("env not passed: %q, %v", res.Output, err)
	}
	if _, err := r.Run(context.Background(), Command{Path: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Fatal("missing binary must be an error, not an exit code")
	}
}

func TestExecRunnerContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ExecRunner{}.Run(ctx, Command{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestLauncherDetachedLifecycle(t *testing.T) {
	log := filepath.Join(t.TempDir(), "logs", "server.log")
	l := NewLauncher(nil)
	h, err := l.Launch(Spec{Name: "sleeper", Path: "/bin/sh", Args: []string{"-c", "echo booted; sleep 30"}, LogFile: log, Detached: true})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if h.PID <= 0 || h.External {
		t.Fatalf("bad handle %+v", h)
	}
	if !l.Alive(h.PID) {
		t.Fatal("launched process not alive")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		b, _ := os.ReadFile(log)
		if strings.Contains(string(b), "booted") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log not written: %q", b)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := l.Kill(h.PID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for l.Alive(h.PID) {
		if time.Now().After(deadline) {
			t.Fatal("process still alive after kill")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := l.Kill(h.PID); err != nil {
		t.Fatalf("killing a gone process must succeed: %v", err)
	}
}

func TestCommandLineQuoting(t *testing.T) {
	s := Spec{Path: "/opt/Pos Desk/bin/postgres", Args: []string{"-D", "/data dir", "-p", "54329"}}
	want := `"/opt/Pos Desk/bin/postgres" -D "/data dir" -p 54329`
	if got := s.CommandLine(); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
