package process

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/pgdesk/internal/env"
)

// Spec describes a long-running process to launch, such as the database server.
type Spec struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`     // absolute path to the executable
	Args     []string `json:"args"`     // arguments, never passed through a shell
	Env      []string `json:"env"`      // KEY=VALUE overrides on the parent environment, see env.Compose
	WorkDir  string   `json:"work_dir"` // optional working dir
	LogFile  string   `json:"log_file"` // stdout and stderr are appended here; discarded when empty
	Detached bool     `json:"detached"` // survive the parent: new session on unix, detached process on windows
}

// CommandLine renders the command as a single line for service definitions.
// Arguments containing spaces are double-quoted.
func (s Spec) CommandLine() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quote(s.Path))
	for _, a := range s.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

// buildCommand constructs an *exec.Cmd without a shell.
func (s Spec) buildCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204 -- path comes from the resolved install layout
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.Env = env.Compose(os.Environ(), s.Env)
	return cmd
}

// Handle identifies a launched server process. External marks a process
// owned by a service manager or scheduler, for which there is no local PID.
type Handle struct {
	PID       int
	External  bool
	StartedAt time.Time
}

// ExternalHandle returns the marker handle for externally managed processes.
func ExternalHandle() Handle { return Handle{External: true, StartedAt: time.Now()} }
