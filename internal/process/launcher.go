package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Launcher starts and signals OS processes. Platform differences live in the
// sysattrs_* and signal_* files; callers never branch on the OS.
type Launcher interface {
	Launch(spec Spec) (Handle, error)
	// Terminate asks the process to exit (SIGTERM on unix, TerminateProcess on windows).
	Terminate(pid int) error
	// Kill forces the process to exit.
	Kill(pid int) error
	Alive(pid int) bool
}

// OSLauncher is the Launcher for the running platform.
type OSLauncher struct {
	Logger *slog.Logger
}

// NewLauncher returns the platform launcher.
func NewLauncher(log *slog.Logger) *OSLauncher {
	if log == nil {
		log = slog.Default()
	}
	return &OSLauncher{Logger: log}
}

// Launch starts spec and returns once the process exists. Output is appended
// to spec.LogFile. The child is reaped in the background so it never lingers
// as a zombie while this process runs.
func (l *OSLauncher) Launch(spec Spec) (Handle, error) {
	cmd := spec.buildCommand(context.Background())
	configureSysProcAttr(cmd, spec)

	out, err := openLog(spec.LogFile)
	if err != nil {
		return Handle{}, fmt.Errorf("open log %s: %w", spec.LogFile, err)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return Handle{}, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	h := Handle{PID: cmd.Process.Pid, StartedAt: time.Now()}
	l.Logger.Debug("process launched", "name", spec.Name, "pid", h.PID, "detached", spec.Detached)

	go func() {
		err := cmd.Wait()
		_ = out.Close()
		l.Logger.Debug("process exited", "name", spec.Name, "pid", h.PID, "error", err)
	}()
	return h, nil
}

func (l *OSLauncher) Terminate(pid int) error { return terminateProcess(pid) }
func (l *OSLauncher) Kill(pid int) error      { return killProcess(pid) }
func (l *OSLauncher) Alive(pid int) bool      { return pid > 0 && processExists(pid) }

func openLog(path string) (io.WriteCloser, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
