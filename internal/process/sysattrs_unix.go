//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr sets platform-specific attributes for Unix-like systems.
// A detached server gets its own session so it outlives the application and
// never receives the terminal's signals. Otherwise it only gets a new group.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// configureToolAttr is a no-op on unix; tools inherit the caller's session.
func configureToolAttr(*exec.Cmd) {}
