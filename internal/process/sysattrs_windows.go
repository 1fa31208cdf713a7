//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
	DETACHED_PROCESS         = 0x00000008
	CREATE_NO_WINDOW         = 0x08000000
)

// configureSysProcAttr sets platform-specific attributes for Windows.
// The server always gets a new process group; when Detached it also drops
// the parent's console so closing the application window does not stop it.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	flags := uint32(CREATE_NEW_PROCESS_GROUP)
	if spec.Detached {
		flags |= DETACHED_PROCESS
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags, HideWindow: true}
}

// configureToolAttr keeps initdb, pg_ctl and schtasks from flashing console windows.
func configureToolAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NO_WINDOW, HideWindow: true}
}
