//go:build windows

package process

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// Windows has no SIGTERM for console-less processes; graceful stop goes
// through pg_ctl, so both terminate and kill end in TerminateProcess.
func terminateProcess(pid int) error { return killProcess(pid) }

func killProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// The process most likely exited between the check and the call.
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}

func processExists(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
