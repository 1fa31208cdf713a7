//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func terminateProcess(pid int) error { return signal(pid, syscall.SIGTERM) }

func killProcess(pid int) error { return signal(pid, syscall.SIGKILL) }

// signal ignores ESRCH: a process that is already gone has stopped.
func signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists treats EPERM as alive: the pid belongs to someone we cannot signal.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
