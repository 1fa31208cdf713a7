//go:build !windows

package strategy

import "golang.org/x/sys/unix"

// IsRunningElevated reports whether the process runs as root.
func IsRunningElevated() bool { return unix.Geteuid() == 0 }
