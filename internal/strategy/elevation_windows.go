//go:build windows

package strategy

import "golang.org/x/sys/windows"

// IsRunningElevated reports whether the process token is elevated.
func IsRunningElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
