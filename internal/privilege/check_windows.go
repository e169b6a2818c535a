//go:build windows

package privilege

import "golang.org/x/sys/windows"

// IsElevated returns true if the process token is elevated.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
