//go:build !windows

package main

import (
	"fmt"
	"os"
)

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// hasConsole reports whether stdout is connected to a terminal.
func hasConsole() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runAsService(_ func() (*monitorComponents, error)) error {
	return fmt.Errorf("Windows service mode is not available on this platform")
}
