//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// The monitored utilities only exist on Windows; off Windows the executor
// runs whatever the tests hand it, in its own group so a timeout reaps
// grandchildren too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return cmd.Process.Kill()
}
