//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// KillPID sends SIGKILL to the process group led by pid and to pid itself.
// A process that is already gone is not an error.
func KillPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	_ = killGroup(pid, syscall.SIGKILL)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// killGroup sends sig to the process group led by pid.
func killGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
