//go:build !windows

package common

import (
	"errors"
	"syscall"
)

func processRunning(pid int) bool {
	return !errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}
