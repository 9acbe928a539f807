//go:build linux

package browserprocess

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the kernel kill the browser if its parent goes away
// without terminating it.
func killAfterParent(cmd *exec.Cmd) {
	// Pdeathsig follows the spawning OS thread, not the whole process, so a
	// thread exiting while the Go process lives on also kills the browser.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
