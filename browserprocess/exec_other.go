//go:build !linux

package browserprocess

import "os/exec"

func killAfterParent(cmd *exec.Cmd) {}
