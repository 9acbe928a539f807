//go:build windows

package common

// Session tests skip on windows, see browsertest.Executable.
func processRunning(int) bool { return false }
