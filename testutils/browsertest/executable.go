package browsertest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Executable writes a shell script standing in for the browser binary and
// returns its path. Tests using it are skipped on Windows.
func Executable(tb testing.TB, body string) string {
	tb.Helper()

	if runtime.GOOS == "windows" {
		tb.Skip("fake browser executables need a POSIX shell")
	}
	path := filepath.Join(tb.TempDir(), "fake-chrome")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700); err != nil { //nolint:gosec
		tb.Fatalf("writing fake executable: %v", err)
	}
	return path
}

// ListeningExecutable announces port the way Chromium does and keeps running.
func ListeningExecutable(tb testing.TB, port int) string {
	tb.Helper()
	return Executable(tb, listening(port))
}

// RecordingExecutable behaves like ListeningExecutable and also writes each
// of its arguments on its own line to argsFile.
func RecordingExecutable(tb testing.TB, port int, argsFile string) string {
	tb.Helper()
	return Executable(tb, fmt.Sprintf("printf '%%s\\n' \"$@\" > %q\n%s", argsFile, listening(port)))
}

// CrashingExecutable writes a startup error to stderr and exits with code.
func CrashingExecutable(tb testing.TB, code int) string {
	tb.Helper()
	return Executable(tb, fmt.Sprintf(
		"echo '[1019/101010.000000:ERROR:ozone_platform_x11.cc(247)] Missing X server or $DISPLAY' >&2\nexit %d",
		code))
}

// SilentExecutable keeps running without ever announcing a port.
func SilentExecutable(tb testing.TB) string {
	tb.Helper()
	return Executable(tb, "echo 'starting' >&2\nexec sleep 300")
}

func listening(port int) string {
	return fmt.Sprintf(
		"echo 'DevTools listening on ws://127.0.0.1:%d/devtools/browser/4c2d0f0e-fake' >&2\nexec sleep 300",
		port)
}
