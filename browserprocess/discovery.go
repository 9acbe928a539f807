package browserprocess

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/chromium-session/errext"
)

const (
	// DefaultDiscoveryTimeout bounds how long Launch waits for the browser
	// to report its control port.
	DefaultDiscoveryTimeout = 30 * time.Second
	// DefaultPollInterval is the delay between two reads of the browser log.
	DefaultPollInterval = 100 * time.Millisecond

	listeningMarker = "DevTools listening on"
	hostMarker      = "127.0.0.1:"
	unreadableLog   = "(unreadable)"

	discoveryHint = "if running in CI, ensure Chrome/Chromium is installed; " +
		"try setting the CHROME_BIN environment variable; " +
		"for Linux CI, add the --no-sandbox flag"
)

// ExitReporter reports whether a process has exited, and how.
type ExitReporter interface {
	Exited() (exited bool, status string)
}

// DiscoveryError is returned when the browser didn't report its control
// port. It carries everything needed to tell a slow start from a crash on
// launch without re-running in debug mode.
type DiscoveryError struct {
	OS             string
	Arch           string
	ExecutablePath string
	ProfileDir     string
	// Log is the full browser diagnostic output, or "(unreadable)".
	Log     string
	Timeout time.Duration

	// Exited is true when the process ended before a port was found.
	Exited     bool
	ExitStatus string
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Chrome Browser Launch Failure ===\n")
	fmt.Fprintf(&b, "OS: %s %s\n", e.OS, e.Arch)
	fmt.Fprintf(&b, "Chrome Executable: %q\n", e.ExecutablePath)
	fmt.Fprintf(&b, "User Data Dir: %q\n", e.ProfileDir)
	fmt.Fprintf(&b, "=== Chrome stderr ===\n%s\n=== End of stderr ===\n\n", e.Log)
	if e.Exited {
		fmt.Fprintf(&b, "Chrome process exited early with status: %s", e.ExitStatus)
	} else {
		fmt.Fprintf(&b, "Chrome process is still running but debugging port was not found after %s.", e.Timeout)
	}
	return b.String()
}

// Unwrap makes DiscoveryError match errext.ErrDiscovery.
func (e *DiscoveryError) Unwrap() error { return errext.ErrDiscovery }

// DiscoverPort polls the browser diagnostic log at logPath every interval
// until a "DevTools listening on" line shows up, and returns the port from
// it. It gives up after timeout, or as soon as proc reports an exit.
func DiscoverPort(
	ctx context.Context, logPath string, proc ExitReporter, timeout, interval time.Duration,
) (int, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if port, ok := scanLog(logPath); ok {
			return port, nil
		}
		if exited, status := proc.Exited(); exited {
			// the line may have been written right before the exit
			if port, ok := scanLog(logPath); ok {
				return port, nil
			}
			return 0, newDiscoveryError(logPath, timeout, true, status)
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: waiting for the DevTools port: %w", errext.ErrDiscovery, ctx.Err())
		case <-deadline.C:
			if port, ok := scanLog(logPath); ok {
				return port, nil
			}
			exited, status := proc.Exited()
			return 0, newDiscoveryError(logPath, timeout, exited, status)
		case <-ticker.C:
		}
	}
}

func newDiscoveryError(logPath string, timeout time.Duration, exited bool, status string) *DiscoveryError {
	content := unreadableLog
	if b, err := os.ReadFile(logPath); err == nil { //nolint:gosec
		content = string(b)
	}
	return &DiscoveryError{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Log:        content,
		Timeout:    timeout,
		Exited:     exited,
		ExitStatus: status,
	}
}

func scanLog(logPath string) (int, bool) {
	b, err := os.ReadFile(logPath) //nolint:gosec
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(b), "\n") {
		if port, ok := ParsePort(line); ok {
			return port, true
		}
	}
	return 0, false
}

// ParsePort extracts the control port from a browser log line such as
// "DevTools listening on ws://127.0.0.1:9222/devtools/browser/<id>".
func ParsePort(line string) (int, bool) {
	i := strings.Index(line, listeningMarker)
	if i < 0 {
		return 0, false
	}
	rest := line[i+len(listeningMarker):]
	h := strings.Index(rest, hostMarker)
	if h < 0 {
		return 0, false
	}
	tok := rest[h+len(hostMarker):]
	// a line without the path may still be being written
	slash := strings.IndexByte(tok, '/')
	if slash < 0 {
		return 0, false
	}
	port, err := strconv.ParseUint(tok[:slash], 10, 16)
	if err != nil {
		return 0, false
	}
	return int(port), true
}

// withDiscoveryHint attaches troubleshooting steps to discovery failures.
func withDiscoveryHint(err error) error {
	return errext.WithHint(err, discoveryHint)
}
