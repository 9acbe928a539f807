package browserprocess

import (
	"runtime"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/chromium-session/env"
)

const stderrLogName = "chrome_stderr.log"

// ExecutablePath resolves the browser binary: the explicit path if valid,
// else the CHROME_BIN override from envLookup, else the platform default.
func ExecutablePath(explicit null.String, envLookup env.LookupFunc) string {
	if explicit.Valid && explicit.String != "" {
		return explicit.String
	}
	if envLookup != nil {
		if p, ok := env.ExecutablePath(envLookup); ok {
			return p
		}
	}
	return defaultExecutablePath(runtime.GOOS)
}

func defaultExecutablePath(goos string) string {
	switch goos {
	case "windows":
		return `C:\Program Files\Google\Chrome\Application\chrome.exe`
	case "darwin":
		return "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
	case "linux":
		return "/usr/bin/google-chrome"
	default:
		return "chrome"
	}
}

// buildArgs assembles the command line. Caller args come last so that they
// win over the defaults for flags Chromium reads last-one-wins.
func buildArgs(profileDir string, headless bool, extra []string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + profileDir,
		"--password-store=basic",
		"--no-first-run",
	}
	if headless {
		args = append(args, "--headless")
	}
	return append(args, extra...)
}
