// Package browserprocess launches a Chromium browser with an isolated,
// disposable profile and discovers the port of its remote debugging endpoint.
package browserprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/chromium-session/env"
	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/storage"
)

// terminateWait bounds how long Terminate waits for a killed process to be
// reaped before it gives up on it.
const terminateWait = 5 * time.Second

// LaunchOptions configure a browser launch.
type LaunchOptions struct {
	// ExecutablePath overrides CHROME_BIN and the platform default.
	ExecutablePath null.String
	// Args are appended after the default flags.
	Args     []string
	Headless bool
	// Debug logs the browser command line and its diagnostic output.
	Debug bool

	// TmpDir is where the profile directory is created, os.TempDir() if empty.
	TmpDir           string
	DiscoveryTimeout time.Duration
	PollInterval     time.Duration

	// EnvLookup defaults to the process environment.
	EnvLookup env.LookupFunc
}

// Process is a running browser owned by a single session. The session is
// responsible for calling Terminate on every exit path.
type Process struct {
	cmd        *exec.Cmd
	path       string
	port       int
	profileDir *storage.Dir
	logPath    string

	// done is closed once the OS process has been waited for, waitErr is
	// only read after that.
	done    chan struct{}
	waitErr error

	terminateOnce sync.Once
	terminateErr  error

	logger *log.Logger
}

// Launch spawns the browser and waits until it reports its control port.
// On failure nothing is left behind: the process is killed and its profile
// directory removed.
func Launch(ctx context.Context, opts *LaunchOptions, logger *log.Logger) (*Process, error) {
	if opts == nil {
		opts = &LaunchOptions{}
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	envLookup := opts.EnvLookup
	if envLookup == nil {
		envLookup = env.Lookup
	}

	path := ExecutablePath(opts.ExecutablePath, envLookup)
	p, err := start(path, opts, logger)
	if err != nil {
		return nil, err
	}

	port, err := DiscoverPort(ctx, p.logPath, p, opts.DiscoveryTimeout, opts.PollInterval)
	if err != nil {
		var derr *DiscoveryError
		if errors.As(err, &derr) {
			derr.ExecutablePath = path
			derr.ProfileDir = p.profileDir.Dir
			err = withDiscoveryHint(derr)
		}
		if terr := p.Terminate(); terr != nil {
			logger.Warnf("BrowserProcess:Launch", "cleaning up after failed launch: %v", terr)
		}
		return nil, err
	}
	p.port = port
	logger.Debugf("BrowserProcess:Launch", "pid:%d port:%d", p.Pid(), port)

	return p, nil
}

func start(path string, opts *LaunchOptions, logger *log.Logger) (*Process, error) {
	dataDir := &storage.Dir{}
	if err := dataDir.Make(opts.TmpDir, "chrome"); err != nil {
		return nil, fmt.Errorf("%w: creating the profile directory: %w", errext.ErrProcess, err)
	}

	logPath := dataDir.Join(stderrLogName)
	stderr, err := os.Create(logPath) //nolint:gosec
	if err != nil {
		_ = dataDir.Cleanup()
		return nil, fmt.Errorf("%w: creating %q: %w", errext.ErrProcess, logPath, err)
	}
	// the child has its own copy of the descriptor once started
	defer func() { _ = stderr.Close() }()

	args := buildArgs(dataDir.Dir, opts.Headless, opts.Args)
	cmd := exec.Command(path, args...) //nolint:gosec
	cmd.Stdout = nil
	cmd.Stderr = stderr
	killAfterParent(cmd)

	if opts.Debug {
		logger.Infof("BrowserProcess:start", "launching %q with %q", path, args)
	}

	if err := cmd.Start(); err != nil {
		_ = dataDir.Cleanup()
		return nil, fmt.Errorf("%w: starting %q: %w", errext.ErrProcess, path, err)
	}

	p := &Process{
		cmd:        cmd,
		path:       path,
		profileDir: dataDir,
		logPath:    logPath,
		done:       make(chan struct{}),
		logger:     logger,
	}
	register(logger, cmd.Process.Pid)

	go func() {
		p.waitErr = cmd.Wait()
		if p.waitErr != nil {
			logger.Debugf("BrowserProcess:wait", "pid:%d ended: %v", cmd.Process.Pid, p.waitErr)
		}
		close(p.done)
	}()

	return p, nil
}

// Pid returns the browser process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Port returns the discovered control port.
func (p *Process) Port() int {
	return p.port
}

// ExecutablePath returns the binary the process was started from.
func (p *Process) ExecutablePath() string {
	return p.path
}

// ProfileDir returns the disposable profile directory of the process.
func (p *Process) ProfileDir() string {
	return p.profileDir.Dir
}

// LogPath returns the file the browser writes its diagnostic output to.
func (p *Process) LogPath() string {
	return p.logPath
}

// Done is closed when the OS process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited and, if so, its status.
func (p *Process) Exited() (bool, string) {
	select {
	case <-p.done:
	default:
		return false, ""
	}
	if p.waitErr != nil {
		return true, p.waitErr.Error()
	}
	return true, p.cmd.ProcessState.String()
}

// Terminate kills the browser if it is still running, waits for it to be
// reaped and removes its profile directory. Failing to kill is not an error,
// the process may already be gone. It is safe to call more than once.
func (p *Process) Terminate() error {
	p.terminateOnce.Do(func() {
		pid := p.Pid()
		p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", pid)

		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debugf("BrowserProcess:Terminate", "pid:%d kill: %v", pid, err)
		}
		select {
		case <-p.done:
		case <-time.After(terminateWait):
			p.logger.Warnf("BrowserProcess:Terminate", "pid:%d still not reaped after %s", pid, terminateWait)
		}
		unregister(p.logger, pid)

		if err := p.profileDir.Cleanup(); err != nil {
			p.terminateErr = fmt.Errorf("%w: cleaning up the profile directory: %w", errext.ErrProcess, err)
		}
	})

	return p.terminateErr
}
