/*
 *
 * chromium-session - drive Chromium over the DevTools protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	otel "go.opentelemetry.io/otel/trace"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/chromium-session/browserprocess"
	"github.com/grafana/chromium-session/cdp"
	"github.com/grafana/chromium-session/env"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/metrics"
	"github.com/grafana/chromium-session/trace"
)

const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultReapInterval    = time.Minute
	DefaultResolveAttempts = 10
	DefaultResolveDelay    = 500 * time.Millisecond
)

// SessionOptions configure a Session. The zero value launches a headful
// browser from CHROME_BIN or the platform default.
type SessionOptions struct {
	ExecutablePath null.String
	// Args are appended after the session defaults.
	Args     []string
	Headless bool
	Debug    bool
	TmpDir   string

	// IdleTimeout is how long the browser may stay unused before the
	// reaper tears it down, checked every ReapInterval.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	DiscoveryTimeout time.Duration
	DiscoveryPoll    time.Duration
	ResolveAttempts  int
	ResolveDelay     time.Duration
	// WaitPollInterval is how often pages re-evaluate wait predicates.
	WaitPollInterval time.Duration

	Clock          clock.Clock
	EnvLookup      env.LookupFunc
	Metrics        *metrics.Metrics
	TracerProvider otel.TracerProvider
}

func (o *SessionOptions) withDefaults() SessionOptions {
	opts := SessionOptions{}
	if o != nil {
		opts = *o
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.ResolveAttempts <= 0 {
		opts.ResolveAttempts = DefaultResolveAttempts
	}
	if opts.ResolveDelay <= 0 {
		opts.ResolveDelay = DefaultResolveDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.EnvLookup == nil {
		opts.EnvLookup = env.Lookup
	}
	return opts
}

// Session owns at most one browser at a time. The browser is launched on
// first use, reused while alive, and torn down after being idle for too
// long or when the session is closed.
type Session struct {
	opts   SessionOptions
	clock  clock.Clock
	tracer *trace.Tracer
	logger *log.Logger

	mu       sync.Mutex
	browser  *Browser
	lastUsed time.Time
	closed   bool

	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewSession returns a session and starts its idle reaper. No browser is
// launched until Acquire. The session must be closed with Close.
func NewSession(opts *SessionOptions, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	o := opts.withDefaults()

	var fieldLogger logrus.FieldLogger = logger.Logger
	if logger.Logger == nil {
		fieldLogger = log.NewNullLogger().Logger
	}

	s := &Session{
		opts:   o,
		clock:  o.Clock,
		tracer: trace.NewTracer(fieldLogger, o.TracerProvider, nil),
		logger: logger,
		stop:   make(chan struct{}),
	}
	s.lastUsed = s.clock.Now()

	// created here so that a mock clock sees it before Add is called
	ticker := s.clock.Ticker(o.ReapInterval)
	s.wg.Add(1)
	go s.reap(ticker)

	return s
}

// Acquire returns the session browser, launching one if there is none or
// the previous one died. Concurrent callers share a single launch.
func (s *Session) Acquire(ctx context.Context) (*Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	s.lastUsed = s.clock.Now()

	if s.browser != nil {
		if s.browser.isAlive() {
			return s.browser, nil
		}
		s.logger.Warnf("Session:Acquire", "browser pid:%d is gone, launching a new one", s.browser.Pid())
		if err := s.teardownLocked(); err != nil {
			s.logger.Debugf("Session:Acquire", "tearing down the dead browser: %v", err)
		}
	}

	b, err := s.launch(ctx)
	if err != nil {
		return nil, err
	}
	s.browser = b

	return b, nil
}

// NewPage opens a page in the session browser.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	b, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return b.NewPage(ctx)
}

// Active reports whether the session currently holds a browser.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil
}

// Close stops the reaper and tears down the browser. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.closeErr = s.teardownLocked()
	})
	return s.closeErr
}

func (s *Session) launch(ctx context.Context) (*Browser, error) {
	started := s.clock.Now()
	b, err := s.startBrowser(ctx)
	s.opts.Metrics.Launched(s.clock.Now().Sub(started).Seconds(), err != nil)
	return b, err
}

func (s *Session) startBrowser(ctx context.Context) (*Browser, error) {
	proc, err := browserprocess.Launch(ctx, &browserprocess.LaunchOptions{
		ExecutablePath:   s.opts.ExecutablePath,
		Args:             s.browserArgs(),
		Headless:         s.opts.Headless,
		Debug:            s.opts.Debug,
		TmpDir:           s.opts.TmpDir,
		DiscoveryTimeout: s.opts.DiscoveryTimeout,
		PollInterval:     s.opts.DiscoveryPoll,
		EnvLookup:        s.opts.EnvLookup,
	}, s.logger)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	wsURL, err := cdp.RetryResolve(ctx, proc.Port(), s.opts.ResolveAttempts, s.opts.ResolveDelay)
	if err != nil {
		s.terminate(proc)
		return nil, fmt.Errorf("resolving the browser endpoint on port %d: %w", proc.Port(), err)
	}

	client, err := cdp.Connect(ctx, wsURL, s.logger, cdp.WithMetrics(s.opts.Metrics))
	if err != nil {
		s.terminate(proc)
		return nil, err //nolint:wrapcheck
	}
	s.logger.Infof("Session:launch", "browser pid:%d ready at %q", proc.Pid(), wsURL)

	return newBrowser(proc, client, pageOptions{pollInterval: s.opts.WaitPollInterval}, s.tracer, s.logger), nil
}

// browserArgs returns the session defaults followed by the caller args.
func (s *Session) browserArgs() []string {
	args := []string{"--disable-blink-features=AutomationControlled"}
	if env.IsCI(s.opts.EnvLookup) {
		args = append(args, "--disable-gpu", "--no-sandbox", "--disable-setuid-sandbox")
	}
	return append(args, s.opts.Args...)
}

func (s *Session) terminate(proc *browserprocess.Process) {
	if err := proc.Terminate(); err != nil {
		s.logger.Warnf("Session:launch", "cleaning up pid:%d: %v", proc.Pid(), err)
	}
}

func (s *Session) reap(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Session) reapIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return
	}
	idle := s.clock.Now().Sub(s.lastUsed)
	if idle <= s.opts.IdleTimeout {
		return
	}

	s.logger.Infof("Session:reap", "browser pid:%d idle for %s, shutting it down", s.browser.Pid(), idle)
	if err := s.teardownLocked(); err != nil {
		s.logger.Warnf("Session:reap", "%v", err)
	}
	s.opts.Metrics.Reaped()
}

// teardownLocked closes and forgets the browser. The caller holds s.mu.
func (s *Session) teardownLocked() error {
	b := s.browser
	if b == nil {
		return nil
	}
	s.browser = nil
	return b.close()
}
