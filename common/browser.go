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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grafana/chromium-session/cdp"
	"github.com/grafana/chromium-session/cdp/domains"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/trace"
)

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// browserProcess is the part of *browserprocess.Process a Browser needs.
type browserProcess interface {
	Pid() int
	Port() int
	Exited() (bool, string)
	Terminate() error
}

// Browser is a running browser process paired with the command multiplexer
// connected to its browser target. It is owned by a Session.
type Browser struct {
	state int64

	proc   browserProcess
	client *cdp.Client

	browser domains.Browser
	target  domains.Target

	pagesMu     sync.Mutex
	pages       map[string]*Page
	pagesClosed bool

	pageOpts pageOptions
	tracer   *trace.Tracer
	logger   *log.Logger
}

func newBrowser(
	proc browserProcess, client *cdp.Client, pageOpts pageOptions, tracer *trace.Tracer, logger *log.Logger,
) *Browser {
	return &Browser{
		state:    BrowserStateOpen,
		proc:     proc,
		client:   client,
		browser:  domains.NewBrowser(client),
		target:   domains.NewTarget(client),
		pages:    make(map[string]*Page),
		pageOpts: pageOpts,
		tracer:   tracer,
		logger:   logger,
	}
}

// Client returns the multiplexer connected to the browser target.
func (b *Browser) Client() *cdp.Client {
	return b.client
}

// Pid returns the browser process ID.
func (b *Browser) Pid() int {
	return b.proc.Pid()
}

// Port returns the control port of the browser.
func (b *Browser) Port() int {
	return b.proc.Port()
}

// IsConnected reports whether the browser is open and its connection alive.
func (b *Browser) IsConnected() bool {
	return atomic.LoadInt64(&b.state) == BrowserStateOpen && b.client.IsConnected()
}

// isAlive also checks that the process is still running.
func (b *Browser) isAlive() bool {
	if !b.IsConnected() {
		return false
	}
	exited, _ := b.proc.Exited()
	return !exited
}

// Version returns the browser version information.
func (b *Browser) Version(ctx context.Context) (domains.Version, error) {
	if !b.IsConnected() {
		return domains.Version{}, ErrBrowserClosed
	}
	return b.browser.GetVersion(ctx) //nolint:wrapcheck
}

// UserAgent returns the default user agent of the browser.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	v, err := b.Version(ctx)
	if err != nil {
		return "", err
	}
	return v.UserAgent, nil
}

// Targets lists the page targets open in the browser.
func (b *Browser) Targets(ctx context.Context) ([]domains.TargetInfo, error) {
	if !b.IsConnected() {
		return nil, ErrBrowserClosed
	}
	targets, err := b.target.GetTargets(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	pages := targets[:0]
	for _, t := range targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// NewPage opens a new page target and connects to it.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	if !b.IsConnected() {
		return nil, ErrBrowserClosed
	}

	wsURL, err := cdp.CreatePage(ctx, b.Port())
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	p, err := newPage(ctx, b, wsURL)
	if err != nil {
		return nil, err
	}

	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	if b.pagesClosed {
		p.disconnect()
		return nil, ErrBrowserClosed
	}
	b.pages[p.targetID] = p

	return p, nil
}

func (b *Browser) forgetPage(targetID string) {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	delete(b.pages, targetID)
}

// close disconnects every page and the browser target, then terminates the
// process. Pages still held by callers fail from then on.
func (b *Browser) close() error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:close", "already closing")
		return nil
	}
	b.logger.Debugf("Browser:close", "pid:%d", b.Pid())

	b.pagesMu.Lock()
	b.pagesClosed = true
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	b.pages = make(map[string]*Page)
	b.pagesMu.Unlock()

	for _, p := range pages {
		p.disconnect()
	}

	var errs []error
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.proc.Terminate(); err != nil {
		errs = append(errs, err)
	}
	atomic.StoreInt64(&b.state, BrowserStateClosed)

	return errors.Join(errs...)
}
