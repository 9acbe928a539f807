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
	"path"
	"strings"
	"time"

	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/grafana/chromium-session/cdp"
	"github.com/grafana/chromium-session/cdp/domains"
	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/trace"
)

// DefaultWaitPollInterval is how often WaitForCondition re-evaluates its
// predicate.
const DefaultWaitPollInterval = 500 * time.Millisecond

var jsonNull = easyjson.RawMessage("null")

type pageOptions struct {
	pollInterval time.Duration
}

// Page drives a single page target over its own connection.
type Page struct {
	targetID string
	browser  *Browser
	client   *cdp.Client

	page    domains.Page
	runtime domains.Runtime

	pollInterval time.Duration
	tracer       *trace.Tracer
	logger       *log.Logger
}

func newPage(ctx context.Context, b *Browser, wsURL string) (*Page, error) {
	client, err := cdp.Connect(ctx, wsURL, b.logger, cdp.WithMetrics(b.client.Metrics()))
	if err != nil {
		return nil, fmt.Errorf("connecting to page: %w", err)
	}

	p := &Page{
		targetID:     path.Base(wsURL),
		browser:      b,
		client:       client,
		page:         domains.NewPage(client),
		runtime:      domains.NewRuntime(client),
		pollInterval: b.pageOpts.pollInterval,
		tracer:       b.tracer,
		logger:       b.logger,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultWaitPollInterval
	}

	if err := p.page.Enable(ctx); err != nil {
		_ = client.Close()
		return nil, err //nolint:wrapcheck
	}
	if err := p.runtime.Enable(ctx); err != nil {
		_ = client.Close()
		return nil, err //nolint:wrapcheck
	}
	p.logger.Debugf("Page:new", "targetID:%s", p.targetID)

	return p, nil
}

// TargetID returns the id of the page target.
func (p *Page) TargetID() string {
	return p.targetID
}

// Client returns the multiplexer connected to the page target.
func (p *Page) Client() *cdp.Client {
	return p.client
}

// Navigate loads url in the page.
func (p *Page) Navigate(ctx context.Context, url string) (err error) {
	p.logger.Debugf("Page:Navigate", "targetID:%s url:%q", p.targetID, url)

	ctx, _ = p.tracer.TraceNavigation(ctx, p.targetID, url)
	ctx, span := p.tracer.TraceAPICall(ctx, p.targetID, "page.navigate")
	defer func() {
		trace.Fail(span, err)
		span.End()
	}()

	if _, err := p.page.Navigate(ctx, url); err != nil {
		return err //nolint:wrapcheck
	}
	return nil
}

// Evaluate runs script in the page and returns its result as JSON. A
// returned promise is awaited. An exception thrown by the script is
// returned as a *ScriptError.
func (p *Page) Evaluate(ctx context.Context, script string) (_ easyjson.RawMessage, err error) {
	ctx, span := p.tracer.TraceAPICall(ctx, p.targetID, "page.evaluate")
	defer func() {
		trace.Fail(span, err)
		span.End()
	}()

	return p.evaluate(ctx, script)
}

func (p *Page) evaluate(ctx context.Context, script string) (easyjson.RawMessage, error) {
	result, exc, err := p.runtime.Evaluate(ctx, script)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if exc != nil {
		msg := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			msg = exc.Exception.Description
		}
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &ScriptError{Line: exc.LineNumber, Column: exc.ColumnNumber, Message: msg}
	}
	if result == nil || len(result.Value) == 0 {
		return jsonNull, nil
	}
	return result.Value, nil
}

// WaitForCondition evaluates predicate every poll interval until it returns
// true or timeout elapses. Only a JSON true counts, truthy values don't.
func (p *Page) WaitForCondition(ctx context.Context, predicate string, timeout time.Duration) (_ bool, err error) {
	ctx, span := p.tracer.TraceAPICall(ctx, p.targetID, "page.waitForCondition")
	defer func() {
		trace.Fail(span, err)
		span.End()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		res, err := p.evaluate(ctx, predicate)
		if err != nil {
			return false, err
		}
		if gjson.ParseBytes(res).Type == gjson.True {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w: waiting for condition: %w", errext.ErrTransport, ctx.Err())
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

// WaitForSelector waits until an element matches selector.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	return p.WaitForCondition(ctx, selectorPredicate(selector), timeout)
}

func selectorPredicate(selector string) string {
	return `!!document.querySelector("` + strings.ReplaceAll(selector, `"`, `\"`) + `")`
}

// SnapshotHTML returns the serialized document.
func (p *Page) SnapshotHTML(ctx context.Context) (_ string, err error) {
	ctx, span := p.tracer.TraceAPICall(ctx, p.targetID, "page.snapshotHTML")
	defer func() {
		trace.Fail(span, err)
		span.End()
	}()

	res, err := p.evaluate(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return "", err
	}
	v := gjson.ParseBytes(res)
	if v.Type != gjson.String {
		return "", fmt.Errorf("%w: getting HTML: JavaScript result was not a string: %s",
			errext.ErrSerialization, res)
	}
	return v.String(), nil
}

// Close closes the page target and its connection.
func (p *Page) Close(ctx context.Context) (err error) {
	ctx, span := p.tracer.TraceAPICall(ctx, p.targetID, "page.close")
	defer func() {
		trace.Fail(span, err)
		span.End()
	}()

	err = p.page.Close(ctx)
	p.disconnect()
	p.browser.forgetPage(p.targetID)

	return err //nolint:wrapcheck
}

// disconnect closes the page connection without closing the target.
func (p *Page) disconnect() {
	p.tracer.EndNavigation(p.targetID)
	if err := p.client.Close(); err != nil {
		p.logger.Debugf("Page:disconnect", "targetID:%s %v", p.targetID, err)
	}
}
