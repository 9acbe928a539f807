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

// Package common ties a browser process and its command multiplexer
// together, manages their lifetime in a Session, and drives pages.
package common

import (
	"fmt"

	"github.com/grafana/chromium-session/errext"
)

var (
	// ErrSessionClosed is returned by a Session after Close.
	ErrSessionClosed = fmt.Errorf("%w: session closed", errext.ErrProcess)
	// ErrBrowserClosed is returned for operations on a torn down browser.
	ErrBrowserClosed = fmt.Errorf("%w: browser closed", errext.ErrTransport)
)

// ScriptError is an exception thrown by a script evaluated in a page.
type ScriptError struct {
	Line    int64
	Column  int64
	Message string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("JavaScript execution error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Unwrap makes ScriptError match errext.ErrScript.
func (e *ScriptError) Unwrap() error { return errext.ErrScript }
