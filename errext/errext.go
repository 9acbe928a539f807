// Package errext defines the error families returned by the session layer
// and helpers to attach operator hints to them.
package errext

import "errors"

// Error families. Every error returned by this module matches exactly one of
// them with errors.Is.
var (
	// ErrProcess is an OS level failure spawning or terminating the browser.
	ErrProcess = errors.New("browser process error")
	// ErrDiscovery means the control port never showed up in the browser output.
	ErrDiscovery = errors.New("browser port discovery error")
	// ErrTransport is a connection, read or write failure, or a closed channel.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is an error reported by the browser, or a required field
	// absent from one of its responses.
	ErrProtocol = errors.New("protocol error")
	// ErrSerialization is a malformed structured payload.
	ErrSerialization = errors.New("serialization error")
	// ErrScript is raised when an evaluated script throws.
	ErrScript = errors.New("script error")
)
