package cdp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/grafana/chromium-session/errext"
)

const maxEndpointBody = 1 << 20

// ErrDebuggerURLMissing is returned when a discovery endpoint answers
// without a webSocketDebuggerUrl.
var ErrDebuggerURLMissing = fmt.Errorf("%w: webSocketDebuggerUrl missing", errext.ErrProtocol)

// StatusError is returned when a discovery endpoint answers with a non-2xx
// status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// Unwrap makes StatusError match errext.ErrTransport.
func (e *StatusError) Unwrap() error { return errext.ErrTransport }

// ResolveEndpoint asks the browser listening on the local port for the
// websocket address of its browser target.
func ResolveEndpoint(ctx context.Context, port int) (string, error) {
	return debuggerURL(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/json/version", port))
}

// RetryResolve calls ResolveEndpoint up to attempts times, delay apart, and
// returns the last error if none succeeded.
func RetryResolve(ctx context.Context, port, attempts int, delay time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", fmt.Errorf("%w: resolving the endpoint: %w (last error: %v)",
					errext.ErrTransport, ctx.Err(), lastErr)
			case <-t.C:
			}
		}
		wsURL, err := ResolveEndpoint(ctx, port)
		if err == nil {
			return wsURL, nil
		}
		lastErr = err
	}

	return "", lastErr
}

// CreatePage opens a new page target in the browser listening on the local
// port and returns its websocket address.
func CreatePage(ctx context.Context, port int) (string, error) {
	return debuggerURL(ctx, http.MethodPut, fmt.Sprintf("http://127.0.0.1:%d/json/new", port))
}

func debuggerURL(ctx context.Context, method, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: building request for %s: %w", errext.ErrTransport, url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s %s: %w", errext.ErrTransport, method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEndpointBody))
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", errext.ErrTransport, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: %s returned malformed JSON: %q", errext.ErrSerialization, url, body)
	}

	wsURL := gjson.GetBytes(body, "webSocketDebuggerUrl")
	if wsURL.Type != gjson.String || wsURL.String() == "" {
		return "", fmt.Errorf("%s: %w in %s", url, ErrDebuggerURLMissing, body)
	}
	return wsURL.String(), nil
}
