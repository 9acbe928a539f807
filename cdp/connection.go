package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"

	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
)

const (
	handshakeTimeout = 10 * time.Second
	wsBufferSize     = 1 << 20
	closeWait        = time.Second
)

// connection is the websocket carrying CDP messages to one target. Only the
// writer goroutine of a Client writes data messages to it.
type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger
	bufs   *bpool.BufferPool

	closeOnce sync.Once
	closeErr  error
}

func dial(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := wd.DialContext(ctx, wsURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %q: %w", errext.ErrTransport, wsURL, err)
	}

	return &connection{
		ws:     ws,
		wsURL:  wsURL,
		logger: logger,
		bufs:   bpool.NewBufferPool(32),
	}, nil
}

// writeMessage encodes msg and sends it as a single text frame.
func (c *connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("%w: encoding %s: %w", errext.ErrSerialization, msg.Method, err)
	}

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	if _, err := encoder.DumpTo(buf); err != nil {
		return fmt.Errorf("%w: encoding %s: %w", errext.ErrSerialization, msg.Method, err)
	}

	c.logger.Tracef("cdp:send", "wsURL:%q -> %s", c.wsURL, buf.Bytes())

	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: writing %s: %w", errext.ErrTransport, msg.Method, err)
	}
	return nil
}

// readMessage blocks until the next data frame arrives.
func (c *connection) readMessage() ([]byte, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: reading from %q: %w", errext.ErrTransport, c.wsURL, err)
	}
	c.logger.Tracef("cdp:recv", "wsURL:%q <- %s", c.wsURL, buf)
	return buf, nil
}

// close sends a close frame and closes the socket, which unblocks the reader.
func (c *connection) close(code int) error {
	c.closeOnce.Do(func() {
		c.logger.Debugf("cdp:close", "wsURL:%q code:%d", c.wsURL, code)

		err := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(closeWait))
		if err != nil && err != websocket.ErrCloseSent { //nolint:errorlint
			c.logger.Debugf("cdp:close", "wsURL:%q sending close frame: %v", c.wsURL, err)
		}
		if err := c.ws.Close(); err != nil {
			c.closeErr = fmt.Errorf("%w: closing %q: %w", errext.ErrTransport, c.wsURL, err)
		}
	})
	return c.closeErr
}
