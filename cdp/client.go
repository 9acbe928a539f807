// Package cdp multiplexes Chrome DevTools Protocol commands over a single
// websocket connection and resolves the endpoints a browser exposes.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"

	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/metrics"
)

var _ cdp.Executor = &Client{}

var (
	// ErrQueueClosed is returned when a command is submitted to a client
	// that has been closed.
	ErrQueueClosed = fmt.Errorf("%w: command queue closed", errext.ErrTransport)
	// ErrSlotClosed is returned when the client was closed after a command
	// was queued but before it was written.
	ErrSlotClosed = fmt.Errorf("%w: response slot closed before a reply arrived", errext.ErrTransport)
	// ErrConnectionClosed is returned for commands still waiting for a reply
	// when the connection goes away.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", errext.ErrTransport)
)

var emptyObject = easyjson.RawMessage("{}")

// CommandError is a CDP error reply.
type CommandError struct {
	ID      int64
	Method  string
	Code    int64
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s (id %d) failed: %s (%d)", e.Method, e.ID, e.Message, e.Code)
}

// Unwrap makes CommandError match errext.ErrProtocol.
func (e *CommandError) Unwrap() error { return errext.ErrProtocol }

type response struct {
	result easyjson.RawMessage
	err    error
}

type request struct {
	method string
	params easyjson.RawMessage
	respCh chan response
}

type pendingCommand struct {
	method string
	respCh chan response
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics instruments the client.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client sends CDP commands to one target and correlates the replies.
//
// Any number of goroutines may submit commands. A single writer goroutine
// assigns ids in submission order and a single reader goroutine delivers
// each reply to the submitter waiting for it. Every submitted command is
// resolved exactly once: with its reply, or with an error when the client is
// closed or the connection drops.
type Client struct {
	conn    *connection
	wsURL   string
	logger  *log.Logger
	metrics *metrics.Metrics

	queueMu     sync.RWMutex
	queueClosed bool
	sendCh      chan *request

	pendingMu     sync.Mutex
	pending       map[int64]*pendingCommand
	pendingClosed bool
	// nextID is only touched by the writer goroutine.
	nextID int64

	done         chan struct{}
	disconnected chan struct{}
	closeOnce    sync.Once
	closeErr     error
	wg           sync.WaitGroup
}

// Connect dials the target at wsURL and starts the reader and writer
// goroutines. The client must be closed with Close.
func Connect(ctx context.Context, wsURL string, logger *log.Logger, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	conn, err := dial(ctx, wsURL, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:         conn,
		wsURL:        wsURL,
		logger:       logger,
		sendCh:       make(chan *request, 32),
		pending:      make(map[int64]*pendingCommand),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	logger.Debugf("cdp:Connect", "established CDP connection to %q", wsURL)

	c.wg.Add(2)
	go c.sendLoop()
	go c.recvLoop()

	return c, nil
}

// URL returns the websocket address of the target.
func (c *Client) URL() string {
	return c.wsURL
}

// Metrics returns the collectors the client records to, possibly nil.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Submit sends method with params and waits for the reply. Nil params are
// sent as an empty object. Canceling ctx abandons the wait, the command
// itself may still reach the browser.
func (c *Client) Submit(ctx context.Context, method string, params easyjson.RawMessage) (easyjson.RawMessage, error) {
	if len(params) == 0 {
		params = emptyObject
	}
	if !gjson.ValidBytes(params) || !gjson.ParseBytes(params).IsObject() {
		return nil, fmt.Errorf("%w: %s params must be a JSON object", errext.ErrSerialization, method)
	}
	req := &request{
		method: method,
		params: params,
		respCh: make(chan response, 1),
	}
	if err := c.enqueue(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-req.respCh:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrSlotClosed)
		}
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for the reply to %s: %w", errext.ErrTransport, method, ctx.Err())
	}
}

// Execute implements cdp.Executor, so the typed cdproto actions can run
// over the client.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf easyjson.RawMessage
	if params != nil {
		b, err := easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("%w: encoding %s params: %w", errext.ErrSerialization, method, err)
		}
		buf = b
	}

	result, err := c.Submit(ctx, method, buf)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	if err := easyjson.Unmarshal(result, res); err != nil {
		return fmt.Errorf("%w: decoding %s result: %w", errext.ErrSerialization, method, err)
	}
	return nil
}

// IsConnected reports whether the connection is still usable.
func (c *Client) IsConnected() bool {
	select {
	case <-c.done:
		return false
	case <-c.disconnected:
		return false
	default:
		return true
	}
}

// Disconnected is closed once the reader has stopped and every command
// still pending has been failed.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Close closes the connection and waits for the reader and writer to stop.
// Commands still in flight fail. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Debugf("cdp:Close", "wsURL:%q", c.wsURL)

		close(c.done)
		if err := c.conn.close(websocket.CloseNormalClosure); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}

		// Submitters holding the read lock give up as soon as done is
		// closed, so this can't block for long.
		c.queueMu.Lock()
		c.queueClosed = true
		close(c.sendCh)
		c.queueMu.Unlock()

		c.wg.Wait()
	})
	return c.closeErr
}

func (c *Client) enqueue(ctx context.Context, req *request) error {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()

	if c.queueClosed {
		return fmt.Errorf("%s: %w", req.method, ErrQueueClosed)
	}
	select {
	case c.sendCh <- req:
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", req.method, ErrQueueClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: queueing %s: %w", errext.ErrTransport, req.method, ctx.Err())
	}
}

func (c *Client) sendLoop() {
	defer c.wg.Done()

	for {
		// shutdown wins over queued requests
		select {
		case <-c.done:
			c.drain()
			return
		default:
		}

		select {
		case req := <-c.sendCh:
			if req == nil {
				return
			}
			c.write(req)
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain closes the response slot of every request queued but not written.
func (c *Client) drain() {
	for req := range c.sendCh {
		c.logger.Debugf("cdp:drain", "wsURL:%q dropping %s", c.wsURL, req.method)
		close(req.respCh)
	}
}

func (c *Client) write(req *request) {
	c.nextID++
	id := c.nextID

	// The slot is registered before the write so that the reply can't
	// arrive before it.
	c.pendingMu.Lock()
	if c.pendingClosed {
		c.pendingMu.Unlock()
		req.respCh <- response{err: fmt.Errorf("%s (id %d): %w", req.method, id, ErrConnectionClosed)}
		return
	}
	c.pending[id] = &pendingCommand{method: req.method, respCh: req.respCh}
	c.pendingMu.Unlock()
	c.metrics.CommandSent(req.method)

	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(req.method),
		Params: req.params,
	}
	if err := c.conn.writeMessage(msg); err != nil {
		c.logger.Debugf("cdp:write", "wsURL:%q id:%d %v", c.wsURL, id, err)
		if cmd := c.take(id); cmd != nil {
			c.resolve(cmd, response{err: err})
		}
	}
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	defer close(c.disconnected)

	for {
		buf, err := c.conn.readMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnf("cdp:recv", "wsURL:%q connection lost: %v", c.wsURL, err)
			}
			c.sweep()
			return
		}
		c.dispatch(buf)
	}
}

func (c *Client) dispatch(buf []byte) {
	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		// a reply we can't decode still resolves its command
		if id := gjson.GetBytes(buf, "id"); id.Type == gjson.Number {
			if cmd := c.take(id.Int()); cmd != nil {
				c.resolve(cmd, response{err: fmt.Errorf("%w: decoding the reply to %s (id %d): %w",
					errext.ErrSerialization, cmd.method, id.Int(), err)})
				return
			}
		}
		c.logger.Debugf("cdp:dispatch", "wsURL:%q dropping undecodable message: %v", c.wsURL, err)
		return
	}

	if msg.ID == 0 {
		c.logger.Tracef("cdp:dispatch", "wsURL:%q dropping notification %s", c.wsURL, msg.Method)
		return
	}
	cmd := c.take(msg.ID)
	if cmd == nil {
		c.logger.Debugf("cdp:dispatch", "wsURL:%q dropping reply with unknown id %d", c.wsURL, msg.ID)
		return
	}

	if msg.Error != nil {
		c.resolve(cmd, response{err: &CommandError{
			ID:      msg.ID,
			Method:  cmd.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}})
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = emptyObject
	}
	c.resolve(cmd, response{result: result})
}

// take removes the pending command with id, if any. Whoever takes a command
// is the only one allowed to resolve it.
func (c *Client) take(id int64) *pendingCommand {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	cmd, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return cmd
}

// sweep fails every pending command and refuses new ones.
func (c *Client) sweep() {
	c.pendingMu.Lock()
	c.pendingClosed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCommand)
	c.pendingMu.Unlock()

	for id, cmd := range pending {
		c.resolve(cmd, response{err: fmt.Errorf("%s (id %d): %w", cmd.method, id, ErrConnectionClosed)})
	}
}

func (c *Client) resolve(cmd *pendingCommand, resp response) {
	c.metrics.CommandResolved(cmd.method, failureKind(resp.err))
	// the slot is buffered and resolved once, so this never blocks
	cmd.respCh <- resp
}

func failureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errext.ErrProtocol):
		return "protocol"
	case errors.Is(err, errext.ErrSerialization):
		return "serialization"
	default:
		return "transport"
	}
}
