// Package browsertest provides a fake Chromium for tests: an HTTP server
// speaking the DevTools discovery endpoints and the CDP websocket protocol,
// and shell scripts standing in for the browser binary.
package browsertest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Command is a CDP command received by the fake browser.
type Command struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	// Target is the id of the page the command was sent to, empty for the
	// browser target.
	Target string `json:"-"`
}

// ReplyError is the error member of a CDP response.
type ReplyError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Reply tells the fake browser how to answer a command.
type Reply struct {
	Result interface{}
	Error  *ReplyError
	// Raw is written verbatim instead of a response built from Result/Error.
	Raw []byte
	// Delay postpones the response, so replies can overtake each other.
	Delay time.Duration
	// NoReply leaves the command unanswered.
	NoReply bool
	// Disconnect drops the connection instead of answering.
	Disconnect bool
}

// Handler answers cmd.
type Handler func(cmd Command) Reply

// Option configures a Browser.
type Option func(*Browser)

// WithHandler overrides how method is answered.
func WithHandler(method string, h Handler) Option {
	return func(b *Browser) { b.handlers[method] = h }
}

// Browser is a fake browser listening on 127.0.0.1.
type Browser struct {
	tb        testing.TB
	server    *httptest.Server
	upgrader  websocket.Upgrader
	browserID string

	mu       sync.Mutex
	received []Command
	conns    map[*conn]struct{}
	pages    map[string]*page
	handlers map[string]Handler
}

// NewBrowser starts a fake browser that is shut down when the test ends.
func NewBrowser(tb testing.TB, opts ...Option) *Browser {
	tb.Helper()

	b := &Browser{
		tb:        tb,
		browserID: uuid.NewString(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:     make(map[*conn]struct{}),
		pages:     make(map[string]*page),
		handlers:  make(map[string]Handler),
	}
	for _, o := range opts {
		o(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.handleVersion)
	mux.HandleFunc("/json/new", b.handleNew)
	mux.HandleFunc("/devtools/", b.handleWebSocket)
	b.server = httptest.NewServer(mux)
	tb.Cleanup(b.Close)

	return b
}

// Close drops every connection and stops the server.
func (b *Browser) Close() {
	b.CloseConnections()
	b.server.Close()
}

// Port returns the control port of the fake browser.
func (b *Browser) Port() int {
	_, p, _ := net.SplitHostPort(b.server.Listener.Addr().String())
	port, _ := strconv.Atoi(p)
	return port
}

// URL returns the HTTP base URL of the fake browser.
func (b *Browser) URL() string {
	return b.server.URL
}

// WebSocketURL returns the browser target websocket address.
func (b *Browser) WebSocketURL() string {
	return b.wsURL("browser", b.browserID)
}

// NewPageURL registers a new page target and returns its websocket address.
func (b *Browser) NewPageURL() string {
	id := b.newPage()
	return b.wsURL("page", id)
}

// Commands returns every command received so far, in arrival order.
func (b *Browser) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.received...)
}

// Methods returns the methods of the received commands.
func (b *Browser) Methods() []string {
	cmds := b.Commands()
	methods := make([]string, 0, len(cmds))
	for _, c := range cmds {
		methods = append(methods, c.Method)
	}
	return methods
}

// Connections returns the number of open websocket connections.
func (b *Browser) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CloseConnections drops every websocket connection, as a crashing browser
// would.
func (b *Browser) CloseConnections() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Broadcast sends an unsolicited message to every connection.
func (b *Browser) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		_ = c.write(msg)
	}
}

func (b *Browser) wsURL(kind, id string) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/devtools/%s/%s", b.Port(), kind, id)
}

func (b *Browser) newPage() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	b.mu.Lock()
	b.pages[id] = newBlankPage()
	b.mu.Unlock()
	return id
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{
		"Browser":              product,
		"Protocol-Version":     protocolVersion,
		"User-Agent":           userAgent,
		"webSocketDebuggerUrl": b.WebSocketURL(),
	})
}

func (b *Browser) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action "+
			"supports only PUT verb.", http.StatusMethodNotAllowed)
		return
	}
	id := b.newPage()
	writeJSON(w, map[string]string{
		"id":                   id,
		"type":                 "page",
		"url":                  "about:blank",
		"webSocketDebuggerUrl": b.wsURL("page", id),
	})
}

func (b *Browser) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/devtools/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	kind, id := parts[0], parts[1]

	var pg *page
	switch kind {
	case "browser":
		if id != b.browserID {
			http.NotFound(w, r)
			return
		}
	case "page":
		b.mu.Lock()
		pg = b.pages[id]
		b.mu.Unlock()
		if pg == nil {
			http.NotFound(w, r)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	target := ""
	if pg != nil {
		target = id
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		cmd.Target = target
		b.mu.Lock()
		b.received = append(b.received, cmd)
		b.mu.Unlock()

		go b.answer(c, pg, cmd)
	}
}

func (b *Browser) answer(c *conn, pg *page, cmd Command) {
	b.mu.Lock()
	h, ok := b.handlers[cmd.Method]
	b.mu.Unlock()

	var reply Reply
	if ok {
		reply = h(cmd)
	} else {
		reply = b.builtin(c, pg, cmd)
	}

	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}
	switch {
	case reply.Disconnect:
		_ = c.ws.Close()
		return
	case reply.NoReply:
		return
	case reply.Raw != nil:
		_ = c.write(reply.Raw)
		return
	}

	msg := map[string]interface{}{"id": cmd.ID}
	if reply.Error != nil {
		msg["error"] = reply.Error
	} else {
		result := reply.Result
		if result == nil {
			result = struct{}{}
		}
		msg["result"] = result
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		b.tb.Errorf("browsertest: marshaling reply to %s: %v", cmd.Method, err)
		return
	}
	_ = c.write(buf)
}

// conn serializes writes to a websocket connection.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, msg) //nolint:wrapcheck
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}
