package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailru/easyjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/chromium-session/cdp/domains"
	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/metrics"
	"github.com/grafana/chromium-session/testutils/browsertest"
)

func newTestClient(t *testing.T, opts ...browsertest.Option) (*browsertest.Browser, *Client) {
	t.Helper()

	b := browsertest.NewBrowser(t, opts...)
	c, err := Connect(context.Background(), b.WebSocketURL(), log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return b, c
}

func echo(cmd browsertest.Command) browsertest.Reply {
	return browsertest.Reply{Result: json.RawMessage(cmd.Params)}
}

func hang(browsertest.Command) browsertest.Reply {
	return browsertest.Reply{NoReply: true}
}

func waitForCommands(t *testing.T, b *browsertest.Browser, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(b.Commands()) >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientSubmit(t *testing.T) {
	t.Parallel()

	b, c := newTestClient(t)

	res, err := c.Submit(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/96.0.4664.45", gjson.GetBytes(res, "product").String())

	cmds := b.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, int64(1), cmds[0].ID)
	assert.JSONEq(t, "{}", string(cmds[0].Params))
}

func TestClientConcurrentSubmit(t *testing.T) {
	t.Parallel()

	const n = 50
	b, c := newTestClient(t, browsertest.WithHandler("Test.echo", func(cmd browsertest.Command) browsertest.Reply {
		r := echo(cmd)
		// make later commands answer first
		r.Delay = time.Duration(n-cmd.ID) * time.Millisecond
		return r
	}))

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			params := easyjson.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			res, err := c.Submit(context.Background(), "Test.echo", params)
			if err != nil {
				return err
			}
			if got := gjson.GetBytes(res, "n").Int(); got != int64(i) {
				return fmt.Errorf("submitter %d got the reply for %d", i, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ids := make(map[int64]bool)
	var last int64
	for _, cmd := range b.Commands() {
		assert.False(t, ids[cmd.ID], "id %d reused", cmd.ID)
		ids[cmd.ID] = true
		assert.Greater(t, cmd.ID, last, "ids must increase in write order")
		last = cmd.ID
	}
	assert.Len(t, ids, n)
	for id := int64(1); id <= n; id++ {
		assert.True(t, ids[id], "missing id %d", id)
	}
}

func TestClientOutOfOrderReplies(t *testing.T) {
	t.Parallel()

	_, c := newTestClient(t,
		browsertest.WithHandler("Test.slow", func(cmd browsertest.Command) browsertest.Reply {
			return browsertest.Reply{Result: map[string]string{"who": "slow"}, Delay: 300 * time.Millisecond}
		}),
		browsertest.WithHandler("Test.fast", func(cmd browsertest.Command) browsertest.Reply {
			return browsertest.Reply{Result: map[string]string{"who": "fast"}}
		}),
	)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	for _, method := range []string{"Test.slow", "Test.fast"} {
		method := method
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Submit(context.Background(), method, nil)
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, gjson.GetBytes(res, "who").String())
			mu.Unlock()
		}()
		// keep the submission order deterministic
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []string{"fast", "slow"}, order)
}

func TestClientReplies(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		handler browsertest.Handler
		assert  func(t *testing.T, res easyjson.RawMessage, err error)
	}{
		{
			name: "ok/result",
			handler: func(browsertest.Command) browsertest.Reply {
				return browsertest.Reply{Result: map[string]int{"answer": 42}}
			},
			assert: func(t *testing.T, res easyjson.RawMessage, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.JSONEq(t, `{"answer":42}`, string(res))
			},
		},
		{
			name: "ok/empty_result",
			handler: func(cmd browsertest.Command) browsertest.Reply {
				return browsertest.Reply{Raw: []byte(fmt.Sprintf(`{"id":%d}`, cmd.ID))}
			},
			assert: func(t *testing.T, res easyjson.RawMessage, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.JSONEq(t, `{}`, string(res))
			},
		},
		{
			name: "err/protocol",
			handler: func(browsertest.Command) browsertest.Reply {
				return browsertest.Reply{Error: &browsertest.ReplyError{Code: -32000, Message: "Cannot navigate"}}
			},
			assert: func(t *testing.T, res easyjson.RawMessage, err error) {
				t.Helper()
				require.ErrorIs(t, err, errext.ErrProtocol)
				assert.NotErrorIs(t, err, errext.ErrTransport)
				assert.Nil(t, res)

				var cerr *CommandError
				require.ErrorAs(t, err, &cerr)
				assert.Equal(t, int64(-32000), cerr.Code)
				assert.Equal(t, "Cannot navigate", cerr.Message)
				assert.Equal(t, "Test.method", cerr.Method)
				assert.Equal(t, int64(1), cerr.ID)
			},
		},
		{
			name: "err/malformed_reply",
			handler: func(cmd browsertest.Command) browsertest.Reply {
				return browsertest.Reply{Raw: []byte(fmt.Sprintf(`{"id":%d,"error":"oops"}`, cmd.ID))}
			},
			assert: func(t *testing.T, res easyjson.RawMessage, err error) {
				t.Helper()
				require.ErrorIs(t, err, errext.ErrSerialization)
				assert.NotErrorIs(t, err, errext.ErrTransport)
			},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, c := newTestClient(t, browsertest.WithHandler("Test.method", tc.handler))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := c.Submit(ctx, "Test.method", nil)
			tc.assert(t, res, err)
		})
	}
}

func TestClientUnknownMethod(t *testing.T) {
	t.Parallel()

	_, c := newTestClient(t)

	_, err := c.Submit(context.Background(), "Nope.nothing", nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, int64(-32601), cerr.Code)
	assert.Contains(t, cerr.Message, "'Nope.nothing' wasn't found")
}

func TestClientRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	b, c := newTestClient(t)

	for _, params := range []string{`{bad`, `[1,2]`, `"str"`, `42`} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := c.Submit(ctx, "Browser.getVersion", easyjson.RawMessage(params))
		cancel()
		require.ErrorIs(t, err, errext.ErrSerialization, params)
		assert.NotErrorIs(t, err, errext.ErrTransport, params)
	}
	assert.Empty(t, b.Commands())

	// the connection is still usable
	_, err := c.Submit(context.Background(), "Browser.getVersion", easyjson.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestClientDropsUnsolicitedMessages(t *testing.T) {
	t.Parallel()

	var b *browsertest.Browser
	b, c := newTestClient(t, browsertest.WithHandler("Test.noisy", func(cmd browsertest.Command) browsertest.Reply {
		b.Broadcast([]byte(`{"method":"Target.targetCreated","params":{"targetInfo":{}}}`))
		b.Broadcast([]byte(fmt.Sprintf(`{"id":%d,"result":{"stale":true}}`, cmd.ID+1000)))
		b.Broadcast([]byte(`not json at all`))
		return browsertest.Reply{Result: map[string]bool{"ok": true}}
	}))

	res, err := c.Submit(context.Background(), "Test.noisy", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))

	// the connection is still healthy
	_, err = c.Submit(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
}

func TestClientConnectionLost(t *testing.T) {
	t.Parallel()

	b, c := newTestClient(t, browsertest.WithHandler("Test.hang", hang))

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Submit(context.Background(), "Test.hang", nil)
			errs <- err
		}()
	}
	waitForCommands(t, b, n)

	b.CloseConnections()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionClosed)
			require.ErrorIs(t, err, errext.ErrTransport)
		case <-time.After(5 * time.Second):
			t.Fatal("a pending command was never resolved")
		}
	}

	select {
	case <-c.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.IsConnected())

	// later submissions fail right away
	_, err := c.Submit(context.Background(), "Browser.getVersion", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientDisconnectWhileAnswering(t *testing.T) {
	t.Parallel()

	_, c := newTestClient(t, browsertest.WithHandler("Test.crash", func(browsertest.Command) browsertest.Reply {
		return browsertest.Reply{Disconnect: true}
	}))

	_, err := c.Submit(context.Background(), "Test.crash", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	b, c := newTestClient(t, browsertest.WithHandler("Test.hang", hang))

	errs := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "Test.hang", nil)
		errs <- err
	}()
	waitForCommands(t, b, 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("the in-flight command was never resolved")
	}

	_, err := c.Submit(context.Background(), "Browser.getVersion", nil)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.ErrorIs(t, err, errext.ErrTransport)
}

func TestClientContextCanceled(t *testing.T) {
	t.Parallel()

	_, c := newTestClient(t, browsertest.WithHandler("Test.late", func(browsertest.Command) browsertest.Reply {
		return browsertest.Reply{Result: map[string]bool{"late": true}, Delay: 200 * time.Millisecond}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, "Test.late", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late reply is discarded without blocking the reader
	res, err := c.Submit(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(res, "product").Exists())
}

func TestClientExecute(t *testing.T) {
	t.Parallel()

	_, c := newTestClient(t)

	v, err := domains.NewBrowser(c).GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3", v.ProtocolVersion)
	assert.Equal(t, "HeadlessChrome/96.0.4664.45", v.Product)
	assert.Contains(t, v.UserAgent, "HeadlessChrome")
}

func TestClientMetrics(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	b := browsertest.NewBrowser(t)
	c, err := Connect(context.Background(), b.WebSocketURL(), log.NewNullLogger(), WithMetrics(m))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Submit(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "Nope.nothing", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("Browser.getVersion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent.WithLabelValues("Nope.nothing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandFailures.WithLabelValues("Nope.nothing", "protocol")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingCommands))
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	b := browsertest.NewBrowser(t)
	url := b.WebSocketURL()
	b.Close()

	_, err := Connect(context.Background(), url, nil)
	require.ErrorIs(t, err, errext.ErrTransport)
}

// Runs before the parallel tests so that their goroutines don't show up.
func TestClientNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := browsertest.NewBrowser(t, browsertest.WithHandler("Test.hang", hang))
	c, err := Connect(context.Background(), b.WebSocketURL(), log.NewNullLogger())
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "Browser.getVersion", nil)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "Test.hang", nil)
		errs <- err
	}()
	waitForCommands(t, b, 2)

	require.NoError(t, c.Close())
	require.True(t, errors.Is(<-errs, ErrConnectionClosed))
	b.Close()
}
