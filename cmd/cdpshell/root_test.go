package main

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/grafana/chromium-session/browserprocess"
	"github.com/grafana/chromium-session/testutils/browsertest"
)

// Command tests start processes from freshly written scripts, so they don't
// run in parallel to avoid ETXTBSY on exec.

const testDocument = `<html><head><title>Hello</title></head><body><p id="greeting">hi</p></body></html>`

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

type testState struct {
	*globalState
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	hook   *logtest.Hook

	mu   sync.Mutex
	sigC chan<- os.Signal
}

func newTestState(t *testing.T) *testState {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	ts := &testState{
		stdout: new(bytes.Buffer),
		stderr: new(bytes.Buffer),
		hook:   hook,
	}
	ts.globalState = &globalState{
		ctx:          context.Background(),
		stdout:       ts.stdout,
		stderr:       ts.stderr,
		stdin:        strings.NewReader(""),
		envLookup:    func(string) (string, bool) { return "", false },
		logger:       logger,
		signalNotify: ts.notify,
		signalStop:   func(chan<- os.Signal) {},
	}
	return ts
}

func (ts *testState) notify(c chan<- os.Signal, _ ...os.Signal) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.sigC = c
}

func (ts *testState) signal(sig os.Signal) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.sigC == nil {
		return false
	}
	ts.sigC <- sig
	return true
}

func (ts *testState) run(args ...string) int {
	root := newRootCommand(ts.globalState)
	root.cmd.SetArgs(args)
	return root.execute()
}

func (ts *testState) lastError() string {
	if e := ts.hook.LastEntry(); e != nil {
		return e.Message
	}
	return ""
}

func fakeArgs(t *testing.T, fake *browsertest.Browser, args ...string) []string {
	t.Helper()
	return append(args,
		"--browser-path", browsertest.ListeningExecutable(t, fake.Port()),
		"--timeout", "5s",
	)
}

func dataURL(doc string) string {
	return "data:text/html," + url.PathEscape(doc)
}

func TestHTMLCommand(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)

	require.Equal(t, 0, ts.run(fakeArgs(t, fake, "html", dataURL(testDocument))...), ts.lastError())
	assert.Contains(t, ts.stdout.String(), "<title>Hello</title>")
	assert.Contains(t, ts.stdout.String(), `<p id="greeting">hi</p>`)
	assert.Empty(t, browserprocess.Registered())
}

func TestHTMLCommandOut(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)
	out := filepath.Join(t.TempDir(), "snapshots", "page.html")

	code := ts.run(fakeArgs(t, fake, "html", dataURL(testDocument), "--wait-for", "#greeting", "--out", out)...)
	require.Equal(t, 0, code, ts.lastError())
	assert.Empty(t, ts.stdout.String())

	b, err := os.ReadFile(out) //nolint:gosec
	require.NoError(t, err)
	assert.Contains(t, string(b), "<title>Hello</title>")
}

func TestHTMLCommandWaitForTimeout(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)

	code := ts.run(fakeArgs(t, fake, "html", dataURL(testDocument), "--wait-for", "#missing", "--wait-timeout", "100ms")...)
	assert.Equal(t, 1, code)
	assert.Contains(t, ts.lastError(), errSelectorTimeout.Error())
	assert.Contains(t, ts.lastError(), `"#missing"`)
}

func TestEvalCommand(t *testing.T) {
	fake := browsertest.NewBrowser(t)

	t.Run("value", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run(fakeArgs(t, fake, "eval", dataURL(testDocument), "document.title")...), ts.lastError())
		assert.JSONEq(t, `"Hello"`, strings.TrimSpace(ts.stdout.String()))
	})
	t.Run("exception", func(t *testing.T) {
		ts := newTestState(t)
		assert.Equal(t, 1, ts.run(fakeArgs(t, fake, "eval", dataURL(testDocument), "throw new Error('boom')")...))
		assert.Contains(t, ts.lastError(), "boom")
		assert.Empty(t, ts.stdout.String())
	})
}

func TestVersionCommand(t *testing.T) {
	fake := browsertest.NewBrowser(t)

	t.Run("text", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run(fakeArgs(t, fake, "version")...), ts.lastError())
		assert.Contains(t, ts.stdout.String(), "cdpshell v"+version)
		assert.Contains(t, ts.stdout.String(), "HeadlessChrome/96.0.4664.45")
	})
	t.Run("json", func(t *testing.T) {
		ts := newTestState(t)
		require.Equal(t, 0, ts.run(fakeArgs(t, fake, "version", "--json")...), ts.lastError())
		out := ts.stdout.String()
		require.True(t, gjson.Valid(out), out)
		assert.Equal(t, version, gjson.Get(out, "version").String())
		assert.Equal(t, "1.3", gjson.Get(out, "protocolVersion").String())
	})
}

func TestTargetsCommand(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)

	require.Equal(t, 0, ts.run(fakeArgs(t, fake, "targets", "--open", dataURL(testDocument))...), ts.lastError())
	lines := strings.Split(strings.TrimSpace(ts.stdout.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "Hello")
}

func TestReplCommand(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)
	ts.stdin = strings.NewReader(strings.Join([]string{
		"# comment",
		"Browser.getVersion",
		"",
		`{"method":"Target.getTargets"}`,
		"Nope.nothing {}",
		"not-a-command",
	}, "\n"))

	require.Equal(t, 0, ts.run(fakeArgs(t, fake, "repl")...), ts.lastError())
	out := ts.stdout.String()
	assert.Contains(t, out, "-> Browser.getVersion")
	assert.Contains(t, out, "HeadlessChrome/96.0.4664.45")
	assert.Contains(t, out, "targetInfos")
	assert.Contains(t, out, "'Nope.nothing' wasn't found")
	assert.Contains(t, out, errBadCommand.Error())
	assert.Equal(t, []string{"Browser.getVersion", "Target.getTargets", "Nope.nothing"}, fake.Methods())
}

func TestReplCommandPage(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)
	ts.stdin = strings.NewReader(`Runtime.evaluate {"expression":"document.title","returnByValue":true}`)

	require.Equal(t, 0, ts.run(fakeArgs(t, fake, "repl", dataURL(testDocument))...), ts.lastError())
	assert.Contains(t, ts.stdout.String(), `"value": "Hello"`)
}

func TestInterruptStopsBrowsers(t *testing.T) {
	fake := browsertest.NewBrowser(t)
	ts := newTestState(t)
	stdin, stdinW := io.Pipe()
	defer stdinW.Close() //nolint:errcheck
	ts.stdin = stdin

	done := make(chan int, 1)
	go func() { done <- ts.run(fakeArgs(t, fake, "repl")...) }()

	require.Eventually(t, func() bool {
		return fake.Connections() > 0 && len(browserprocess.Registered()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, ts.signal(os.Interrupt))

	select {
	case code := <-done:
		assert.Equal(t, 1, code)
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not stop the command")
	}
	assert.Empty(t, browserprocess.Registered())
}

func TestLaunchFailureIsReported(t *testing.T) {
	ts := newTestState(t)

	code := ts.run("version", "--browser-path", browsertest.CrashingExecutable(t, 3), "--timeout", "5s")
	assert.Equal(t, 1, code)
	entry := ts.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Contains(t, entry.Message, "exit status 3")
	assert.Contains(t, entry.Data, "hint")
}

func TestRootFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{name: "help", args: []string{"--help"}, code: 0},
		{name: "version_flag", args: []string{"--version"}, code: 0},
		{name: "bad_log_level", args: []string{"version", "--log-level", "loud"}, code: 1},
		{name: "missing_url", args: []string{"html"}, code: 1},
		{name: "too_many_args", args: []string{"eval", "a", "b", "c"}, code: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestState(t)
			assert.Equal(t, tt.code, ts.run(tt.args...))
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		line   string
		method string
		params string
		err    bool
	}{
		{name: "no_params", line: "Browser.getVersion", method: "Browser.getVersion"},
		{name: "params", line: `Page.navigate {"url":"about:blank"}`, method: "Page.navigate", params: `{"url":"about:blank"}`},
		{name: "tab_separated", line: "Page.enable\t{}", method: "Page.enable", params: "{}"},
		{name: "envelope", line: `{"id":7,"method":"Page.navigate","params":{"url":"x"}}`, method: "Page.navigate", params: `{"url":"x"}`},
		{name: "envelope_no_params", line: `{"method":"Page.enable"}`, method: "Page.enable"},
		{name: "no_domain", line: "getVersion", err: true},
		{name: "params_not_object", line: "Page.navigate [1]", err: true},
		{name: "params_not_json", line: "Page.navigate {url}", err: true},
		{name: "envelope_invalid", line: `{"method":`, err: true},
		{name: "envelope_no_method", line: `{"params":{}}`, err: true},
		{name: "envelope_params_not_object", line: `{"method":"Page.enable","params":3}`, err: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			method, params, err := parseCommand(tt.line)
			if tt.err {
				require.ErrorIs(t, err, errBadCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.method, method)
			assert.Equal(t, tt.params, string(params))
		})
	}
}
