package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mailru/easyjson"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/grafana/chromium-session/cdp"
	"github.com/grafana/chromium-session/common"
)

var (
	errBadCommand = errors.New("bad command")

	sentColor = color.New(color.FgGreen)
	recvColor = color.New(color.FgBlue)
	failColor = color.New(color.FgRed)
)

const maxLineSize = 1 << 20

type cmdRepl struct {
	root *rootCommand
}

func getCmdRepl(root *rootCommand) *cobra.Command {
	c := &cmdRepl{root: root}
	return &cobra.Command{
		Use:   "repl [URL]",
		Short: "Send raw DevTools commands read from stdin",
		Long: `Read one command per line from stdin and print each reply.

A line is either "Domain.method {params}" or a JSON object with "method" and
"params" members. Without URL commands go to the browser target, with URL
to a fresh page navigated there.`,
		Example: `  echo 'Browser.getVersion' | cdpshell repl
  cdpshell repl https://example.com <<< 'Runtime.evaluate {"expression":"document.title"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: c.run,
	}
}

func (c *cmdRepl) run(cmd *cobra.Command, args []string) error {
	return c.root.withSession(func(ctx context.Context, s *common.Session) error {
		var client *cdp.Client
		if len(args) == 1 {
			openCtx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
			p, err := c.root.openPage(openCtx, s, args[0])
			cancel()
			if err != nil {
				return err
			}
			defer c.root.closePage(p)
			client = p.Client()
		} else {
			b, err := s.Acquire(ctx)
			if err != nil {
				return err //nolint:wrapcheck
			}
			client = b.Client()
		}
		c.root.logger.Infof("cdpshell", "connected to %s", client.URL())

		return c.loop(ctx, client, cmd.InOrStdin(), cmd.OutOrStdout())
	})
}

// loop sends every command read from r and prints the replies to w. It
// returns when r is exhausted, ctx is done or the connection drops.
func (c *cmdRepl) loop(ctx context.Context, client *cdp.Client, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var (
			line string
			ok   bool
		)
		select {
		case line, ok = <-lines:
		case <-ctx.Done():
			return fmt.Errorf("reading commands: %w", ctx.Err())
		case <-client.Disconnected():
			return fmt.Errorf("reading commands: %w", cdp.ErrConnectionClosed)
		}
		if !ok {
			select {
			case err := <-scanErr:
				return err //nolint:wrapcheck
			default:
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		method, params, err := parseCommand(line)
		if err != nil {
			failColor.Fprintf(w, "!! %v\n", err)
			continue
		}

		sentColor.Fprintf(w, "-> %s %s\n", method, params)
		cctx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
		res, err := client.Submit(cctx, method, params)
		cancel()
		if err != nil {
			failColor.Fprintf(w, "!! %v\n", err)
			if !client.IsConnected() {
				return err //nolint:wrapcheck
			}
			continue
		}
		recvColor.Fprint(w, "<- ")
		c.root.printJSON(w, res)
	}
}

// parseCommand reads a "Domain.method {params}" line or a JSON envelope.
func parseCommand(line string) (string, easyjson.RawMessage, error) {
	if strings.HasPrefix(line, "{") {
		if !gjson.Valid(line) {
			return "", nil, fmt.Errorf("%w: invalid JSON", errBadCommand)
		}
		method := gjson.Get(line, "method")
		if method.Type != gjson.String || method.Str == "" {
			return "", nil, fmt.Errorf("%w: missing method", errBadCommand)
		}
		params := gjson.Get(line, "params")
		if params.Exists() && !params.IsObject() {
			return "", nil, fmt.Errorf("%w: params must be an object", errBadCommand)
		}
		return method.Str, rawParams(params.Raw), nil
	}

	method, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		method, rest = line[:i], strings.TrimSpace(line[i+1:])
	}
	if !strings.Contains(method, ".") {
		return "", nil, fmt.Errorf("%w: %q is not a Domain.method name", errBadCommand, method)
	}
	if rest != "" && (!gjson.Valid(rest) || !gjson.Parse(rest).IsObject()) {
		return "", nil, fmt.Errorf("%w: params must be a JSON object", errBadCommand)
	}
	return method, rawParams(rest), nil
}

func rawParams(s string) easyjson.RawMessage {
	if s == "" {
		return nil
	}
	return easyjson.RawMessage(s)
}
