package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/chromium-session/browserprocess"
	"github.com/grafana/chromium-session/common"
	"github.com/grafana/chromium-session/env"
	"github.com/grafana/chromium-session/errext"
	"github.com/grafana/chromium-session/log"
	"github.com/grafana/chromium-session/trace"
)

const (
	version = "0.1.0"

	defaultTimeout    = 30 * time.Second
	traceFlushTimeout = 5 * time.Second
	pageCloseTimeout  = 2 * time.Second
)

var bannerColor = color.New(color.FgCyan)

const banner = `          _            _         _ _
  ___  __| |_ __  ___| |__   ___| | |
 / __|/ _' | '_ \/ __| '_ \ / _ \ | |
| (__| (_| | |_) \__ \ | | |  __/ | |
 \___|\__,_| .__/|___/_| |_|\___|_|_|
           |_|`

// globalState holds everything the commands touch outside of their flags,
// so tests can swap the process environment for buffers and fakes.
type globalState struct {
	ctx context.Context

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	envConfig env.Config
	envLookup env.LookupFunc
	logger    *logrus.Logger

	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func newGlobalState(ctx context.Context) *globalState {
	logger := &logrus.Logger{
		Out: os.Stderr,
		Formatter: &logrus.TextFormatter{
			DisableColors: color.NoColor,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	envConfig, err := env.Load()
	if err != nil {
		logger.WithError(err).Warn("ignoring the environment configuration")
		envConfig = env.Config{}
	}

	return &globalState{
		ctx:          ctx,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		stdin:        os.Stdin,
		envConfig:    envConfig,
		envLookup:    env.Lookup,
		logger:       logger,
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
	}
}

type rootFlags struct {
	browserPath    string
	headless       bool
	debug          bool
	logLevel       string
	noColor        bool
	args           []string
	timeout        time.Duration
	tracesEndpoint string
	tracesInsecure bool
}

type rootCommand struct {
	gs     *globalState
	cmd    *cobra.Command
	flags  rootFlags
	logger *log.Logger
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		gs:     gs,
		logger: log.New(gs.logger, false, nil),
	}
	c.cmd = &cobra.Command{
		Use:               "cdpshell",
		Short:             "drive a Chromium browser over the DevTools protocol",
		Long:              bannerColor.Sprintf("\n%s\n", banner),
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(gs.stdout)
	c.cmd.SetErr(gs.stderr)
	c.cmd.SetIn(gs.stdin)
	c.cmd.PersistentFlags().AddFlagSet(c.persistentFlagSet())

	c.cmd.AddCommand(
		getCmdHTML(c),
		getCmdEval(c),
		getCmdVersion(c),
		getCmdTargets(c),
		getCmdRepl(c),
	)

	return c
}

func (c *rootCommand) persistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.flags.browserPath, "browser-path", c.gs.envConfig.ExecutablePath,
		"browser executable, defaults to CHROME_BIN or the platform default")
	flags.BoolVar(&c.flags.headless, "headless", true, "run the browser without a window")
	flags.StringArrayVar(&c.flags.args, "arg", nil, "extra browser flag, can be repeated")
	flags.DurationVar(&c.flags.timeout, "timeout", defaultTimeout, "deadline for a single command")
	flags.BoolVarP(&c.flags.debug, "debug", "d", c.gs.envConfig.Debug, "log debug messages")
	flags.StringVar(&c.flags.logLevel, "log-level", c.gs.envConfig.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&c.flags.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.flags.tracesEndpoint, "traces-endpoint", "", "OTLP/HTTP endpoint to export page spans to")
	flags.BoolVar(&c.flags.tracesInsecure, "traces-insecure", false, "export spans over plain HTTP")
	return flags
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	if c.flags.noColor {
		color.NoColor = true
	}
	level := c.flags.logLevel
	if level == "" {
		level = logrus.InfoLevel.String()
	}
	c.logger = log.New(c.gs.logger, c.flags.debug, nil)
	if err := c.logger.SetLevel(level); err != nil {
		return err //nolint:wrapcheck
	}
	c.logger.Debugf("cdpshell", "version:%s headless:%t args:%v", version, c.flags.headless, c.flags.args)
	return nil
}

func (c *rootCommand) execute() int {
	if err := c.cmd.Execute(); err != nil {
		msg, fields := errext.Format(err)
		c.gs.logger.WithFields(fields).Error(msg)
		return 1
	}
	return 0
}

// withSession runs fn with a fresh session that is closed, together with
// the trace exporter, before returning. An interrupt kills every browser
// this process started and cancels the context passed to fn.
func (c *rootCommand) withSession(fn func(context.Context, *common.Session) error) (err error) {
	ctx, stop := c.signalContext()
	defer stop()

	tp, err := c.traceProvider(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), traceFlushTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			c.logger.Warnf("cdpshell", "flushing traces: %v", serr)
		}
	}()

	s := common.NewSession(c.sessionOptions(tp), c.logger)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(ctx, s)
}

func (c *rootCommand) sessionOptions(tp trace.TraceProvider) *common.SessionOptions {
	return &common.SessionOptions{
		ExecutablePath:   null.NewString(c.flags.browserPath, c.flags.browserPath != ""),
		Args:             c.flags.args,
		Headless:         c.flags.headless,
		Debug:            c.flags.debug,
		DiscoveryTimeout: c.flags.timeout,
		EnvLookup:        c.gs.envLookup,
		TracerProvider:   tp,
	}
}

func (c *rootCommand) traceProvider(ctx context.Context) (trace.TraceProvider, error) {
	if c.flags.tracesEndpoint == "" {
		return trace.NewNoopTraceProvider(), nil
	}
	tp, err := trace.NewTraceProvider(ctx, "http", c.flags.tracesEndpoint, c.flags.tracesInsecure)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	return tp, nil
}

func (c *rootCommand) signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(c.gs.ctx)
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	c.gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			c.logger.Warnf("cdpshell", "received %v, stopping browsers", sig)
			browserprocess.ForceProcessShutdown()
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		c.gs.signalStop(sigC)
		cancel()
	}
}

// openPage opens a page in the session browser and navigates it to url.
func (c *rootCommand) openPage(ctx context.Context, s *common.Session, url string) (*common.Page, error) {
	p, err := s.NewPage(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if err := p.Navigate(ctx, url); err != nil {
		c.closePage(p)
		return nil, err //nolint:wrapcheck
	}
	return p, nil
}

func (c *rootCommand) closePage(p *common.Page) {
	ctx, cancel := context.WithTimeout(context.Background(), pageCloseTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		c.logger.Debugf("cdpshell", "closing page %s: %v", p.TargetID(), err)
	}
}

func (c *rootCommand) printJSON(w io.Writer, b []byte) {
	out := pretty.Pretty(b)
	if !color.NoColor {
		out = pretty.Color(out, nil)
	}
	_, _ = w.Write(out)
}
