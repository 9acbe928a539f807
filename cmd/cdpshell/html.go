package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/chromium-session/common"
	"github.com/grafana/chromium-session/storage"
)

var errSelectorTimeout = errors.New("selector did not appear")

type cmdHTML struct {
	root      *rootCommand
	waitFor   string
	waitLimit time.Duration
	out       string
	persister storage.FilePersister
}

func getCmdHTML(root *rootCommand) *cobra.Command {
	c := &cmdHTML{
		root:      root,
		persister: &storage.LocalFilePersister{},
	}
	cmd := &cobra.Command{
		Use:   "html URL",
		Short: "Print the HTML of a page",
		Long: `Navigate a fresh page to URL and print document.documentElement.outerHTML,
optionally once a CSS selector matches.`,
		Example: `  cdpshell html https://example.com --wait-for "h1" --out example.html`,
		Args:    cobra.ExactArgs(1),
		RunE:    c.run,
	}
	cmd.Flags().StringVar(&c.waitFor, "wait-for", "", "CSS selector to wait for before the snapshot")
	cmd.Flags().DurationVar(&c.waitLimit, "wait-timeout", 10*time.Second, "how long to wait for --wait-for")
	cmd.Flags().StringVarP(&c.out, "out", "o", "", "write the snapshot to a file instead of stdout")
	return cmd
}

func (c *cmdHTML) run(cmd *cobra.Command, args []string) error {
	return c.root.withSession(func(ctx context.Context, s *common.Session) error {
		ctx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
		defer cancel()

		p, err := c.root.openPage(ctx, s, args[0])
		if err != nil {
			return err
		}
		defer c.root.closePage(p)

		if c.waitFor != "" {
			found, err := p.WaitForSelector(ctx, c.waitFor, c.waitLimit)
			if err != nil {
				return err //nolint:wrapcheck
			}
			if !found {
				return fmt.Errorf("%w: %q within %s", errSelectorTimeout, c.waitFor, c.waitLimit)
			}
		}

		html, err := p.SnapshotHTML(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}
		if c.out == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), html)
			return err //nolint:wrapcheck
		}
		if err := c.persister.Persist(ctx, c.out, strings.NewReader(html)); err != nil {
			return err //nolint:wrapcheck
		}
		c.root.logger.Infof("cdpshell", "wrote %d bytes to %s", len(html), c.out)
		return nil
	})
}
