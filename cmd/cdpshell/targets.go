package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/grafana/chromium-session/common"
)

type cmdTargets struct {
	root *rootCommand
	url  string
}

func getCmdTargets(root *rootCommand) *cobra.Command {
	c := &cmdTargets{root: root}
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the page targets of the browser",
		Args:  cobra.NoArgs,
		RunE:  c.run,
	}
	cmd.Flags().StringVar(&c.url, "open", "", "open a page at this URL before listing")
	return cmd
}

func (c *cmdTargets) run(cmd *cobra.Command, _ []string) error {
	return c.root.withSession(func(ctx context.Context, s *common.Session) error {
		ctx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
		defer cancel()

		if c.url != "" {
			p, err := c.root.openPage(ctx, s, c.url)
			if err != nil {
				return err
			}
			defer c.root.closePage(p)
		}

		b, err := s.Acquire(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}
		targets, err := b.Targets(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tURL\tTITLE")
		for _, t := range targets {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.URL, t.Title)
		}
		return tw.Flush() //nolint:wrapcheck
	})
}
