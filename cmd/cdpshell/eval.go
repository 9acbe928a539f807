package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/grafana/chromium-session/common"
)

type cmdEval struct {
	root *rootCommand
}

func getCmdEval(root *rootCommand) *cobra.Command {
	c := &cmdEval{root: root}
	return &cobra.Command{
		Use:   "eval URL SCRIPT",
		Short: "Evaluate a script in a page and print its JSON result",
		Long: `Navigate a fresh page to URL, evaluate SCRIPT in it and print the value as JSON.
Promises are awaited.`,
		Example: `  cdpshell eval https://example.com "document.title"`,
		Args:    cobra.ExactArgs(2),
		RunE:    c.run,
	}
}

func (c *cmdEval) run(cmd *cobra.Command, args []string) error {
	return c.root.withSession(func(ctx context.Context, s *common.Session) error {
		ctx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
		defer cancel()

		p, err := c.root.openPage(ctx, s, args[0])
		if err != nil {
			return err
		}
		defer c.root.closePage(p)

		res, err := p.Evaluate(ctx, args[1])
		if err != nil {
			return err //nolint:wrapcheck
		}
		c.root.printJSON(cmd.OutOrStdout(), res)
		return nil
	})
}
