package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grafana/chromium-session/common"
)

type versionDetails struct {
	Version         string `json:"version"`
	Product         string `json:"product"`
	ProtocolVersion string `json:"protocolVersion"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

type cmdVersion struct {
	root   *rootCommand
	isJSON bool
}

func getCmdVersion(root *rootCommand) *cobra.Command {
	c := &cmdVersion{root: root}
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the cdpshell and browser versions",
		Long:  `Launch the browser and print the build it reports through Browser.getVersion.`,
		Args:  cobra.NoArgs,
		RunE:  c.run,
	}
	cmd.Flags().BoolVar(&c.isJSON, "json", false, "print the details as JSON")
	return cmd
}

func (c *cmdVersion) run(cmd *cobra.Command, _ []string) error {
	return c.root.withSession(func(ctx context.Context, s *common.Session) error {
		ctx, cancel := context.WithTimeout(ctx, c.root.flags.timeout)
		defer cancel()

		b, err := s.Acquire(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}
		v, err := b.Version(ctx)
		if err != nil {
			return err //nolint:wrapcheck
		}

		details := versionDetails{
			Version:         version,
			Product:         v.Product,
			ProtocolVersion: v.ProtocolVersion,
			Revision:        v.Revision,
			UserAgent:       v.UserAgent,
			JSVersion:       v.JSVersion,
		}
		w := cmd.OutOrStdout()
		if c.isJSON {
			out, err := json.Marshal(details)
			if err != nil {
				return fmt.Errorf("failed produce a JSON version details: %w", err)
			}
			c.root.printJSON(w, out)
			return nil
		}

		_, err = fmt.Fprintf(w,
			"cdpshell v%s\nbrowser:   %s\nprotocol:  %s\nrevision:  %s\nuserAgent: %s\njs:        %s\n",
			details.Version, details.Product, details.ProtocolVersion,
			details.Revision, details.UserAgent, details.JSVersion)
		return err //nolint:wrapcheck
	})
}
