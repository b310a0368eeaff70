package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) newPageCmd() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "page <username>",
		Short: "抓取 watchlist 的单页，输出 JSON。",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := c.newLogger(cfg, false)

			svc, err := buildService(cfg, logger, false)
			if err != nil {
				return err
			}
			res, err := svc.FetchPage(cmd.Context(), args[0], page)
			if err != nil {
				return c.reportError(cfg.Upstream.Origin, args[0], err)
			}
			return writeJSON(c.stdout, res, c.stdoutTTY)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "页码（从 1 开始）")
	return cmd
}
