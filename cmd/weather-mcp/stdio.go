package main

import (
	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/MegaGrindStone/weather-mcp/internal/config"
	"github.com/spf13/cobra"
)

func stdioCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve commands over stdin and stdout",
		Long: `Read commands as newline-delimited JSON from stdin and write each result as a
newline-delimited message to stdout. Logs go to stderr.

Example:
  echo '{"id":"1","method":"callTool","params":{"name":"get-weather","arguments":{"city":"Tokyo"}}}' | weather-mcp stdio`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			router := newToolRouter(weatherServer(cfg, logger), logger)
			stdio := mcp.NewStdIO(cmd.InOrStdin(), cmd.OutOrStdout(), router, mcp.WithStdIOLogger(logger))

			return stdio.Serve(cmd.Context())
		},
	}
}

