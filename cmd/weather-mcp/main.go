package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	serve := serveCmd(opts)

	rootCmd := &cobra.Command{
		Use:   "weather-mcp",
		Short: "Weather lookups over Server-Sent Event sessions",
		Long: `weather-mcp serves a get-weather tool to clients holding a Server-Sent Events
stream. Clients subscribe on /sse, receive their connection id, and post commands
to /messages; results arrive on the stream. A plain GET /api/weather endpoint answers
lookups directly.

Without a subcommand the server is started.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if len(opts.envFiles) == 0 {
				// A missing .env is normal outside development.
				_ = godotenv.Load()
				return nil
			}
			if err := godotenv.Load(opts.envFiles...); err != nil {
				return fmt.Errorf("load env files: %w", err)
			}
			return nil
		},
		RunE: serve.RunE,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load (default .env if present)")

	rootCmd.AddCommand(
		serve,
		stdioCmd(opts),
		weatherCmd(),
		callCmd(),
		versionCmd(),
	)

	return rootCmd
}
