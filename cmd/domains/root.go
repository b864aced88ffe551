package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flow-hq/domains/pkg/cli"
)

var (
	// Global flags
	cfgFile    string
	stateDir   string
	engineFlag string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "domains",
	Short: "Route *.localhost names to local dev servers",
	Long: `domains runs one reverse proxy on port 80 and routes requests by Host
header to local development servers, so app.localhost and api.localhost
can replace localhost:3000 and localhost:4000.

The proxy runs either as a native daemon (this binary's serve command) or
as an nginx container managed through docker compose. Only one of them may
own the port at a time.

Running domains without a subcommand lists the routes.`,
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runList,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default: <user config dir>/domains)")
	rootCmd.PersistentFlags().StringVar(&engineFlag, "engine", "", "engine for up: native or container (default: $DOMAINS_ENGINE or config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	addOutputFlag(rootCmd)
}
