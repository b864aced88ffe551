package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flow-hq/domains/pkg/ownership"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the proxy engine",
	Long: `Start the selected engine on the proxy port.

If the same engine already owns the port it is reloaded instead. If the
other engine owns it, up fails and nothing is started; run down first.

The engine is chosen by --engine, then $DOMAINS_ENGINE, then the config
file, then native.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the engine that owns the proxy port",
	Args:  cobra.NoArgs,
	RunE:  runDown,
}

func init() {
	rootCmd.AddCommand(upCmd, downCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	kind, err := a.kind()
	if err != nil {
		return err
	}

	res, err := a.manager.Up(cmd.Context(), kind)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Stale != nil {
		fmt.Fprintf(out, "cleared stale record of %s\n", res.Stale)
	}
	switch res.Outcome {
	case ownership.AlreadyOwned:
		fmt.Fprintf(out, "%s is already running; routes reloaded\n", res.Record)
	case ownership.Adopted:
		fmt.Fprintf(out, "adopted running %s; routes reloaded\n", res.Record)
	default:
		fmt.Fprintf(out, "%s listening on %s\n", res.Record, res.Record.ListenAddress)
	}
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.manager.Down(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case res.Stopped != nil:
		fmt.Fprintf(out, "stopped %s\n", res.Stopped)
	case res.Stale != nil:
		fmt.Fprintf(out, "%s was not running; cleared its record\n", res.Stale)
	default:
		fmt.Fprintln(out, "no engine is running")
	}
	return nil
}
