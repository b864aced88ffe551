package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"flow-hq/domains/pkg/cli"
	"flow-hq/domains/pkg/domains"
)

var errUnhealthy = errors.New("doctor found problems")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose routes, engines and the proxy port",
	Long: `Check the route file, the ownership record, the listener on the proxy
port, both engines and the data-plane errors recorded in the last 24 hours.

doctor only reads state. A stale ownership record is reported and left in
place; the next up or down clears it.

Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	addOutputFlag(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	format, f, err := formatter()
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	kind, err := a.kind()
	if err != nil {
		return err
	}

	report := a.manager.Doctor(cmd.Context(), kind)
	out := cmd.OutOrStdout()
	switch format {
	case cli.FormatText:
		printReport(out, report)
	case cli.FormatJSON:
		if err := f.FormatTo(out, report); err != nil {
			return err
		}
	default:
		if err := f.FormatTo(out, checkRows{report}); err != nil {
			return err
		}
	}

	if !report.Healthy() {
		return errUnhealthy
	}
	return nil
}

// checkRows prints report checks as columns.
type checkRows struct{ r *domains.Report }

func (c checkRows) Header() []string { return []string{"STATUS", "CHECK", "DETAIL"} }

func (c checkRows) Rows() [][]string {
	rows := make([][]string, 0, len(c.r.Checks))
	for _, check := range c.r.Checks {
		rows = append(rows, []string{string(check.Status), check.Name, check.Detail})
	}
	return rows
}

func printReport(w io.Writer, r *domains.Report) {
	fmt.Fprintf(w, "state dir: %s\n", r.StateDir)
	fmt.Fprintf(w, "engine:    %s\n\n", r.Engine)

	_ = (&cli.TextFormatter{NoHeader: true}).FormatTo(w, checkRows{r})

	if len(r.ErrorCounts) > 0 {
		kinds := make([]string, 0, len(r.ErrorCounts))
		for k := range r.ErrorCounts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		fmt.Fprintln(w, "\nerrors in the last 24h:")
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-18s %d\n", k, r.ErrorCounts[k])
		}
	}
	if len(r.RecentErrors) > 0 {
		fmt.Fprintln(w, "\nmost recent:")
		for _, ev := range r.RecentErrors {
			fmt.Fprintf(w, "  %s  %-16s %s  %s\n", ev.Time.Local().Format(time.TimeOnly), ev.Kind, ev.Host, ev.Message)
		}
	}
}
