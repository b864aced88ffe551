package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flow-hq/domains/pkg/cli"
	"flow-hq/domains/pkg/domains"
	"flow-hq/domains/pkg/routes"
)

var addFlags struct {
	replace bool
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List routes",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var addCmd = &cobra.Command{
	Use:   "add HOST TARGET",
	Short: "Route HOST to TARGET",
	Long: `Route HOST to TARGET and reload the running engine.

HOST must be a subdomain of .localhost. TARGET is host:port, optionally
written as an http:// or https:// URL with a trailing slash.

Examples:
  domains add app.localhost 127.0.0.1:3000
  domains add api.localhost 127.0.0.1:4000
  domains add app.localhost http://localhost:5173 --replace`,
	Args: cobra.ExactArgs(2),
	RunE: runAdd,
}

var rmCmd = &cobra.Command{
	Use:     "rm HOST",
	Aliases: []string{"remove"},
	Short:   "Remove the route for HOST",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var showCmd = &cobra.Command{
	Use:   "show HOST",
	Short: "Show the route for HOST",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(listCmd, addCmd, rmCmd, showCmd)

	addCmd.Flags().BoolVar(&addFlags.replace, "replace", false, "overwrite an existing route")
	addOutputFlag(listCmd)
	addOutputFlag(showCmd)
}

// routeRows prints a route list as columns.
type routeRows []routes.Route

func (r routeRows) Header() []string { return []string{"HOST", "TARGET", "UPDATED"} }

func (r routeRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, route := range r {
		updated := "-"
		if !route.UpdatedAt.IsZero() {
			updated = route.UpdatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{route.Host, route.Target, updated})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	format, f, err := formatter()
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	table, err := a.manager.List()
	if err != nil {
		return err
	}
	if table.Len() == 0 && format == cli.FormatText {
		fmt.Fprintln(cmd.OutOrStdout(), "no routes; add one with `domains add HOST TARGET`")
		return nil
	}
	return f.FormatTo(cmd.OutOrStdout(), routeRows(table.Routes()))
}

func runAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.manager.Add(cmd.Context(), args[0], args[1], addFlags.replace)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", c.Route.Host, c.Route.Target)
	printReload(cmd, c)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.manager.Remove(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !c.Removed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no route\n", c.Route.Host)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", c.Route.Host)
	printReload(cmd, c)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	format, f, err := formatter()
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	route, err := a.manager.Show(args[0])
	if err != nil {
		return err
	}
	if format == cli.FormatJSON {
		return f.FormatTo(cmd.OutOrStdout(), route)
	}
	return f.FormatTo(cmd.OutOrStdout(), routeRows{route})
}

// printReload reports what happened to the running engine after a route
// change. A failed reload is a warning: the route file is already updated.
func printReload(cmd *cobra.Command, c *domains.Change) {
	switch {
	case c.ReloadErr != nil && c.Reloaded != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: route saved but %s failed to reload: %v\n", c.Reloaded, c.ReloadErr)
	case c.ReloadErr != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: route saved but the running engine could not be checked: %v\n", c.ReloadErr)
	case c.Reloaded != nil:
		fmt.Fprintf(cmd.OutOrStdout(), "reloaded %s\n", c.Reloaded)
	}
}
