/*
Package cli provides helpers shared by the domains commands.

Output Formatting:

Commands print either human text or JSON, selected with --output:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, table); err != nil {
		return err
	}

Values implementing Tabular are printed as aligned columns by the text
formatter and as rows by the CSV formatter.

Errors and Exit Codes:

ExitCode maps an error returned by a command to the process exit status,
so scripts can tell a conflict from a bad argument:

	os.Exit(cli.ExitCode(err))

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
	reload := cli.ReloadSignals()
*/
package cli
