// Package main implements the ctmiddle CLI tool.
//
// ctmiddle turns the event trace of an instrumented parallel program into
// its task graph:
//
//  1. Reading the trace (plain or gzip, file or stdin)
//  2. Replaying every event to rebuild tasks and their dependencies
//  3. Writing the tasks so that each follows all of its predecessors
//
// Usage:
//
//	ctmiddle build trace.ct graph.ctg   # Reconstruct the task graph
//	ctmiddle dump graph.ctg             # Print a task graph
//	ctmiddle version                    # Show version information
//
// An inconsistent trace stops the run with a diagnostic on stderr and exit
// status 1. No output file is created in that case.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/kolkov/ctmiddle/middle"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ctmiddle [subcommand]",
		Short: "Reconstruct the task graph of a traced parallel program",
		// Errors are printed by main, diagnostics in their framed form.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newBuildCmd(), newDumpCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := middle.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "ctmiddle version %s (trace format %s, graph format %s)\n",
				info.Version, info.TraceFormat, info.GraphFormat)
			return nil
		},
	}
}

// printError writes err to w. Diagnostics keep their framed layout.
//
//nolint:errcheck // Error handling omitted for stderr output formatting
func printError(w io.Writer, err error) {
	var d *middle.Diagnostic
	if errors.As(err, &d) {
		fmt.Fprint(w, red(d.String()))
		return
	}
	fmt.Fprintf(w, "%s %v\n", red("Error:"), err)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}
