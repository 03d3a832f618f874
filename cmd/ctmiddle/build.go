// build.go implements the 'ctmiddle build' command.
package main

import (
	"fmt"

	"github.com/kolkov/ctmiddle/internal/config"
	"github.com/kolkov/ctmiddle/internal/ct/trace"
	"github.com/kolkov/ctmiddle/middle"
	"github.com/spf13/cobra"
)

// buildFlags holds the command-line overrides of the configuration.
type buildFlags struct {
	configPath string
	debug      bool
	compress   bool
	verify     bool
	logFormat  string
}

// newBuildCmd creates the 'ctmiddle build' command.
//
// Flow:
//  1. Load the configuration and apply flag overrides
//  2. Interpret the whole trace
//  3. Only then create the output and write the task graph
//
// Example:
//
//	ctmiddle build trace.ct graph.ctg
//	ctmiddle build -d --verify trace.ct.gz graph.ctg
//	cat trace.ct | ctmiddle build - - --compress=false > graph.ctg
func newBuildCmd() *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build [input] [output]",
		Short: "Reconstruct the task graph of a trace",
		Long: `Reconstruct the task graph of a trace.

Input and output default to "-", standard input and standard output. Gzip
traces are detected automatically. File output is gzip-compressed unless
--compress=false or output.compress: false is set; standard output is only
compressed when --compress is given explicitly.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, output := trace.Stdio, trace.Stdio
			if len(args) > 0 {
				input = args[0]
			}
			if len(args) > 1 {
				output = args[1]
			}

			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if f.debug {
				cfg.Log.Level = "debug"
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = f.logFormat
			}
			if flags.Changed("verify") {
				cfg.Verify = f.verify
			}
			compress := cfg.Output.Compress
			switch {
			case flags.Changed("compress"):
				compress = f.compress
			case output == trace.Stdio:
				compress = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			g, err := middle.ReconstructFile(input, middle.Options{Logger: logger, Verify: cfg.Verify})
			if err != nil {
				return err
			}
			stats, err := g.WriteFile(output, compress)
			if err != nil {
				return err
			}
			if output != trace.Stdio {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %d tasks from %d events (%d contexts) -> %s\n",
					green("Built"), stats.Written, stats.Events, stats.Contexts, output)
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fl.BoolVarP(&f.debug, "debug", "d", false, "log every dependency-relevant event")
	fl.BoolVar(&f.compress, "compress", true, "gzip the task graph")
	fl.BoolVar(&f.verify, "verify", false, "check graph invariants before writing")
	fl.StringVar(&f.logFormat, "log-format", config.FormatText, "log format (text or json)")
	return cmd
}
