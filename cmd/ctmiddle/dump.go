// dump.go implements the 'ctmiddle dump' command.
package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kolkov/ctmiddle/internal/ct/graph"
	"github.com/kolkov/ctmiddle/internal/ct/taskfile"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// newDumpCmd creates the 'ctmiddle dump' command.
//
// Example:
//
//	ctmiddle dump graph.ctg
//	ctmiddle dump --summary graph.ctg
func newDumpCmd() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the records of a task graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := taskfile.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return dump(cmd.OutOrStdout(), f, summary)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print task counts only")
	return cmd
}

// dump prints every record of f, or per-kind counts with summary set.
//
//nolint:errcheck // Error handling omitted for terminal output formatting
func dump(w io.Writer, f *taskfile.OpenFile, summary bool) error {
	fmt.Fprintf(w, "%s %s  format %s  compressed %t\n", yellow("run"), f.RunID(), f.Version(), f.Compressed())

	kinds := make(map[graph.Kind]int)
	contexts := make(map[graph.ContextID]int)
	edges := 0
	for {
		rec, err := f.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		kinds[rec.Kind]++
		contexts[rec.ID.Context()]++
		edges += len(rec.Successors)
		if !summary {
			printRecord(w, rec)
		}
	}

	total := 0
	for _, n := range kinds {
		total += n
	}
	fmt.Fprintf(w, "%s %d tasks, %d edges, %d contexts\n", green("total"), total, edges, len(contexts))
	for _, k := range []graph.Kind{graph.KindBasicBlocks, graph.KindCreate, graph.KindSync, graph.KindBarrier, graph.KindJoin} {
		if kinds[k] > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", k, kinds[k])
		}
	}
	if summary {
		ids := make([]graph.ContextID, 0, len(contexts))
		for id := range contexts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "  context %-4d %d tasks\n", id, contexts[id])
		}
	}
	return nil
}

//nolint:errcheck // Error handling omitted for terminal output formatting
func printRecord(w io.Writer, r *taskfile.Record) {
	kind := r.Kind.String()
	if r.Kind == graph.KindSync {
		kind += "/" + r.SyncKind.String()
	}
	fmt.Fprintf(w, "%s %-14s @%-8d [%d, %d] actions=%d preds=%s succs=%s\n",
		yellow(r.ID), kind, r.FileOffset, r.StartTime, r.EndTime,
		len(r.Actions), idList(r.Predecessors), idList(r.Successors))
}

func idList(ids []graph.TaskID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
