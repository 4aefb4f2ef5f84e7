package main

import (
	"fmt"
	"io"
	"os"

	"github.com/andrewh/tracewrap/pkg/traceview"
	"github.com/spf13/cobra"
)

func traceCmd() *cobra.Command {
	var (
		format string
		view   string
	)

	cmd := &cobra.Command{
		Use:   "trace <file | ->",
		Short: "Render span trees from stdouttrace or OTLP JSON exports",
		Long: "Render span trees from a trace export so that propagation can be checked offline.\n\n" +
			"Spans whose parent is absent from the input are flagged; each one marks a\n" +
			"context that did not reach the code that created the span.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing trace file\n\nUsage: tracewrap trace <file | ->")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			spans, err := traceview.ParseSpans(r, traceview.Format(format))
			if err != nil {
				return err
			}
			trees := traceview.BuildTrees(spans)

			w := cmd.OutOrStdout()
			switch view {
			case "tree":
				if err := traceview.RenderTree(w, trees); err != nil {
					return err
				}
			case "table":
				traceview.RenderTable(w, trees)
			case "summary":
				traceview.RenderSummary(w, traceview.Summarize(trees))
			default:
				return fmt.Errorf("unknown view %q, valid views: tree, table, summary", view)
			}

			orphans := 0
			for _, t := range trees {
				orphans += len(t.Orphans)
			}
			if orphans > 0 {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %d %s with a missing parent\n", orphans, plural(orphans, "span"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(traceview.FormatAuto), "input format: auto, stdouttrace, or otlp")
	cmd.Flags().StringVar(&view, "view", "tree", "output: tree, table, or summary")
	return cmd
}
