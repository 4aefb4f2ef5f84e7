package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/andrewh/tracewrap/pkg/gen/ledger"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func statusCmd(g *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent generation runs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := g.loadConfig(cmd, map[string]string{"generate.cache_db": "cache-db"})
			if err != nil {
				return err
			}
			if cfg.Generate.CacheDB == "" {
				return errors.New("no ledger configured; set --cache-db or generate.cache_db")
			}

			ctx := cmd.Context()
			led, err := ledger.Open(ctx, cfg.Generate.CacheDB)
			if err != nil {
				return err
			}
			defer led.Close()

			entries, err := led.Entries(ctx)
			if err != nil {
				return err
			}
			runs, err := led.Runs(ctx, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "%d tracked %s\n", len(entries), plural(len(entries), "file"))
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(w, "no runs recorded")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"Run", "Started", "Generated", "Unchanged", "Removed", "Errors", "Warnings"})
			for _, r := range runs {
				tw.AppendRow(table.Row{r.ID, r.StartedAt.Format(time.DateTime), r.Generated, r.Unchanged, r.Removed, r.Errors, r.Warnings})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().String("cache-db", "", "SQLite ledger written by generate --cache-db")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to show")
	return cmd
}
