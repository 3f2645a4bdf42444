package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"data-sync-bridge/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass against the remote replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := setup()
		if err != nil {
			return err
		}
		defer b.mgr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		results, err := b.engine.SyncAllTables(ctx, b.cfg.SyncWindow())
		if err != nil {
			if errors.Is(err, syncengine.ErrRemoteUnavailable) {
				return fmt.Errorf("remote replica unreachable, nothing synced")
			}
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tAPPLIED\tCONFLICTS\tERROR")
		tables := make([]string, 0, len(results))
		for t := range results {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			r := results[t]
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.Table, r.ChangesApplied, r.ConflictsFound, r.Error)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync attempts and unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := setup()
		if err != nil {
			return err
		}
		defer b.mgr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		statuses, err := b.engine.RecentStatuses(ctx, 20)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSTATUS\tMESSAGE")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Timestamp.Format(time.RFC3339), s.SyncType, s.Status, s.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		conflicts, err := b.engine.UnresolvedConflicts(ctx)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			fmt.Printf("\n%d unresolved conflicts:\n", len(conflicts))
			for _, c := range conflicts {
				fmt.Printf("  %s  %s/%s  %s\n", c.ID, c.TableName, c.RecordID, c.ErrorMessage)
			}
		}

		return nil
	},
}
