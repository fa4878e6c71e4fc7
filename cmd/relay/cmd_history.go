package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show what the ledger has recorded",
	Long: `Show forward records of a source channel, or the ledger totals.

Channel ids are the canonical ids printed by "relay resolve".`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Int64("source", 0, "Source channel id (all channels when 0)")
	historyCmd.Flags().Bool("stats", false, "Print record counts only")
	historyCmd.Flags().Bool("json", false, "Print json")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	asJSON, _ := cmd.Flags().GetBool("json")
	if statsOnly, _ := cmd.Flags().GetBool("stats"); statsOnly {
		stats, err := ledger.Stats(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}
		fmt.Printf("downloads: %d\nuploads:   %d\nforwards:  %d\n", stats.Downloads, stats.Uploads, stats.Forwards)
		return nil
	}

	source, _ := cmd.Flags().GetInt64("source")
	records, err := ledger.ListForwards(ctx, source)
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tMESSAGE\tDESTINATION\tRECORDED")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.Source, r.MessageID, r.Destination, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}
