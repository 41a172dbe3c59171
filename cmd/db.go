package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashident/chipdb"
	"github.com/BertoldVdb/flashident/history"
	"github.com/BertoldVdb/flashident/report"
)

var dbLookup string

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "List the reference database",
	Args:  cobra.NoArgs,
	RunE:  runDB,
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent identification runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	dbCmd.Flags().StringVar(&dbLookup, "lookup", "", "only show entries with this JEDEC ID")
	rootCmd.AddCommand(dbCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func runDB(cmd *cobra.Command, args []string) error {
	db, err := loadDatabase()
	if err != nil {
		return err
	}

	profiles := db.Profiles
	if dbLookup != "" {
		id, ok := chipdb.NormalizeJEDECID(dbLookup)
		if !ok {
			return fmt.Errorf("invalid JEDEC ID: %s", dbLookup)
		}
		profiles = db.Lookup(id)
		if len(profiles) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No entries for %s\n", id)
			return nil
		}
	}

	return report.WriteDatabase(cmd.OutOrStdout(), profiles)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	for _, r := range runs {
		match := r.TopMatch
		if match == "" {
			match = "-"
		}
		fmt.Fprintf(out, "%4d  %s  %s  %6.1f Mbit  %-10s %s (%.1f%%)",
			r.ID, r.Time.Local().Format(time.DateTime), r.JEDECID, r.CapacityMbit, r.Status, match, r.Confidence)
		if r.RestoreResult != "" {
			fmt.Fprintf(out, "  restore: %s", r.RestoreResult)
		}
		fmt.Fprintln(out)
	}
	return nil
}
