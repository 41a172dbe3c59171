package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashident/bench"
	"github.com/BertoldVdb/flashident/history"
	"github.com/BertoldVdb/flashident/report"
	"github.com/BertoldVdb/flashident/tasks"
)

var (
	identifyReadOnly   bool
	identifyNoPostDump bool
	identifyIterations int
	identifyNoHistory  bool
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Identify the chip against the reference database",
	Long: `Run the full identification flow:

  1. read the JEDEC ID and SFDP parameters
  2. back up the chip
  3. program and verify a test page (destructive)
  4. measure read speed at several clocks and the erase times (destructive)
  5. score the measurements against the reference database
  6. restore the backup and verify it, then dump the chip once more
  7. write the forensic report, the benchmark log and the history entry

Destructive steps only run after a successful backup. Use --read-only to
skip them altogether.`,
	Args: cobra.NoArgs,
	RunE: runIdentify,
}

func init() {
	f := identifyCmd.Flags()
	f.BoolVar(&identifyReadOnly, "read-only", false, "skip the write test and the erase benchmark")
	f.BoolVar(&identifyNoPostDump, "no-postdump", false, "do not dump the chip after restoring it")
	f.IntVar(&identifyIterations, "iterations", bench.DefaultIterations, "read benchmark iterations per size")
	f.BoolVar(&identifyNoHistory, "no-history", false, "do not record the run in the history database")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	db, err := loadDatabase()
	if err != nil {
		return err
	}

	flash, closer, err := openFlash()
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := tasks.DefaultOptions()
	opts.BackupDir = cfg.BackupDir
	opts.Database = db.Profiles
	opts.Iterations = identifyIterations
	opts.Destructive = !identifyReadOnly
	opts.PostDump = !identifyNoPostDump

	if !identifyNoHistory {
		store, err := history.Open(cfg.History)
		if err != nil {
			logf("[HISTORY] %v", err)
		} else {
			defer store.Close()
			opts.History = store
		}
	}

	t := tasks.New(flash, opts)
	t.LogFunc = logf

	res, err := t.Run()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := report.WriteMatches(out, &res.Measured, res.Status, res.Matches); err != nil {
		return err
	}

	if res.BackupPath != "" {
		fmt.Fprintf(out, "\nBackup:   %s\n", res.BackupPath)
	}
	if res.WriteTestRun {
		fmt.Fprintf(out, "Write test: %v\n", res.WriteTestOK)
	}
	if res.RestoreResult != "" {
		fmt.Fprintf(out, "Restore:  %s\n", res.RestoreResult)
	}
	if res.ReportPath != "" {
		fmt.Fprintf(out, "Report:   %s\n", res.ReportPath)
	}
	return nil
}
