package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashident/config"
)

var (
	// Global flags
	verbose     bool
	envFile     string
	flagAdapter string
	flagDevice  string
	flagCS      string
	flagClock   uint32
	flagDB      string
	flagHistory string
	flagOutDir  string
	flagSize    string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flashident",
	Short: "SPI NOR flash identification, backup and restore",
	Long: `Identify an SPI NOR flash by JEDEC ID, SFDP and timing benchmarks, and
back it up to or restore it from an image file.

Examples:
  flashident probe --adapter spidev --device 0.0    # Show what the prober found
  flashident backup chip.bin                        # Back up the whole chip
  flashident restore chip.bin                       # Write an image back, verified
  flashident identify                               # Full identification flow
  flashident db --lookup "EF 40 18"                 # Search the reference database`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if verbose {
			fmt.Fprintln(os.Stderr, xerrors.Sprint(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&envFile, "env", "", "environment file (default ./.env when present)")
	pf.StringVarP(&flagAdapter, "adapter", "a", config.AdapterSim, "adapter: sim, spidev, ch341a or periph")
	pf.StringVarP(&flagDevice, "device", "d", "", "spidev node or periph.io SPI port name")
	pf.StringVar(&flagCS, "cs", "", "GPIO used as chip select (periph)")
	pf.Uint32Var(&flagClock, "clock", 16000000, "SPI clock in Hz")
	pf.StringVar(&flagDB, "database", "", "reference database CSV (default built in)")
	pf.StringVar(&flagHistory, "history", "flashident.db", "run history database")
	pf.StringVarP(&flagOutDir, "backup-dir", "o", ".", "directory for backups and reports")
	pf.StringVar(&flagSize, "size", "", "chip size when it cannot be detected, e.g. 4M, or \"legacy\" for 512K")
}

/* loadConfig merges the environment with the flags that were given */
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(envFile)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("adapter") {
		cfg.Adapter = flagAdapter
	}
	if f.Changed("device") {
		cfg.Device = flagDevice
	}
	if f.Changed("cs") {
		cfg.CSPin = flagCS
	}
	if f.Changed("clock") {
		cfg.ClockHz = flagClock
	}
	if f.Changed("database") {
		cfg.Database = flagDB
	}
	if f.Changed("history") {
		cfg.History = flagHistory
	}
	if f.Changed("backup-dir") {
		cfg.BackupDir = flagOutDir
	}

	return cfg.Validate()
}

func logf(format string, params ...any) {
	log.Printf(format, params...)
}

func verbosef(format string, params ...any) {
	if verbose {
		log.Printf(format, params...)
	}
}
