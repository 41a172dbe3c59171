package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashident/tasks"
)

var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Read the whole chip into an image file",
	Long: `Read the whole chip into an image file with a CRC protected header.
Without a file name the image is written to the backup directory as
univ_<JEDEC>.bin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Write an image back to the chip and verify it",
	Long: `Write an image back to the chip. The image must have been taken from a
chip with the same JEDEC ID. Raw images without a header are accepted as well.
Blocks that already hold the right data are skipped, everything written is
read back and compared.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Compare the chip with an image file",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
}

func newTasks() (*tasks.Tasks, func() error, error) {
	flash, closer, err := openFlash()
	if err != nil {
		return nil, nil, err
	}

	opts := tasks.DefaultOptions()
	opts.BackupDir = cfg.BackupDir

	t := tasks.New(flash, opts)
	t.LogFunc = logf
	return t, closer.Close, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	t, done, err := newTasks()
	if err != nil {
		return err
	}
	defer done()

	chip := t.Chip()
	path := filepath.Join(cfg.BackupDir, tasks.BackupFilename(&chip))
	if len(args) > 0 {
		path = args[0]
	}

	hdr, err := t.BackupToFile(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup of %s written to %s (%d bytes, CRC %08X)\n",
		chip.JEDECID(), path, hdr.Length, hdr.PayloadCRC)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	t, done, err := newTasks()
	if err != nil {
		return err
	}
	defer done()

	if err := t.RestoreFromFile(args[0]); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restored and verified %s\n", args[0])
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	t, done, err := newTasks()
	if err != nil {
		return err
	}
	defer done()

	if err := t.VerifyFile(args[0]); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Chip matches %s\n", args[0])
	return nil
}
