package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashident/spidev"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the spidev nodes of this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := spidev.FindDevices()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(devs) == 0 {
			fmt.Fprintln(out, "No spidev devices found")
			return nil
		}
		for _, m := range devs {
			fmt.Fprintln(out, m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
