package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var probeUnprotect bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read the JEDEC ID and SFDP parameters of the attached chip",
	Args:  cobra.NoArgs,
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeUnprotect, "unprotect", false, "also try to clear the write protection bits")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	flash, closer, err := openFlash()
	if err != nil {
		return err
	}
	defer closer.Close()

	chip := flash.Chip()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "JEDEC ID:     %s\n", chip.JEDECID())
	if chip.TotalBytes > 0 {
		fmt.Fprintf(out, "Capacity:     %d bytes (%g Mbit)\n", chip.TotalBytes, float64(chip.TotalBytes)*8/(1<<20))
	} else {
		fmt.Fprintf(out, "Capacity:     unknown\n")
	}
	if chip.HasSFDP {
		fmt.Fprintf(out, "SFDP:         rev %d.%d, size from SFDP: %v\n", chip.SFDPMajor, chip.SFDPMinor, chip.SizeFromSFDP)
	} else {
		fmt.Fprintf(out, "SFDP:         not present\n")
	}
	addr := 3
	if chip.Use4ByteAddress {
		addr = 4
	}
	fmt.Fprintf(out, "Addressing:   %d byte\n", addr)
	fmt.Fprintf(out, "Read:         0x%02X with %d dummy bytes\n", chip.ReadCommand, chip.DummyBytes)
	fmt.Fprintf(out, "Page/sector:  %d / %d bytes (erase 0x%02X)\n", chip.PageSize, chip.SectorSize, chip.SectorOpcode)
	for _, e := range chip.EraseTypes {
		if e.Size > 0 {
			fmt.Fprintf(out, "Erase type:   %d bytes, opcode 0x%02X\n", e.Size, e.Opcode)
		}
	}
	fmt.Fprintf(out, "Clock:        %d Hz\n", chip.ClockHz)

	if probeUnprotect {
		ur, err := flash.Unprotect()
		fmt.Fprintf(out, "Unprotect:    %s, cleared=%v\n", ur, ur.Cleared)
		if err != nil {
			return err
		}
	}

	return nil
}
