package spiflash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/BertoldVdb/flashident/flashsim"
)

func TestUnprotectClearsProtection(t *testing.T) {
	sim, f := newSim(t, flashsim.Config{JEDEC: [3]byte{0xEF, 0x40, 0x10}, Size: 64 << 10, SFDP: true})
	sim.Protect(0x1F)
	sim.LockBlocks()

	data := getRandomBuf(20, 8192)
	if err := f.Restore(0, 8192, sourceAt(0, data), nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sim.Mem[:8192], data) {
		t.Error("Protected chip not written")
	}
}

func TestUnprotectKeepsQuadEnable(t *testing.T) {
	sim, f := newSim(t, flashsim.Config{JEDEC: [3]byte{0xEF, 0x40, 0x10}, Size: 64 << 10, SFDP: true})
	sim.Protect(0x07)

	/* QE lives in SR2 bit 1 on Winbond parts */
	f.LogFunc = t.Logf
	if err := transfer(sim, nil, []byte{0x06}); err != nil {
		t.Fatal(err)
	}
	if err := transfer(sim, nil, []byte{0x01, sim.Status(0), 0x02}); err != nil {
		t.Fatal(err)
	}

	report, err := f.Unprotect()
	if err != nil {
		t.Fatal(err)
	}
	if !report.Cleared {
		t.Error("Protect bits not cleared", report)
	}
	if report.Before[0]&0x1C != 0x1C {
		t.Error("Before state not captured", report)
	}
	if report.After[1] != 0x02 || sim.Status(1) != 0x02 {
		t.Error("SR2 not preserved", report)
	}
}

func TestUnprotectHardwareLocked(t *testing.T) {
	sim, f := newSim(t, flashsim.Config{JEDEC: [3]byte{0xEF, 0x40, 0x10}, Size: 64 << 10, SFDP: true})
	sim.Protect(0x1F)
	sim.LockStatus()

	var warnings []string
	f.LogFunc = func(format string, params ...any) {
		warnings = append(warnings, format)
	}

	report, err := f.Unprotect()
	if err != nil {
		t.Fatal(err)
	}
	if report.Cleared {
		t.Error("Locked status register reported as cleared")
	}

	/* Restore carries on and the verify catches the protection */
	err = f.Restore(0, 4096, sourceAt(0, getRandomBuf(21, 4096)), nil)
	var vErr *VerifyError
	if !errors.As(err, &vErr) {
		t.Error("Expected VerifyError on protected chip, got", err)
	}

	found := false
	for _, m := range warnings {
		if m == "[RESTORE] WARN: protection may still be active (%s)" {
			found = true
		}
	}
	if !found {
		t.Error("Protection warning not logged")
	}
}
