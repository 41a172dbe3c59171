package spiflash

import "fmt"

// UnprotectReport holds status registers 1-3 around an unprotect attempt.
type UnprotectReport struct {
	Before  [3]uint8
	After   [3]uint8
	Cleared bool
}

func (r UnprotectReport) String() string {
	return fmt.Sprintf("SR1=%02X SR2=%02X SR3=%02X -> SR1=%02X SR2=%02X SR3=%02X",
		r.Before[0], r.Before[1], r.Before[2], r.After[0], r.After[1], r.After[2])
}

func (f *Flash) readStatusAll() ([3]uint8, error) {
	var result [3]uint8
	for i := range result {
		s, err := f.ReadStatus(i + 1)
		if err != nil {
			return result, err
		}
		result[i] = s
	}
	return result, nil
}

// Unprotect tries the generic way of clearing write protection: global
// block unlock, then status register 1 with the protect and SRP bits
// cleared while status register 2 is written back unchanged. Parts that
// ignore a step are fine. Cleared tells whether the block protect bits read
// back as zero; a later verify remains the authoritative check.
func (f *Flash) Unprotect() (UnprotectReport, error) {
	var report UnprotectReport

	before, err := f.readStatusAll()
	if err != nil {
		return report, err
	}
	report.Before = before
	f.log("[UNPROTECT] before SR1=%02X SR2=%02X SR3=%02X", before[0], before[1], before[2])

	if err := f.writeEnable(); err != nil {
		return report, err
	}
	if err := transfer(f.bus, nil, []byte{opGlobalUnlock}); err != nil {
		return report, err
	}
	if err := f.waitIdle(f.opts.BusyTimeout); err != nil {
		return report, fmt.Errorf("global unlock: %w", err)
	}

	/* BP0-BP4 and SRP live in bits 2-7, QE in SR2 must survive */
	sr1 := before[0] &^ 0xFC
	sr2 := before[1]

	if err := transfer(f.bus, nil, []byte{opWriteEnableSR}); err != nil {
		return report, err
	}
	if err := f.writeEnable(); err != nil {
		return report, err
	}
	if err := transfer(f.bus, nil, []byte{opWriteStatus, sr1, sr2}); err != nil {
		return report, err
	}
	if err := f.waitIdle(f.opts.BusyTimeout); err != nil {
		return report, fmt.Errorf("status write: %w", err)
	}

	after, err := f.readStatusAll()
	if err != nil {
		return report, err
	}
	report.After = after
	report.Cleared = after[0]&statusProtectMask == 0

	f.log("[UNPROTECT] after SR1=%02X SR2=%02X SR3=%02X", after[0], after[1], after[2])
	if !report.Cleared {
		f.log("[UNPROTECT] WARN: protect bits still set (SR1=%02X)", after[0])
	}

	return report, nil
}
