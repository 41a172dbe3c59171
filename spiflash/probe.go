package spiflash

func (f *Flash) probe() error {
	id, err := f.ReadID()
	if err != nil {
		if id, err = f.ReadID(); err != nil {
			return err
		}
	}
	if id == [3]byte{0xFF, 0xFF, 0xFF} || id == [3]byte{} {
		return ErrNoDevice
	}

	clock := f.chip.ClockHz
	f.chip = Chip{
		ManufacturerID: id[0],
		DeviceType:     id[1],
		CapacityCode:   id[2],
		PageSize:       DefaultPageSize,
		SectorSize:     DefaultSectorSize,
		SectorOpcode:   opErase4K,
		ReadCommand:    opRead,
		ClockHz:        clock,
	}

	var header [8]byte
	if err := f.readSFDP(0, header[:]); err != nil {
		return err
	}

	if string(header[:4]) == sfdpSignature {
		f.chip.HasSFDP = true
		f.chip.SFDPMinor = header[4]
		f.chip.SFDPMajor = header[5]

		/* Fast read is assumed on parts new enough to carry SFDP */
		f.chip.ReadCommand = opFastRead
		f.chip.DummyBytes = 1

		bp, err := readBasicParameters(f.readSFDP, header[:])
		if err != nil {
			f.log("[PROBE] SFDP present but unusable: %v", err)
		} else {
			f.applyBasicParameters(bp)
		}
	}

	if f.chip.TotalBytes == 0 {
		f.chip.TotalBytes = jedecCapacity(f.chip.CapacityCode)
	}
	if f.chip.TotalBytes == 0 {
		f.log("[PROBE] capacity code 0x%02X not recognised", f.chip.CapacityCode)
		return ErrSizeUnknown
	}

	f.log("[PROBE] %s", f.chip.String())
	return f.setAddressMode()
}

func (f *Flash) applyBasicParameters(bp basicParameters) {
	if bp.TotalBytes > 0 {
		f.chip.TotalBytes = bp.TotalBytes
		f.chip.SizeFromSFDP = true
	}

	f.chip.EraseTypes = bp.EraseTypes

	/* Sector is the smallest advertised erase */
	smallest := EraseType{}
	for _, m := range bp.EraseTypes {
		if m.Size != 0 && (smallest.Size == 0 || m.Size < smallest.Size) {
			smallest = m
		}
	}
	if smallest.Size >= DefaultPageSize {
		f.chip.SectorSize = smallest.Size
		f.chip.SectorOpcode = smallest.Opcode
	}
}
