package spiflash

import "fmt"

const (
	opWriteStatus     = 0x01
	opPageProgram     = 0x02
	opRead            = 0x03
	opWriteDisable    = 0x04
	opReadStatus1     = 0x05
	opWriteEnable     = 0x06
	opFastRead        = 0x0B
	opReadStatus3     = 0x15
	opErase4K         = 0x20
	opReadStatus2     = 0x35
	opWriteEnableSR   = 0x50
	opErase32K        = 0x52
	opReadSFDP        = 0x5A
	opGlobalUnlock    = 0x98
	opReadID          = 0x9F
	opEnter4ByteMode  = 0xB7
	opChipErase       = 0xC7
	opErase64K        = 0xD8
	opExit4ByteMode   = 0xE9
	statusBusy        = 1 << 0
	statusProtectMask = 0x7C
)

const (
	DefaultPageSize   = 256
	DefaultSectorSize = 4096

	// Largest size that still fits 3-byte addressing.
	ThreeByteLimit = 16 * 1024 * 1024

	// LegacyFallbackSize is the conservative size the legacy full-chip
	// backup assumes when detection failed.
	LegacyFallbackSize = 512 * 1024
)

var defaultEraseOpcodes = map[uint32]uint8{
	4096:  opErase4K,
	32768: opErase32K,
	65536: opErase64K,
}

// EraseType is one erase command advertised by the chip. A zero Size means
// the slot is unused.
type EraseType struct {
	Size   uint32
	Opcode uint8
}

// Chip describes what the prober learned about the attached flash.
type Chip struct {
	ManufacturerID uint8
	DeviceType     uint8
	CapacityCode   uint8

	// TotalBytes is zero when the capacity could not be determined.
	TotalBytes uint64

	HasSFDP      bool
	SFDPMajor    uint8
	SFDPMinor    uint8
	SizeFromSFDP bool

	Use4ByteAddress bool

	PageSize   uint32
	SectorSize uint32

	ReadCommand uint8
	DummyBytes  int

	EraseTypes   [4]EraseType
	SectorOpcode uint8

	ClockHz uint32
}

// JEDECID formats the identity bytes the way the reference database stores
// them.
func (c *Chip) JEDECID() string {
	return fmt.Sprintf("%02X %02X %02X", c.ManufacturerID, c.DeviceType, c.CapacityCode)
}

func (c *Chip) String() string {
	addr := 3
	if c.Use4ByteAddress {
		addr = 4
	}
	return fmt.Sprintf("JEDEC %s, %d bytes, sfdp=%v, %d-byte address, read 0x%02X+%d dummy, sector %d",
		c.JEDECID(), c.TotalBytes, c.HasSFDP, addr, c.ReadCommand, c.DummyBytes, c.SectorSize)
}

// EraseOpcode returns the command that erases size bytes. SFDP erase types
// take precedence over the common 4K/32K/64K opcodes.
func (c *Chip) EraseOpcode(size uint32) (uint8, bool) {
	for _, m := range c.EraseTypes {
		if m.Size == size && m.Size != 0 {
			return m.Opcode, true
		}
	}
	op, ok := defaultEraseOpcodes[size]
	return op, ok
}

// needs4ByteAddress reports whether addresses beyond 16 MiB exist.
func needs4ByteAddress(totalBytes uint64) bool {
	return totalBytes > ThreeByteLimit
}

// jedecCapacity interprets the JEDEC capacity code as 2^code bytes.
func jedecCapacity(code uint8) uint64 {
	if code < 0x10 || code > 0x1F {
		return 0
	}
	return 1 << code
}
