package spiflash

import (
	"encoding/binary"
	"errors"
)

const (
	sfdpSignature = "SFDP"

	// Used when no parameter header is tagged as the basic table.
	bfptFallbackPointer = 0x30
	bfptFallbackDwords  = 16

	bfptDensityDword = 1
	bfptEraseDword   = 7
)

type sfdpReader func(offset uint32, out []byte) error

type basicParameters struct {
	TotalBytes uint64
	EraseTypes [4]EraseType
}

func (f *Flash) readSFDP(offset uint32, out []byte) error {
	_, err := completeIO(offset, out, func(offset uint32, buf []byte) (int, error) {
		cmd := []byte{opReadSFDP, byte(offset >> 16), byte(offset >> 8), byte(offset), 0}
		if f.maxBytesPerTransaction > 0 && len(buf)+len(cmd) > f.maxBytesPerTransaction {
			buf = buf[:f.maxBytesPerTransaction-len(cmd)]
		}
		return len(buf), transfer(f.bus, buf, cmd)
	})
	return err
}

// parameterHeader is one JESD216 parameter header.
type parameterHeader struct {
	IDLSB   uint8
	Minor   uint8
	Major   uint8
	Dwords  uint8
	Pointer uint32
	IDMSB   uint8
}

func decodeParameterHeader(b []byte) parameterHeader {
	return parameterHeader{
		IDLSB:   b[0],
		Minor:   b[1],
		Major:   b[2],
		Dwords:  b[3],
		Pointer: uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16,
		IDMSB:   b[7],
	}
}

// readBasicParameters locates the basic flash parameter table through the
// parameter headers and decodes density and erase types from it. header is
// the 8 byte SFDP header.
func readBasicParameters(read sfdpReader, header []byte) (basicParameters, error) {
	var result basicParameters

	ptr := uint32(bfptFallbackPointer)
	dwords := bfptFallbackDwords

	count := int(header[6]) + 1
	for i := 0; i < count; i++ {
		var b [8]byte
		if err := read(uint32(8+8*i), b[:]); err != nil {
			return result, err
		}

		ph := decodeParameterHeader(b[:])
		if ph.IDLSB == 0x00 {
			ptr = ph.Pointer
			dwords = int(ph.Dwords)
			break
		}
	}

	if dwords <= bfptDensityDword {
		return result, errors.New("basic flash parameter table too short")
	}
	if dwords > bfptEraseDword+2 {
		dwords = bfptEraseDword + 2
	}

	table := make([]byte, 4*dwords)
	if err := read(ptr, table); err != nil {
		return result, err
	}

	result.TotalBytes = decodeDensity(binary.LittleEndian.Uint32(table[4*bfptDensityDword:]))

	if dwords >= bfptEraseDword+2 {
		result.EraseTypes = decodeEraseTypes(table[4*bfptEraseDword : 4*bfptEraseDword+8])
	}

	return result, nil
}

// decodeDensity converts the density dword to bytes. With bit 31 clear the
// field is the size in bits minus one, otherwise the size is 2^N bits.
// Zero is returned for values that cannot be a 32-bit addressable chip.
func decodeDensity(d uint32) uint64 {
	var bytes uint64
	if d&0x80000000 == 0 {
		bytes = (uint64(d) + 1) / 8
	} else {
		n := d & 0x7FFFFFFF
		if n < 3 || n >= 64 {
			return 0
		}
		bytes = 1 << (n - 3)
	}

	if bytes < 1024 || bytes > 1<<32 {
		return 0
	}
	return bytes
}

func decodeEraseTypes(b []byte) [4]EraseType {
	var result [4]EraseType
	for i := range result {
		exp := b[2*i]
		if exp == 0 || exp >= 32 {
			continue
		}
		result[i] = EraseType{Size: 1 << exp, Opcode: b[2*i+1]}
	}
	return result
}
