package image

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	crcTable = crc.NewTable(crc.CRC32)
}

func newHash() *crc.Hash {
	return crc.NewHashWithTable(crcTable)
}

func crcCalculateBlock(data []byte) uint32 {
	h := newHash()
	h.Update(data)
	return h.CRC32()
}

// crcWriteCheck stores value at the start of slice when doWrite is set and
// reports whether the previous content already matched.
func crcWriteCheck(slice []byte, value uint32, doWrite bool) bool {
	if len(slice) < 4 {
		panic("slice length invalid")
	}

	orig := binary.BigEndian.Uint32(slice)
	if doWrite {
		binary.BigEndian.PutUint32(slice, value)
	}
	return orig == value
}
