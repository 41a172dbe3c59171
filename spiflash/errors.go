package spiflash

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice    = errors.New("no flash device responded")
	ErrSizeUnknown = errors.New("flash size could not be determined")
	ErrTimeout     = errors.New("timeout waiting for flash to become idle")
	ErrUnaligned   = errors.New("address not aligned to erase granularity")
	ErrRange       = errors.New("range exceeds flash size")
	ErrEraseSize   = errors.New("no erase command for granularity")
	ErrOptions     = errors.New("invalid restore options")
)

// VerifyError reports the first byte that did not read back as written.
type VerifyError struct {
	Offset uint64
	Wrote  byte
	Read   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify mismatch at 0x%08X: wrote 0x%02X read 0x%02X", e.Offset, e.Wrote, e.Read)
}

// ShortIOError reports a sink or source that moved fewer bytes than asked
// or failed outright.
type ShortIOError struct {
	Op     string
	Offset uint64
	Want   int
	Got    int
	Err    error
}

func (e *ShortIOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at 0x%08X: %v", e.Op, e.Offset, e.Err)
	}
	return fmt.Sprintf("short %s at 0x%08X: %d of %d bytes", e.Op, e.Offset, e.Got, e.Want)
}

func (e *ShortIOError) Unwrap() error {
	return e.Err
}
