package spiflash

import (
	"encoding/binary"
	"fmt"
	"time"
)

type Options struct {
	// ClockHz is requested from the bus before probing. Zero keeps the bus
	// default.
	ClockHz uint32

	// BusyTimeout bounds status polling after page programs and status
	// register writes.
	BusyTimeout time.Duration

	// EraseTimeout bounds status polling after sector and block erases.
	EraseTimeout time.Duration

	ChipEraseTimeout time.Duration

	PollInterval time.Duration

	// MaxBytesPerTransaction limits the bytes inside one chip select,
	// command header included. Zero asks the bus, or means unlimited.
	MaxBytesPerTransaction int

	// Size is used when the prober cannot determine the capacity.
	Size uint64
}

func DefaultOptions() Options {
	return Options{
		ClockHz:          16000000,
		BusyTimeout:      time.Second,
		EraseTimeout:     60 * time.Second,
		ChipEraseTimeout: 400 * time.Second,
	}
}

type Flash struct {
	bus  Bus
	opts Options
	chip Chip

	maxBytesPerTransaction int

	LogFunc      func(format string, params ...any)
	ProgressFunc func(done, total uint64)
}

func (f *Flash) log(format string, params ...any) {
	if f.LogFunc != nil {
		f.LogFunc(format, params...)
	}
}

// New probes the chip on bus. When the identity was read but the capacity
// could not be determined it returns a usable Flash together with an error
// wrapping ErrSizeUnknown; call SetSize before any address based access.
func New(bus Bus, opts Options) (*Flash, error) {
	def := DefaultOptions()
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = def.BusyTimeout
	}
	if opts.EraseTimeout == 0 {
		opts.EraseTimeout = def.EraseTimeout
	}
	if opts.ChipEraseTimeout == 0 {
		opts.ChipEraseTimeout = def.ChipEraseTimeout
	}

	f := &Flash{
		bus:  bus,
		opts: opts,

		maxBytesPerTransaction: opts.MaxBytesPerTransaction,
	}
	if l, ok := bus.(TransactionLimiter); ok && f.maxBytesPerTransaction == 0 {
		f.maxBytesPerTransaction = l.MaxTransactionSize()
	}
	if f.maxBytesPerTransaction != 0 && f.maxBytesPerTransaction < 16 {
		return nil, fmt.Errorf("transaction size %d too small", f.maxBytesPerTransaction)
	}

	if opts.ClockHz > 0 {
		if _, err := f.SetClock(opts.ClockHz); err != nil {
			return nil, err
		}
	}

	if err := f.probe(); err != nil {
		if err != ErrSizeUnknown {
			return nil, err
		}
		if opts.Size == 0 {
			return f, fmt.Errorf("JEDEC %s: %w", f.chip.JEDECID(), err)
		}

		f.log("[PROBE] capacity unknown, using %d bytes", opts.Size)
		if err := f.SetSize(opts.Size); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Chip returns a copy of the probed descriptor.
func (f *Flash) Chip() Chip {
	return f.chip
}

func (f *Flash) SetClock(hz uint32) (uint32, error) {
	actual, err := f.bus.SetClockRate(hz)
	if err != nil {
		return 0, err
	}
	f.chip.ClockHz = actual
	return actual, nil
}

// SetSize supplies a capacity the prober could not find, for example the
// length of a backup image.
func (f *Flash) SetSize(totalBytes uint64) error {
	if totalBytes == 0 {
		return ErrSizeUnknown
	}
	f.chip.TotalBytes = totalBytes
	return f.setAddressMode()
}

func (f *Flash) setAddressMode() error {
	if !needs4ByteAddress(f.chip.TotalBytes) {
		if f.chip.Use4ByteAddress {
			return f.Exit4ByteMode()
		}
		return nil
	}

	f.chip.Use4ByteAddress = true

	f.log("[PROBE] %d bytes, entering 4-byte address mode", f.chip.TotalBytes)
	return transfer(f.bus, nil, []byte{opEnter4ByteMode})
}

// Exit4ByteMode returns the device to 3-byte addressing. The chip is left
// in 4-byte mode by the prober so that other users of the same session keep
// working; call this when done.
func (f *Flash) Exit4ByteMode() error {
	if err := transfer(f.bus, nil, []byte{opExit4ByteMode}); err != nil {
		return err
	}
	f.chip.Use4ByteAddress = false
	return nil
}

func (f *Flash) ReadID() ([3]byte, error) {
	var id [3]byte
	err := transfer(f.bus, id[:], []byte{opReadID})
	return id, err
}

// ReadStatus reads status register 1, 2 or 3.
func (f *Flash) ReadStatus(n int) (uint8, error) {
	op := [...]uint8{opReadStatus1, opReadStatus2, opReadStatus3}
	if n < 1 || n > len(op) {
		return 0, fmt.Errorf("no status register %d", n)
	}

	var result [1]byte
	err := transfer(f.bus, result[:], []byte{op[n-1]})
	return result[0], err
}

func (f *Flash) writeEnable() error {
	return transfer(f.bus, nil, []byte{opWriteEnable})
}

func (f *Flash) waitIdle(maxDuration time.Duration) error {
	timeout := time.Now().Add(maxDuration)
	for {
		status, err := f.ReadStatus(1)
		if err != nil {
			return err
		}
		if status&statusBusy == 0 {
			return nil
		}
		if !time.Now().Before(timeout) {
			return ErrTimeout
		}
		if f.opts.PollInterval > 0 {
			time.Sleep(f.opts.PollInterval)
		}
	}
}

/* command builds opcode, address and dummy bytes for the current address mode */
func (f *Flash) command(opcode uint8, address uint32, dummy int) []byte {
	if f.chip.Use4ByteAddress {
		cmd := make([]byte, 5+dummy)
		binary.BigEndian.PutUint32(cmd[1:], address)
		cmd[0] = opcode
		return cmd
	}

	cmd := make([]byte, 4+dummy)
	binary.BigEndian.PutUint32(cmd, address)
	cmd[0] = opcode
	return cmd
}

func (f *Flash) EraseChip() error {
	if err := f.writeEnable(); err != nil {
		return err
	}

	if err := transfer(f.bus, nil, []byte{opChipErase}); err != nil {
		return err
	}

	return f.waitIdle(f.opts.ChipEraseTimeout)
}

// Erase erases the size bytes block at address, which must be aligned.
func (f *Flash) Erase(address uint32, size uint32) error {
	opcode, ok := f.chip.EraseOpcode(size)
	if !ok {
		return fmt.Errorf("%w: %d bytes", ErrEraseSize, size)
	}
	if address%size != 0 {
		return fmt.Errorf("%w: 0x%08X/%d", ErrUnaligned, address, size)
	}

	return f.EraseWithOpcode(opcode, address)
}

// EraseWithOpcode issues a raw erase command and waits for completion.
func (f *Flash) EraseWithOpcode(opcode uint8, address uint32) error {
	if err := f.writeEnable(); err != nil {
		return err
	}

	if err := transfer(f.bus, nil, f.command(opcode, address, 0)); err != nil {
		return err
	}

	if err := f.waitIdle(f.opts.EraseTimeout); err != nil {
		return fmt.Errorf("erase 0x%02X at 0x%08X: %w", opcode, address, err)
	}
	return nil
}

func (f *Flash) write(offset uint32, data []byte, trim bool) (int, error) {
	/* Do not write over page boundary */
	maxLen := pageCrossLength(offset, uint32(len(data)), f.chip.PageSize)
	if len(data) > maxLen {
		data = data[:maxLen]
	}

	/* Do not waste time writing large 0xFFFFFF blocks */
	skippedFront := 0
	skippedEnd := 0
	if trim {
		for i, m := range data {
			if m != 0xFF {
				offset += uint32(i)
				skippedFront = i
				data = data[i:]
				break
			}
		}

		for len(data) > 0 && data[len(data)-1] == 0xFF {
			data = data[:len(data)-1]
			skippedEnd++
		}
		if len(data) == 0 {
			return skippedFront + skippedEnd, nil
		}
	}

	cmd := f.command(opPageProgram, offset, 0)

	/* Ensure the transmission is not too long */
	if f.maxBytesPerTransaction > 0 && len(data)+len(cmd) > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-len(cmd)]
		skippedEnd = 0
	}

	if err := f.writeEnable(); err != nil {
		return 0, err
	}

	if err := transfer(f.bus, nil, cmd, data); err != nil {
		return 0, err
	}

	if err := f.waitIdle(f.opts.BusyTimeout); err != nil {
		return 0, fmt.Errorf("program at 0x%08X: %w", offset, err)
	}

	return skippedFront + skippedEnd + len(data), nil
}

// Write programs data without erasing first. Commands are split at page
// boundaries and runs of 0xFF are not sent.
func (f *Flash) Write(offset uint32, data []byte) (int, error) {
	return f.program(offset, data, true)
}

func (f *Flash) program(offset uint32, data []byte, trim bool) (int, error) {
	return completeIO(offset, data, func(offset uint32, buf []byte) (int, error) {
		return f.write(offset, buf, trim)
	})
}

func (f *Flash) read(offset uint32, data []byte) (int, error) {
	cmd := f.command(f.chip.ReadCommand, offset, f.chip.DummyBytes)
	if f.maxBytesPerTransaction > 0 && len(data)+len(cmd) > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-len(cmd)]
	}

	if err := transfer(f.bus, data, cmd); err != nil {
		return 0, err
	}

	return len(data), nil
}

func (f *Flash) Read(offset uint32, data []byte) (int, error) {
	return completeIO(offset, data, f.read)
}
