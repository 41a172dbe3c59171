// Package flashsim is an in-memory SPI NOR flash that speaks the standard
// command set over the spiflash bus interface. It keeps a log of every
// program and erase command so callers can check how a chip was driven.
package flashsim

import (
	"encoding/binary"
	"errors"
)

var ErrNotSelected = errors.New("flashsim: transfer without chip select")

const (
	statusBusy = 1 << 0
	statusWEL  = 1 << 1
	statusBP   = 0x7C
)

// Op is one program or erase command as seen by the chip.
type Op struct {
	Opcode byte
	Addr   uint32
	Len    int
}

type Config struct {
	JEDEC    [3]byte
	Size     int
	PageSize int

	// SFDP enables a JESD216 table with a basic flash parameter table
	// describing Size and the 4K/32K/64K erase types.
	SFDP bool

	// VendorHeaderFirst puts a vendor parameter header in front of the
	// basic flash parameter table header.
	VendorHeaderFirst bool

	MaxClockHz uint32
}

type Chip struct {
	Mem []byte

	id       [3]byte
	sfdp     []byte
	pageSize int
	maxClock uint32
	clock    uint32

	sr         [3]byte
	wel        bool
	ewsr       bool
	addr4      bool
	blockLock  bool
	selected   bool
	cmd        []byte
	readPos    int
	busyLeft   int
	stuck      map[uint32]byte
	statusLock bool

	// BusyPolls is the number of status reads that still report busy
	// after each program, erase or status write.
	BusyPolls int

	// StuckBusy makes the chip report busy forever.
	StuckBusy bool

	// GlobalUnlock enables support for the 0x98 global block unlock.
	GlobalUnlock bool

	Programs       []Op
	Erases         []Op
	PageViolations int
}

func New(cfg Config) *Chip {
	if cfg.PageSize == 0 {
		cfg.PageSize = 256
	}
	if cfg.MaxClockHz == 0 {
		cfg.MaxClockHz = 50000000
	}

	c := &Chip{
		Mem:          make([]byte, cfg.Size),
		id:           cfg.JEDEC,
		pageSize:     cfg.PageSize,
		maxClock:     cfg.MaxClockHz,
		stuck:        map[uint32]byte{},
		GlobalUnlock: true,
	}
	for i := range c.Mem {
		c.Mem[i] = 0xFF
	}

	if cfg.SFDP {
		c.sfdp = buildSFDP(uint64(cfg.Size), cfg.VendorHeaderFirst)
	}

	return c
}

// Protect sets the block protect bits in status register 1.
func (c *Chip) Protect(bp byte) {
	c.sr[0] = (c.sr[0] &^ statusBP) | (bp << 2 & statusBP)
}

// LockBlocks sets the individual block locks that only 0x98 releases.
func (c *Chip) LockBlocks() {
	c.blockLock = true
}

// LockStatus makes status register writes ineffective, as with SRP set and
// the WP# pin held low.
func (c *Chip) LockStatus() {
	c.statusLock = true
}

// SetStuck forces the bits in mask to read as one at addr, no matter what
// gets programmed there.
func (c *Chip) SetStuck(addr uint32, mask byte) {
	c.stuck[addr] = mask
	c.Mem[addr] |= mask
}

func (c *Chip) Status(n int) byte {
	return c.sr[n]
}

func (c *Chip) FourByteMode() bool {
	return c.addr4
}

func (c *Chip) ClockHz() uint32 {
	return c.clock
}

func (c *Chip) ResetLog() {
	c.Programs = nil
	c.Erases = nil
	c.PageViolations = 0
}

func (c *Chip) Select() error {
	c.selected = true
	c.cmd = c.cmd[:0]
	c.readPos = 0
	return nil
}

func (c *Chip) Transmit(out []byte) error {
	if !c.selected {
		return ErrNotSelected
	}
	c.cmd = append(c.cmd, out...)
	return nil
}

func (c *Chip) Receive(in []byte) error {
	if !c.selected {
		return ErrNotSelected
	}

	for i := range in {
		in[i] = c.output(c.readPos)
		c.readPos++
	}
	return nil
}

func (c *Chip) Deselect() error {
	if !c.selected {
		return ErrNotSelected
	}
	c.selected = false

	if len(c.cmd) > 0 && c.readPos == 0 {
		c.execute()
	}
	return nil
}

func (c *Chip) SetClockRate(hz uint32) (uint32, error) {
	if hz > c.maxClock {
		hz = c.maxClock
	}
	c.clock = hz
	return hz, nil
}

func (c *Chip) addrLen() int {
	if c.addr4 {
		return 4
	}
	return 3
}

func (c *Chip) address(hdr []byte) (uint32, bool) {
	n := c.addrLen()
	if len(hdr) < n {
		return 0, false
	}
	var a uint32
	for _, m := range hdr[:n] {
		a = a<<8 | uint32(m)
	}
	return a, true
}

func (c *Chip) status1() byte {
	s := c.sr[0]
	if c.wel {
		s |= statusWEL
	}
	if c.StuckBusy {
		return s | statusBusy
	}
	if c.busyLeft > 0 {
		c.busyLeft--
		s |= statusBusy
	}
	return s
}

/* output returns the byte clocked out at position pos of the read phase */
func (c *Chip) output(pos int) byte {
	if len(c.cmd) == 0 {
		return 0xFF
	}

	switch c.cmd[0] {
	case 0x9F:
		if pos < 3 {
			return c.id[pos]
		}
		return 0xFF

	case 0x05:
		return c.status1()
	case 0x35:
		return c.sr[1]
	case 0x15:
		return c.sr[2]

	case 0x5A:
		if len(c.cmd) < 5 || c.sfdp == nil {
			return 0xFF
		}
		a := int(c.cmd[1])<<16 | int(c.cmd[2])<<8 | int(c.cmd[3])
		if a+pos < len(c.sfdp) {
			return c.sfdp[a+pos]
		}
		return 0xFF

	case 0x03, 0x0B:
		hdr := c.cmd[1:]
		a, ok := c.address(hdr)
		if !ok || len(c.Mem) == 0 {
			return 0xFF
		}
		if c.cmd[0] == 0x0B && len(hdr) < c.addrLen()+1 {
			return 0xFF
		}
		return c.Mem[(int(a)+pos)%len(c.Mem)]
	}

	return 0xFF
}

func (c *Chip) writable() bool {
	return c.sr[0]&statusBP == 0 && !c.blockLock
}

func (c *Chip) startBusy() {
	c.busyLeft = c.BusyPolls
}

func (c *Chip) execute() {
	op := c.cmd[0]

	switch op {
	case 0x06:
		c.wel = true
		return
	case 0x04:
		c.wel = false
		return
	case 0x50:
		c.ewsr = true
		return
	case 0xB7:
		c.addr4 = true
		return
	case 0xE9:
		c.addr4 = false
		return
	}

	/* Everything below needs a write enable */
	if !c.wel && !(op == 0x01 && c.ewsr) {
		return
	}
	defer func() {
		c.wel = false
		c.ewsr = false
	}()

	switch op {
	case 0x98:
		if c.GlobalUnlock {
			c.blockLock = false
		}
		c.startBusy()

	case 0x01:
		if !c.statusLock {
			if len(c.cmd) > 1 {
				c.sr[0] = c.cmd[1] &^ (statusBusy | statusWEL)
			}
			if len(c.cmd) > 2 {
				c.sr[1] = c.cmd[2]
			}
		}
		c.startBusy()

	case 0x02:
		a, ok := c.address(c.cmd[1:])
		if !ok {
			return
		}
		data := c.cmd[1+c.addrLen():]
		c.Programs = append(c.Programs, Op{Opcode: op, Addr: a, Len: len(data)})

		pageBase := int(a) &^ (c.pageSize - 1)
		if int(a)+len(data) > pageBase+c.pageSize {
			c.PageViolations++
		}
		if c.writable() && len(c.Mem) > 0 {
			for i, m := range data {
				/* Page program wraps inside the page like real parts */
				p := pageBase + (int(a)-pageBase+i)%c.pageSize
				p %= len(c.Mem)
				c.Mem[p] &= m
				c.Mem[p] |= c.stuck[uint32(p)]
			}
		}
		c.startBusy()

	case 0x20, 0x52, 0xD8:
		a, ok := c.address(c.cmd[1:])
		if !ok {
			return
		}
		size := map[byte]int{0x20: 4096, 0x52: 32768, 0xD8: 65536}[op]
		c.Erases = append(c.Erases, Op{Opcode: op, Addr: a, Len: size})
		if c.writable() {
			base := int(a) &^ (size - 1)
			for i := base; i < base+size && i < len(c.Mem); i++ {
				c.Mem[i] = 0xFF | c.stuck[uint32(i)]
			}
		}
		c.startBusy()

	case 0xC7, 0x60:
		c.Erases = append(c.Erases, Op{Opcode: op, Len: len(c.Mem)})
		if c.writable() {
			for i := range c.Mem {
				c.Mem[i] = 0xFF
			}
		}
		c.startBusy()
	}
}

func buildSFDP(size uint64, vendorFirst bool) []byte {
	const bfptPtr = 0x30
	const bfptDwords = 16

	t := make([]byte, bfptPtr+bfptDwords*4)
	for i := range t {
		t[i] = 0xFF
	}
	copy(t, "SFDP")
	t[4] = 6 /* minor */
	t[5] = 1 /* major */
	t[7] = 0xFF

	headers := [][8]byte{
		{0x00, 6, 1, bfptDwords, bfptPtr, 0, 0, 0xFF},
	}
	if vendorFirst {
		vendor := [8]byte{0xC2, 0, 1, 4, 0x20, 0, 0, 0xFF}
		headers = append([][8]byte{vendor}, headers...)
		/* Vendor table content, must not be mistaken for the BFPT */
		copy(t[0x20:], []byte{0, 0, 0, 0, 0xEE, 0xEE, 0xEE, 0x7E})
	}
	t[6] = byte(len(headers) - 1)
	for i, h := range headers {
		copy(t[8+8*i:], h[:])
	}

	bfpt := t[bfptPtr:]
	dw := func(i int, v uint32) {
		binary.LittleEndian.PutUint32(bfpt[4*i:], v)
	}

	dw(0, 0xFFF120E5)
	bits := size * 8
	if bits <= 1<<31 {
		dw(1, uint32(bits-1))
	} else {
		n := uint32(0)
		for (uint64(1) << n) < bits {
			n++
		}
		dw(1, 0x80000000|n)
	}
	dw(7, 0x520F200C)
	dw(8, 0x0000D810)

	return t
}
