package spiflash

// Bus is the transport a Flash talks through. Between Select and Deselect
// all transmitted and received bytes belong to one command.
type Bus interface {
	Select() error
	Deselect() error
	Transmit(out []byte) error
	Receive(in []byte) error

	// SetClockRate requests a bus clock and returns the one in effect.
	SetClockRate(hz uint32) (uint32, error)
}

// TransactionLimiter is implemented by buses that can only move a bounded
// number of bytes inside one chip select.
type TransactionLimiter interface {
	MaxTransactionSize() int
}

// SPIFunc performs one complete transaction: out is clocked out, then in is
// filled, with chip select held for the whole exchange.
type SPIFunc func(out []byte, in []byte) error

// FuncBus adapts a transport that can only do complete transactions. The
// bytes passed to Transmit are held until Receive or Deselect.
type FuncBus struct {
	SPI   SPIFunc
	Clock func(hz uint32) (uint32, error)
	Max   int

	pending []byte
	active  bool
}

func (b *FuncBus) Select() error {
	b.pending = b.pending[:0]
	b.active = true
	return nil
}

func (b *FuncBus) Transmit(out []byte) error {
	b.pending = append(b.pending, out...)
	return nil
}

func (b *FuncBus) Receive(in []byte) error {
	b.active = false
	return b.SPI(b.pending, in)
}

func (b *FuncBus) Deselect() error {
	if !b.active {
		return nil
	}
	b.active = false
	if len(b.pending) == 0 {
		return nil
	}
	return b.SPI(b.pending, nil)
}

func (b *FuncBus) SetClockRate(hz uint32) (uint32, error) {
	if b.Clock == nil {
		return hz, nil
	}
	return b.Clock(hz)
}

func (b *FuncBus) MaxTransactionSize() int {
	return b.Max
}

// transfer runs one chip-select framed command.
func transfer(bus Bus, in []byte, out ...[]byte) (err error) {
	if err := bus.Select(); err != nil {
		return err
	}
	defer func() {
		if dErr := bus.Deselect(); err == nil {
			err = dErr
		}
	}()

	for _, m := range out {
		if len(m) == 0 {
			continue
		}
		if err := bus.Transmit(m); err != nil {
			return err
		}
	}

	if len(in) > 0 {
		return bus.Receive(in)
	}
	return nil
}
