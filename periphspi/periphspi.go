// Package periphspi drives a flash chip through any SPI port periph.io knows
// about (spidev, FT232H, sysfs bit-banging).
package periphspi

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/BertoldVdb/flashident/spiflash"
)

const defaultMaxTransaction = 4096

var (
	hostMu          sync.Mutex
	hostInitialized bool

	hostInit = func() error {
		_, err := host.Init()
		return err
	}
)

/* initHost loads the periph.io drivers once. A failed attempt is retried on
 * the next Open. */
func initHost() error {
	hostMu.Lock()
	defer hostMu.Unlock()

	if hostInitialized {
		return nil
	}
	if err := hostInit(); err != nil {
		return fmt.Errorf("host initialization failed: %w", err)
	}
	hostInitialized = true
	return nil
}

type txConn interface {
	Tx(w, r []byte) error
}

type Device struct {
	name string
	port spi.PortCloser
	conn txConn
	cs   gpio.PinIO

	clock physic.Frequency
	max   int
	buf   []byte
}

// Open opens the named SPI port ("" for the first one). When csPin is not
// empty chip select is driven through that GPIO instead of the port's own.
func Open(name string, csPin string, hz uint32) (*Device, error) {
	if err := initHost(); err != nil {
		return nil, err
	}

	d := &Device{
		name:  name,
		clock: physic.Frequency(hz) * physic.Hertz,
	}

	if csPin != "" {
		d.cs = gpioreg.ByName(csPin)
		if d.cs == nil {
			return nil, fmt.Errorf("GPIO %s not found", csPin)
		}
		if err := d.cs.Out(gpio.High); err != nil {
			return nil, err
		}
	}

	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) connect() error {
	port, err := spireg.Open(d.name)
	if err != nil {
		return fmt.Errorf("failed to open SPI port: %w", err)
	}

	mode := spi.Mode0
	if d.cs != nil {
		mode |= spi.NoCS
	}

	c, err := port.Connect(d.clock, mode, 8)
	if err != nil {
		port.Close()
		return err
	}

	d.port = port
	d.conn = c
	d.max = defaultMaxTransaction
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		d.max = l.MaxTxSize()
	}
	return nil
}

func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	port := d.port
	d.port = nil
	d.conn = nil
	return port.Close()
}

// SetSpeed reconnects the port at a new clock. periph only accepts the clock
// when connecting.
func (d *Device) SetSpeed(hz uint32) (uint32, error) {
	f := physic.Frequency(hz) * physic.Hertz
	if f == d.clock && d.conn != nil {
		return hz, nil
	}

	d.Close()
	d.clock = f
	if err := d.connect(); err != nil {
		return 0, err
	}
	return hz, nil
}

/* exec wraps a transaction with the GPIO chip select, if there is one */
func (d *Device) exec(tx func() error) (err error) {
	if d.cs == nil {
		return tx()
	}

	if err = d.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := d.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return tx()
}

// SPI clocks out, then reads in. The port is full duplex so both halves go
// through one buffer.
func (d *Device) SPI(out []byte, in []byte) error {
	if d.conn == nil {
		return errors.New("device is closed")
	}

	n := len(out) + len(in)
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	w := d.buf[:n]
	copy(w, out)
	for i := len(out); i < n; i++ {
		w[i] = 0xFF
	}

	r := make([]byte, n)
	return d.exec(func() error {
		if err := d.conn.Tx(w, r); err != nil {
			return err
		}
		copy(in, r[len(out):])
		return nil
	})
}

func (d *Device) MaxTransactionSize() int {
	return d.max
}

// Bus returns the device as a flash bus.
func (d *Device) Bus() *spiflash.FuncBus {
	return &spiflash.FuncBus{
		SPI:   d.SPI,
		Clock: d.SetSpeed,
		Max:   d.max,
	}
}
