// Package ch341a drives a flash chip through a CH341A USB programmer in SPI
// mode.
package ch341a

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/google/gousb"
)

const (
	VendorID  = 0x1A86
	ProductID = 0x5512

	EndpointOUT = 0x02
	EndpointIN  = 0x82

	PacketSize = 32

	// The SPI clock of the chip is fixed.
	ClockHz = 1500000

	cmdSPIStream = 0xA8
	cmdI2CStream = 0xAA
	cmdUIOStream = 0xAB

	i2cStmSet   = 0x60
	i2cStm100K  = 0x01
	i2cStmEnd   = 0x00
	uioStmOut   = 0x80
	uioStmDir   = 0x40
	uioStmEnd   = 0x20
	pinsCSLow   = 0x36
	pinsCSHigh  = 0x37
	pinsOutputs = 0x3F
)

// pipe is the pair of bulk endpoints.
type pipe interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
}

type endpoints struct {
	out *gousb.OutEndpoint
	in  *gousb.InEndpoint
}

func (e *endpoints) Write(b []byte) (int, error) {
	return e.out.Write(b)
}

func (e *endpoints) Read(b []byte) (int, error) {
	return e.in.Read(b)
}

type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()

	pipe pipe
	buf  [PacketSize]byte
}

// Open claims the first CH341A on the bus and configures it for SPI.
func Open() (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", VendorID, ProductID)
	}

	/* Not supported everywhere */
	dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointOUT & 0x0F)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(EndpointIN & 0x0F)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open IN endpoint: %w", err)
	}

	d := &Device{
		ctx:  ctx,
		dev:  dev,
		done: done,
		pipe: &endpoints{out: epOut, in: epIn},
	}

	if err := d.configure(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	return nil
}

func (d *Device) write(b []byte) error {
	n, err := d.pipe.Write(b)
	if err != nil {
		return fmt.Errorf("USB write failed: %w", err)
	}
	if n != len(b) {
		return errors.New("USB short write")
	}
	return nil
}

func (d *Device) configure() error {
	if err := d.write([]byte{cmdI2CStream, i2cStmSet | i2cStm100K, i2cStmEnd}); err != nil {
		return err
	}
	return d.setCS(false)
}

func (d *Device) setCS(active bool) error {
	pins := byte(pinsCSHigh)
	if active {
		pins = pinsCSLow
	}
	return d.write([]byte{cmdUIOStream, uioStmOut | pins, uioStmDir | pinsOutputs, uioStmEnd})
}

func (d *Device) Select() error {
	return d.setCS(true)
}

func (d *Device) Deselect() error {
	return d.setCS(false)
}

/* exchange shifts out and reads back at most PacketSize-1 bytes. The
 * programmer sends LSB first so every byte is mirrored. */
func (d *Device) exchange(out []byte, in []byte) error {
	pkt := d.buf[:1+len(out)]
	pkt[0] = cmdSPIStream
	for i, m := range out {
		pkt[1+i] = bits.Reverse8(m)
	}
	if err := d.write(pkt); err != nil {
		return err
	}

	resp := d.buf[:len(out)]
	got := 0
	for got < len(resp) {
		n, err := d.pipe.Read(resp[got:])
		if err != nil {
			return fmt.Errorf("USB read failed: %w", err)
		}
		if n == 0 {
			return errors.New("USB short read")
		}
		got += n
	}

	for i := range in {
		in[i] = bits.Reverse8(resp[i])
	}
	return nil
}

func (d *Device) Transmit(out []byte) error {
	for len(out) > 0 {
		n := len(out)
		if n > PacketSize-1 {
			n = PacketSize - 1
		}
		if err := d.exchange(out[:n], nil); err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

func (d *Device) Receive(in []byte) error {
	var dummy [PacketSize - 1]byte
	for i := range dummy {
		dummy[i] = 0xFF
	}

	for len(in) > 0 {
		n := len(in)
		if n > len(dummy) {
			n = len(dummy)
		}
		if err := d.exchange(dummy[:n], in[:n]); err != nil {
			return err
		}
		in = in[n:]
	}
	return nil
}

// SetClockRate cannot change anything, the programmer always runs at about
// 1.5 MHz.
func (d *Device) SetClockRate(hz uint32) (uint32, error) {
	return ClockHz, nil
}
