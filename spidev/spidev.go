// Package spidev drives a flash chip through the Linux spidev character
// device.
package spidev

import (
	"errors"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/flashident/spiflash"
)

const (
	SPI_IOC_WR_MODE          = 0x40016b01
	SPI_IOC_WR_BITS_PER_WORD = 0x40016b03
	SPI_IOC_WR_MAX_SPEED_HZ  = 0x40046b04

	SPI_MODE_0 = 0x00
)

// spiIocMessage is SPI_IOC_MESSAGE(n).
func spiIocMessage(n int) uintptr {
	return uintptr(1<<30 | (n*int(unsafe.Sizeof(SPIIocTransfer{})))<<16 | 'k'<<8)
}

type SPIIocTransfer struct {
	TxBuf          uint64 // userspace pointer to data to send, or 0
	RxBuf          uint64 // userspace pointer to receive buffer, or 0
	Len            uint32 // bytes in each buffer
	SpeedHz        uint32 // overrides the device default when set
	DelayUsecs     uint16 // delay after the last bit before deselect
	BitsPerWord    uint8  // overrides the device default when set
	CSChange       uint8  // deselect before the next transfer
	TxNbits        uint8
	RxNbits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

type Device struct {
	path  string
	fd    int
	speed uint32

	maxTransaction int
}

// New opens a spidev node. The path may also be given as "bus.cs", for
// example "0.0" for /dev/spidev0.0.
func New(path string) (*Device, error) {
	d := &Device{
		path: path,
		fd:   -1,
	}

	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) open() error {
	path := d.path
	if bus, cs, ok := isBusPath(path); ok {
		path = devicePath(bus, cs)
	}

	var err error
	d.fd, err = unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		return err
	}

	if err := d.ioctlByte(SPI_IOC_WR_MODE, SPI_MODE_0); err != nil {
		d.Close()
		return err
	}
	if err := d.ioctlByte(SPI_IOC_WR_BITS_PER_WORD, 8); err != nil {
		d.Close()
		return err
	}

	d.maxTransaction = readBufferSize()
	return nil
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}

	fd := d.fd
	d.fd = -1

	return unix.Close(fd)
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) ioctlByte(req uintptr, v uint8) error {
	return d.ioctl(req, unsafe.Pointer(&v))
}

// SetSpeed sets the default clock of the device. The driver does not report
// the rate it ends up using, so the requested one is returned.
func (d *Device) SetSpeed(hz uint32) (uint32, error) {
	if err := d.ioctl(SPI_IOC_WR_MAX_SPEED_HZ, unsafe.Pointer(&hz)); err != nil {
		return 0, err
	}
	d.speed = hz
	return hz, nil
}

// SPI clocks out, then reads in, in one chip select.
func (d *Device) SPI(out []byte, in []byte) error {
	if d.fd < 0 {
		return errors.New("device is closed")
	}

	var xfer [2]SPIIocTransfer
	n := 0

	if len(out) > 0 {
		xfer[n] = SPIIocTransfer{
			TxBuf:       uint64(uintptr(unsafe.Pointer(&out[0]))),
			Len:         uint32(len(out)),
			SpeedHz:     d.speed,
			BitsPerWord: 8,
		}
		n++
	}
	if len(in) > 0 {
		xfer[n] = SPIIocTransfer{
			RxBuf:       uint64(uintptr(unsafe.Pointer(&in[0]))),
			Len:         uint32(len(in)),
			SpeedHz:     d.speed,
			BitsPerWord: 8,
		}
		n++
	}
	if n == 0 {
		return nil
	}

	err := d.ioctl(spiIocMessage(n), unsafe.Pointer(&xfer[0]))
	runtime.KeepAlive(out)
	runtime.KeepAlive(in)
	return err
}

func (d *Device) MaxTransactionSize() int {
	return d.maxTransaction
}

// Bus returns the device as a flash bus.
func (d *Device) Bus() *spiflash.FuncBus {
	return &spiflash.FuncBus{
		SPI:   d.SPI,
		Clock: d.SetSpeed,
		Max:   d.maxTransaction,
	}
}
