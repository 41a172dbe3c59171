// Package bench measures read throughput and erase times of a flash chip.
// The erase benchmark destroys data; take a backup first.
package bench

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BertoldVdb/flashident/spiflash"
)

var (
	DefaultClocksMHz = []int{63, 32, 21, 16, 13}
	ReadSizes        = [...]int{1, 256, 4096, 32768, 65536}
	ReadLabels       = [...]string{"1byte", "page", "sector", "32KB", "64KB"}
)

const (
	DefaultIterations   = 10
	DefaultEraseAddress = 0x10000

	sectorIndex = 2
	deriveMHz   = 50.0
)

// Flash is the part of *spiflash.Flash the benchmarks use.
type Flash interface {
	Chip() spiflash.Chip
	SetClock(hz uint32) (uint32, error)
	Read(offset uint32, data []byte) (int, error)
	EraseWithOpcode(opcode uint8, address uint32) error
}

type SizeResult struct {
	Bytes     int
	AvgMicros float64
	MBps      float64
}

type ReadResult struct {
	RequestedMHz int

	// ActualHz is the clock the bus reported, which may be far below the
	// request (a CH341A always runs at 1.5 MHz).
	ActualHz uint32
	Sizes    [len(ReadSizes)]SizeResult
}

func (r *ReadResult) ActualMHz() float64 {
	return float64(r.ActualHz) / 1e6
}

type Bench struct {
	Flash      Flash
	Iterations int

	// Now is the time source, time.Now when nil.
	Now func() time.Time

	LogFunc func(format string, params ...any)
}

func (b *Bench) log(format string, params ...any) {
	if b.LogFunc != nil {
		b.LogFunc(format, params...)
	}
}

func (b *Bench) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bench) iterations() int {
	if b.Iterations <= 0 {
		return DefaultIterations
	}
	return b.Iterations
}

func mbps(bytes int, avgMicros float64) float64 {
	if avgMicros <= 0 {
		return 0
	}
	return float64(bytes) / (avgMicros / 1e6) / 1e6
}

// Read times reads from address 0 at every clock. The clock in effect
// before the call is restored afterwards.
func (b *Bench) Read(clocksMHz []int) ([]ReadResult, error) {
	chip := b.Flash.Chip()
	if chip.TotalBytes < uint64(ReadSizes[len(ReadSizes)-1]) {
		return nil, fmt.Errorf("chip too small for read benchmark: %d bytes", chip.TotalBytes)
	}

	defer func() {
		if chip.ClockHz > 0 {
			b.Flash.SetClock(chip.ClockHz)
		}
	}()

	buf := make([]byte, ReadSizes[len(ReadSizes)-1])
	iters := b.iterations()

	var results []ReadResult
	for _, mhz := range clocksMHz {
		actual, err := b.Flash.SetClock(uint32(mhz) * 1000000)
		if err != nil {
			return results, err
		}

		r := ReadResult{RequestedMHz: mhz, ActualHz: actual}
		for si, size := range ReadSizes {
			start := b.now()
			for i := 0; i < iters; i++ {
				if _, err := b.Flash.Read(0, buf[:size]); err != nil {
					return results, err
				}
			}
			avg := float64(b.now().Sub(start).Microseconds()) / float64(iters)

			r.Sizes[si] = SizeResult{Bytes: size, AvgMicros: avg, MBps: mbps(size, avg)}
		}

		b.log("[BENCH] read @ %g MHz: %s %.3f MB/s", r.ActualMHz(), ReadLabels[sectorIndex], r.Sizes[sectorIndex].MBps)
		results = append(results, r)
	}

	return results, nil
}

// Derive50 estimates the 4 KiB read speed at 50 MHz. It interpolates
// between the nearest measured clocks below and above 50 MHz, or scales the
// closest clock linearly when 50 MHz is not bracketed.
func Derive50(results []ReadResult) (float64, bool) {
	lo, hi, closest := -1, -1, -1
	for i := range results {
		f := results[i].ActualMHz()
		if f <= 0 {
			continue
		}
		if f < deriveMHz && (lo < 0 || f > results[lo].ActualMHz()) {
			lo = i
		}
		if f > deriveMHz && (hi < 0 || f < results[hi].ActualMHz()) {
			hi = i
		}
		if closest < 0 || math.Abs(f-deriveMHz) < math.Abs(results[closest].ActualMHz()-deriveMHz) {
			closest = i
		}
	}
	if closest < 0 {
		return 0, false
	}

	if lo >= 0 && hi >= 0 {
		fLo, fHi := results[lo].ActualMHz(), results[hi].ActualMHz()
		mbLo, mbHi := results[lo].Sizes[sectorIndex].MBps, results[hi].Sizes[sectorIndex].MBps
		t := (deriveMHz - fLo) / (fHi - fLo)
		return mbLo + t*(mbHi-mbLo), true
	}

	c := results[closest]
	return c.Sizes[sectorIndex].MBps * (deriveMHz / c.ActualMHz()), true
}

type EraseTiming struct {
	Size     uint32
	Opcode   uint8
	AvgMs    float64
	NotBlank int
}

type EraseResult struct {
	ClockHz uint32
	Timings [3]EraseTiming
}

// Get returns the timing for one erase size.
func (r *EraseResult) Get(size uint32) (EraseTiming, bool) {
	for _, m := range r.Timings {
		if m.Size == size {
			return m, true
		}
	}
	return EraseTiming{}, false
}

// Erase repeatedly erases 4K, 32K and 64K blocks at address. The opcodes
// come from the chip's SFDP erase types when known.
func (b *Bench) Erase(address uint32) (EraseResult, error) {
	var result EraseResult

	chip := b.Flash.Chip()
	result.ClockHz = chip.ClockHz
	if uint64(address)+65536 > chip.TotalBytes {
		return result, errors.New("erase benchmark address beyond end of chip")
	}

	iters := b.iterations()
	var chk [16]byte

	for i, size := range []uint32{4096, 32768, 65536} {
		opcode, ok := chip.EraseOpcode(size)
		if !ok {
			return result, fmt.Errorf("no erase opcode for %d bytes", size)
		}

		addr := address &^ (size - 1)
		t := EraseTiming{Size: size, Opcode: opcode}

		start := b.now()
		for n := 0; n < iters; n++ {
			if err := b.Flash.EraseWithOpcode(opcode, addr); err != nil {
				return result, err
			}
			if _, err := b.Flash.Read(addr, chk[:]); err != nil {
				return result, err
			}
			for _, m := range chk {
				if m != 0xFF {
					t.NotBlank++
					b.log("[BENCH] WARN: erase 0x%02X at 0x%06X left data", opcode, addr)
					break
				}
			}
		}
		t.AvgMs = float64(b.now().Sub(start).Microseconds()) / 1000 / float64(iters)

		b.log("[BENCH] erase %d KiB (0x%02X): %.3f ms", size/1024, opcode, t.AvgMs)
		result.Timings[i] = t
	}

	return result, nil
}
