package bench

import (
	"math"
	"testing"
	"time"

	"github.com/BertoldVdb/flashident/flashsim"
	"github.com/BertoldVdb/flashident/spiflash"
)

func result(mhz int, sectorMBps float64) ReadResult {
	r := ReadResult{RequestedMHz: mhz, ActualHz: uint32(mhz) * 1000000}
	r.Sizes[sectorIndex].MBps = sectorMBps
	return r
}

func TestDerive50Interpolates(t *testing.T) {
	v, ok := Derive50([]ReadResult{result(63, 7), result(32, 4), result(21, 2)})
	if !ok {
		t.Fatal("No derivation")
	}
	want := 4 + (50.0-32)/(63-32)*(7-4)
	if math.Abs(v-want) > 1e-9 {
		t.Error("Wrong interpolation", v, want)
	}
}

func TestDerive50Scales(t *testing.T) {
	v, ok := Derive50([]ReadResult{result(16, 1.6), result(32, 3.5), result(13, 1.3)})
	if !ok || math.Abs(v-3.5*50/32) > 1e-9 {
		t.Error("Expected scaling of closest clock", v)
	}

	if _, ok := Derive50(nil); ok {
		t.Error("Derivation without data")
	}
}

func fakeClock(step time.Duration) func() time.Time {
	now := time.Unix(0, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func newFlash(t *testing.T) (*flashsim.Chip, *spiflash.Flash) {
	sim := flashsim.New(flashsim.Config{JEDEC: [3]byte{0xEF, 0x40, 0x14}, Size: 1 << 20, SFDP: true, MaxClockHz: 40000000})
	f, err := spiflash.New(sim, spiflash.Options{ClockHz: 16000000})
	if err != nil {
		t.Fatal(err)
	}
	return sim, f
}

func TestReadBenchmark(t *testing.T) {
	sim, f := newFlash(t)
	b := &Bench{Flash: f, Iterations: 4, Now: fakeClock(time.Millisecond)}

	results, err := b.Read([]int{63, 16})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatal("Expected two clocks")
	}
	if results[0].ActualHz != 40000000 || results[1].ActualHz != 16000000 {
		t.Error("Actual clock not reported", results[0].ActualHz, results[1].ActualHz)
	}

	s := results[0].Sizes[sectorIndex]
	if s.Bytes != 4096 || s.AvgMicros != 250 || math.Abs(s.MBps-4096/250.0) > 1e-9 {
		t.Error("Wrong sector result", s)
	}
	if sim.ClockHz() != 16000000 {
		t.Error("Clock not restored", sim.ClockHz())
	}
}

func TestReadBenchmarkFractionalClock(t *testing.T) {
	sim := flashsim.New(flashsim.Config{JEDEC: [3]byte{0xEF, 0x40, 0x14}, Size: 1 << 20, SFDP: true, MaxClockHz: 1500000})
	f, err := spiflash.New(sim, spiflash.Options{ClockHz: 1500000})
	if err != nil {
		t.Fatal(err)
	}
	b := &Bench{Flash: f, Iterations: 4, Now: fakeClock(time.Millisecond)}

	results, err := b.Read(DefaultClocksMHz)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range results {
		if m.ActualHz != 1500000 || m.ActualMHz() != 1.5 {
			t.Error("Clock truncated", m.ActualHz, m.ActualMHz())
		}
	}

	sector := results[0].Sizes[sectorIndex].MBps
	v, ok := Derive50(results)
	if !ok || math.Abs(v-sector*50/1.5) > 1e-9 {
		t.Error("Wrong 50 MHz estimate", v, sector*50/1.5)
	}

	r, err := b.Erase(DefaultEraseAddress)
	if err != nil || r.ClockHz != 1500000 {
		t.Error("Erase clock truncated", r.ClockHz, err)
	}
}

func TestEraseBenchmark(t *testing.T) {
	sim, f := newFlash(t)
	b := &Bench{Flash: f, Iterations: 2, Now: fakeClock(3 * time.Millisecond)}

	r, err := b.Erase(DefaultEraseAddress)
	if err != nil {
		t.Fatal(err)
	}

	if len(sim.Erases) != 6 {
		t.Error("Expected six erases", len(sim.Erases))
	}
	want := []uint8{0x20, 0x52, 0xD8}
	for i, m := range r.Timings {
		if m.Opcode != want[i] || m.AvgMs != 1.5 || m.NotBlank != 0 {
			t.Error("Wrong timing", m)
		}
	}

	if m, ok := r.Get(65536); !ok || m.Opcode != 0xD8 {
		t.Error("Lookup failed")
	}

	if _, err := b.Erase(1<<20 - 4096); err == nil {
		t.Error("Address beyond chip accepted")
	}
}
