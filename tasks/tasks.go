// Package tasks strings the flash engine, benchmarks and matcher together
// into the operations the command line offers.
package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/BertoldVdb/flashident/bench"
	"github.com/BertoldVdb/flashident/history"
	"github.com/BertoldVdb/flashident/identify"
	"github.com/BertoldVdb/flashident/image"
	"github.com/BertoldVdb/flashident/report"
	"github.com/BertoldVdb/flashident/spiflash"
	"github.com/BertoldVdb/flashident/storage"
)

var ErrWrongChip = errors.New("image was taken from a different chip")

// Recorder stores finished runs.
type Recorder interface {
	Record(run *history.Run) error
}

type Options struct {
	BackupDir string
	Database  []identify.Profile
	History   Recorder

	Clocks        []int
	Iterations    int
	EraseAddress  uint32
	EraseClockMHz int

	// Destructive enables the write test and the erase benchmark. They only
	// run after a successful backup, which is restored afterwards.
	Destructive bool
	PostDump    bool

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		BackupDir:     ".",
		Clocks:        bench.DefaultClocksMHz,
		Iterations:    bench.DefaultIterations,
		EraseAddress:  bench.DefaultEraseAddress,
		EraseClockMHz: 21,
		Destructive:   true,
		PostDump:      true,
	}
}

type Tasks struct {
	flash *spiflash.Flash
	opts  Options

	LogFunc func(format string, params ...any)
}

func New(flash *spiflash.Flash, opts Options) *Tasks {
	if opts.BackupDir == "" {
		opts.BackupDir = "."
	}
	if len(opts.Clocks) == 0 {
		opts.Clocks = bench.DefaultClocksMHz
	}
	return &Tasks{
		flash: flash,
		opts:  opts,
	}
}

// Chip returns what the prober found.
func (t *Tasks) Chip() spiflash.Chip {
	return t.flash.Chip()
}

func (t *Tasks) log(format string, params ...any) {
	if t.LogFunc != nil {
		t.LogFunc(format, params...)
	}
}

func (t *Tasks) now() time.Time {
	if t.opts.Now != nil {
		return t.opts.Now()
	}
	return time.Now()
}

func jedecBytes(c *spiflash.Chip) [3]byte {
	return [3]byte{c.ManufacturerID, c.DeviceType, c.CapacityCode}
}

// BackupFilename names the backup of a chip after its JEDEC ID.
func BackupFilename(c *spiflash.Chip) string {
	return fmt.Sprintf("univ_%02X%02X%02X.bin", c.ManufacturerID, c.DeviceType, c.CapacityCode)
}

// PostDumpFilename names the raw dump taken after an automatic restore.
func PostDumpFilename(c *spiflash.Chip) string {
	return fmt.Sprintf("state_after_restore_%02X%02X%02X.bin", c.ManufacturerID, c.DeviceType, c.CapacityCode)
}

// Identify returns the measured profile as far as the prober can fill it.
func (t *Tasks) Identify() identify.Profile {
	chip := t.flash.Chip()
	return identify.Profile{
		Model:        "UNKNOWN",
		JEDECID:      chip.JEDECID(),
		CapacityMbit: float64(chip.TotalBytes) * 8 / (1 << 20),
	}
}

// WriteTest programs a test pattern into the page at address and checks it
// reads back. The erase block holding the page is restored afterwards.
func (t *Tasks) WriteTest(address uint32) (bool, error) {
	chip := t.flash.Chip()
	gran := chip.SectorSize
	base := address &^ (gran - 1)
	if uint64(base)+uint64(gran) > chip.TotalBytes {
		return false, fmt.Errorf("write test address 0x%X beyond end of chip", address)
	}

	original := make([]byte, gran)
	if _, err := t.flash.Read(base, original); err != nil {
		return false, err
	}

	pattern := make([]byte, chip.PageSize)
	for i := range pattern {
		pattern[i] = uint8(i) ^ 0xA5
	}

	opts := t.flash.DefaultRestoreOptions()
	opts.VerifyAfterWrite = false

	err := t.flash.Restore(uint64(address), uint64(len(pattern)), spiflash.SourceFunc(func(dst []byte, offset uint64) (int, error) {
		return copy(dst, pattern[offset-uint64(address):]), nil
	}), &opts)
	if err != nil {
		return false, err
	}

	readback := make([]byte, len(pattern))
	if _, err := t.flash.Read(address, readback); err != nil {
		return false, err
	}
	ok := bytes.Equal(readback, pattern)

	opts.VerifyAfterWrite = true
	err = t.flash.Restore(uint64(base), uint64(gran), spiflash.SourceFunc(func(dst []byte, offset uint64) (int, error) {
		return copy(dst, original[offset-uint64(base):]), nil
	}), &opts)
	if err != nil {
		return ok, xerrors.New("restoring write test block", err)
	}

	return ok, nil
}

// BackupToFile stores the whole chip as an image at path.
func (t *Tasks) BackupToFile(path string) (image.Header, error) {
	chip := t.flash.Chip()
	if chip.TotalBytes == 0 {
		return image.Header{}, spiflash.ErrSizeUnknown
	}

	if err := storage.CheckFree(filepath.Dir(path), chip.TotalBytes+image.HeaderSize); err != nil {
		return image.Header{}, xerrors.New("backup", err)
	}

	f, err := storage.Create(path)
	if err != nil {
		return image.Header{}, xerrors.New("creating backup", err)
	}
	defer f.Close()

	w, err := image.NewWriter(f, jedecBytes(&chip))
	if err != nil {
		return image.Header{}, xerrors.New("writing image header", err)
	}

	t.log("[BACKUP] %d bytes to %s", chip.TotalBytes, path)
	if err := t.flash.BackupFull(w); err != nil {
		return image.Header{}, xerrors.New("backup", err)
	}
	if err := w.Close(); err != nil {
		return image.Header{}, xerrors.New("finishing image", err)
	}
	if err := f.Sync(); err != nil {
		return image.Header{}, xerrors.New("syncing backup", err)
	}

	h := w.Header()
	t.log("[BACKUP] done, CRC32 %08X", h.PayloadCRC)
	return h, nil
}

// PostDump writes the raw chip contents to path.
func (t *Tasks) PostDump(path string) error {
	chip := t.flash.Chip()
	if err := storage.CheckFree(filepath.Dir(path), chip.TotalBytes); err != nil {
		return xerrors.New("post dump", err)
	}

	f, err := storage.Create(path)
	if err != nil {
		return xerrors.New("creating post dump", err)
	}
	defer f.Close()

	t.log("[POSTDUMP] Dumping %d bytes to %s", chip.TotalBytes, path)
	if err := t.flash.BackupFull(storage.NewSink(f)); err != nil {
		return xerrors.New("post dump", err)
	}
	return f.Sync()
}

/* openImage opens and checks an image. The chip size is taken from the
 * image when the prober could not find it. */
func (t *Tasks) openImage(path string) (*image.Reader, *os.File, error) {
	f, size, err := storage.Open(path)
	if err != nil {
		return nil, nil, xerrors.New("opening image", err)
	}

	r, err := image.Open(f, size)
	if err == nil {
		err = r.Verify()
	}
	if err != nil {
		f.Close()
		return nil, nil, xerrors.New(path, err)
	}

	chip := t.flash.Chip()
	if !r.Legacy && r.Header.JEDEC != jedecBytes(&chip) {
		f.Close()
		return nil, nil, xerrors.New(fmt.Sprintf("image JEDEC %X, chip %s", r.Header.JEDEC, chip.JEDECID()), ErrWrongChip)
	}

	if chip.TotalBytes == 0 {
		if err := t.flash.SetSize(r.Length()); err != nil {
			f.Close()
			return nil, nil, err
		}
		chip = t.flash.Chip()
	}
	if r.Length() > chip.TotalBytes {
		f.Close()
		return nil, nil, xerrors.New(fmt.Sprintf("image is %d bytes, chip only %d", r.Length(), chip.TotalBytes), spiflash.ErrRange)
	}

	return r, f, nil
}

// RestoreFromFile writes an image back and verifies every block.
func (t *Tasks) RestoreFromFile(path string) error {
	r, f, err := t.openImage(path)
	if err != nil {
		return err
	}
	defer f.Close()

	t.log("[RESTORE] %d bytes from %s", r.Length(), path)
	opts := t.flash.DefaultRestoreOptions()
	src := storage.NewSource(f, r.DataOffset())
	if err := t.flash.Restore(0, r.Length(), src, &opts); err != nil {
		return xerrors.New("restore", err)
	}
	t.log("[RESTORE] done")
	return nil
}

// VerifyFile compares the chip against an image without writing.
func (t *Tasks) VerifyFile(path string) error {
	r, f, err := t.openImage(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := t.flash.Verify(0, r.Length(), storage.NewSource(f, r.DataOffset())); err != nil {
		return xerrors.New("verify", err)
	}
	return nil
}

type Measurement struct {
	Reads      []bench.ReadResult
	Read50MBps float64
	HaveRead50 bool
	Erase      *bench.EraseResult
}

// Apply copies the benchmark figures that take part in matching.
func (m *Measurement) Apply(p *identify.Profile) {
	if m.HaveRead50 {
		p.ReadSpeedMBps = m.Read50MBps
	}
	if m.Erase != nil {
		if e, ok := m.Erase.Get(65536); ok {
			p.EraseSpeedMs = e.AvgMs
		}
	}
}

// Benchmark runs the read benchmark and, when destructive is set, the erase
// benchmark at the erase test address.
func (t *Tasks) Benchmark(destructive bool) (*Measurement, error) {
	b := &bench.Bench{
		Flash:      t.flash,
		Iterations: t.opts.Iterations,
		Now:        t.opts.Now,
		LogFunc:    t.LogFunc,
	}

	var m Measurement
	var err error

	m.Reads, err = b.Read(t.opts.Clocks)
	if err != nil {
		return nil, xerrors.New("read benchmark", err)
	}
	m.Read50MBps, m.HaveRead50 = bench.Derive50(m.Reads)
	if m.HaveRead50 {
		t.log("[CAPTURE] Read speed at 50MHz: %.2f MB/s", m.Read50MBps)
	} else {
		t.log("[CAPTURE] WARN: could not derive 50MHz read speed")
	}

	if !destructive {
		return &m, nil
	}

	if ur, err := t.flash.Unprotect(); err != nil {
		return &m, xerrors.New("unprotect", err)
	} else if !ur.Cleared {
		t.log("[BENCH] WARN: protection may still be active (%s)", ur)
	}

	prev := t.flash.Chip().ClockHz
	if _, err := t.flash.SetClock(uint32(t.opts.EraseClockMHz) * 1000000); err != nil {
		return &m, xerrors.New("erase clock", err)
	}
	er, err := b.Erase(t.opts.EraseAddress)
	if _, cErr := t.flash.SetClock(prev); cErr != nil && err == nil {
		err = cErr
	}
	if err != nil {
		return &m, xerrors.New("erase benchmark", err)
	}
	m.Erase = &er

	return &m, nil
}

// Match scores measured against the reference database.
func (t *Tasks) Match(measured *identify.Profile) (identify.Status, [identify.TopK]identify.Match, error) {
	return identify.MatchDatabase(measured, t.opts.Database)
}

type Result struct {
	Time time.Time
	Chip spiflash.Chip

	Measured identify.Profile
	Bench    *Measurement

	WriteTestRun bool
	WriteTestOK  bool

	Status  identify.Status
	Matches [identify.TopK]identify.Match

	BackupPath    string
	RestoreResult string
	PostDumpPath  string
	ReportPath    string
}

func (r *Result) forensic() *report.Forensic {
	return &report.Forensic{
		Time:          r.Time,
		Measured:      r.Measured,
		Status:        r.Status,
		Matches:       r.Matches,
		BackupPath:    r.BackupPath,
		RestoreResult: r.RestoreResult,
	}
}

func (r *Result) historyRun() *history.Run {
	run := &history.Run{
		Time:          r.Time,
		JEDECID:       r.Measured.JEDECID,
		CapacityMbit:  r.Measured.CapacityMbit,
		ReadSpeedMBps: r.Measured.ReadSpeedMBps,
		EraseSpeedMs:  r.Measured.EraseSpeedMs,
		Status:        r.Status.String(),
		BackupPath:    r.BackupPath,
		RestoreResult: r.RestoreResult,
	}
	if best := &r.Matches[0]; !best.Empty() {
		run.TopMatch = best.Profile.Company + " " + best.Profile.Model
		run.Confidence = best.Confidence.Overall
	}
	return run
}

// Run is the full flow: identify, back up, test writes, benchmark, match,
// restore the backup and dump the chip once more. Destructive steps are
// skipped when the backup failed. Reports go to the backup directory and the
// run is recorded in the history.
func (t *Tasks) Run() (*Result, error) {
	res := &Result{
		Time: t.now(),
		Chip: t.flash.Chip(),
	}
	for i := range res.Matches {
		res.Matches[i].Index = -1
	}

	t.log("[STEP 1/7] Identifying flash chip: %s", &res.Chip)
	res.Measured = t.Identify()
	if res.Chip.TotalBytes == 0 {
		return res, spiflash.ErrSizeUnknown
	}

	if err := os.MkdirAll(t.opts.BackupDir, 0755); err != nil {
		return res, xerrors.New("creating backup directory", err)
	}

	t.log("[STEP 2/7] Backing up")
	backupOK := false
	path := filepath.Join(t.opts.BackupDir, BackupFilename(&res.Chip))
	if _, err := t.BackupToFile(path); err != nil {
		t.log("[BACKUP] failed: %v", err)
	} else {
		backupOK = true
		res.BackupPath = path
	}

	destructive := t.opts.Destructive && backupOK
	if t.opts.Destructive && !backupOK {
		t.log("[STEP 3/7] Destructive tests skipped, there is no backup")
	}

	if destructive {
		t.log("[STEP 3/7] Write/verify test at 0x%X", t.opts.EraseAddress)
		ok, err := t.WriteTest(t.opts.EraseAddress)
		res.WriteTestRun = true
		res.WriteTestOK = ok
		if err != nil {
			t.log("[WRITE TEST] error: %v", err)
		} else if ok {
			t.log("[WRITE TEST] write + verify OK")
		} else {
			t.log("[WRITE TEST] FAILED, data mismatch")
		}
	}

	t.log("[STEP 4/7] Benchmarks")
	m, err := t.Benchmark(destructive)
	if m != nil {
		res.Bench = m
		m.Apply(&res.Measured)
	}
	if err != nil {
		t.log("[BENCH] %v", err)
	}

	t.log("[STEP 5/7] Matching against database")
	res.Status, res.Matches, err = t.Match(&res.Measured)
	if err != nil {
		t.log("[MATCH] %v", err)
	}

	if destructive {
		t.log("[STEP 6/7] Restoring backup")
		if err := t.RestoreFromFile(res.BackupPath); err != nil {
			res.RestoreResult = "failed: " + err.Error()
			t.log("[RESTORE] %v", err)
		} else {
			res.RestoreResult = "verified"

			if t.opts.PostDump {
				dump := filepath.Join(t.opts.BackupDir, PostDumpFilename(&res.Chip))
				if err := t.PostDump(dump); err != nil {
					t.log("[POSTDUMP] %v", err)
				} else {
					res.PostDumpPath = dump
				}
			}
		}
	}

	t.log("[STEP 7/7] Saving results")
	if err := t.saveReport(res); err != nil {
		t.log("[REPORT] %v", err)
	}
	if err := t.appendBenchmarkLog(res); err != nil {
		t.log("[REPORT] %v", err)
	}
	if t.opts.History != nil {
		if err := t.opts.History.Record(res.historyRun()); err != nil {
			t.log("[HISTORY] %v", err)
		}
	}

	return res, nil
}

func (t *Tasks) saveReport(res *Result) error {
	path := filepath.Join(t.opts.BackupDir, report.ForensicFilename(res.Time))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return xerrors.New("creating report directory", err)
	}

	f, err := storage.Create(path)
	if err != nil {
		return xerrors.New("creating report", err)
	}
	defer f.Close()

	if err := report.WriteForensic(f, res.forensic()); err != nil {
		return xerrors.New("writing report", err)
	}
	res.ReportPath = path
	t.log("[REPORT] Forensic report saved: %s", path)
	return nil
}

func (t *Tasks) appendBenchmarkLog(res *Result) error {
	path := filepath.Join(t.opts.BackupDir, report.BenchmarkFilename(res.Time))

	f, existed, err := storage.OpenAppend(path)
	if err != nil {
		return xerrors.New("opening benchmark log", err)
	}
	defer f.Close()

	b := &report.Benchmark{
		Time:     res.Time,
		Measured: res.Measured,
		Best:     &res.Matches[0],
	}
	if res.Bench != nil {
		b.Reads = res.Bench.Reads
		b.Erase = res.Bench.Erase
	}

	if err := report.WriteBenchmark(f, !existed, t.opts.Clocks, b); err != nil {
		return xerrors.New("writing benchmark log", err)
	}
	return nil
}
