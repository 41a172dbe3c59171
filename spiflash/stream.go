package spiflash

import (
	"bytes"
	"errors"
	"fmt"
)

const DefaultChunkSize = 64 * 1024

// Sink receives backup data in address order.
type Sink interface {
	WriteChunk(data []byte, offset uint64) error
}

type SinkFunc func(data []byte, offset uint64) error

func (s SinkFunc) WriteChunk(data []byte, offset uint64) error {
	return s(data, offset)
}

// Source supplies restore data. Returning fewer bytes than len(dst) aborts
// the restore.
type Source interface {
	ReadChunk(dst []byte, offset uint64) (int, error)
}

type SourceFunc func(dst []byte, offset uint64) (int, error)

func (s SourceFunc) ReadChunk(dst []byte, offset uint64) (int, error) {
	return s(dst, offset)
}

type RestoreOptions struct {
	VerifyAfterWrite bool

	// SkipEraseWhenBlank leaves a block alone when both the source and the
	// chip already read as all 0xFF.
	SkipEraseWhenBlank bool

	SkipProgramWhenBlank bool

	// ProgramChunk must divide the page size.
	ProgramChunk uint32

	EraseGranularity uint32
}

func (f *Flash) DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		VerifyAfterWrite:     true,
		SkipEraseWhenBlank:   true,
		SkipProgramWhenBlank: true,
		ProgramChunk:         f.chip.PageSize,
		EraseGranularity:     f.chip.SectorSize,
	}
}

func (f *Flash) checkRestoreOptions(o *RestoreOptions) error {
	page := f.chip.PageSize
	if o.ProgramChunk == 0 || o.ProgramChunk > page || page%o.ProgramChunk != 0 {
		return fmt.Errorf("%w: program chunk %d with page size %d", ErrOptions, o.ProgramChunk, page)
	}
	if !isPowerOfTwo(o.EraseGranularity) || o.EraseGranularity < page {
		return fmt.Errorf("%w: erase granularity %d", ErrOptions, o.EraseGranularity)
	}
	if _, ok := f.chip.EraseOpcode(o.EraseGranularity); !ok {
		return fmt.Errorf("%w: %d bytes", ErrEraseSize, o.EraseGranularity)
	}
	return nil
}

func (f *Flash) checkRange(offset, length uint64) error {
	size := f.chip.TotalBytes
	if size == 0 {
		return ErrSizeUnknown
	}
	if offset > size || length > size-offset {
		return fmt.Errorf("%w: 0x%X+0x%X > 0x%X", ErrRange, offset, length, size)
	}
	return nil
}

func sinkError(err error, offset uint64, want int) error {
	var sErr *ShortIOError
	if errors.As(err, &sErr) {
		return err
	}
	return &ShortIOError{Op: "sink write", Offset: offset, Want: want, Err: err}
}

// Backup streams [offset, offset+length) to sink in chunkSize pieces. The
// first sink error ends the backup.
func (f *Flash) Backup(offset, length uint64, chunkSize int, sink Sink) error {
	if sink == nil {
		return errors.New("nil sink")
	}
	if chunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if err := f.checkRange(offset, length); err != nil {
		return err
	}

	if uint64(chunkSize) > length {
		chunkSize = int(length)
	}
	buf := make([]byte, chunkSize)

	for done := uint64(0); done < length; {
		n := len(buf)
		if left := length - done; left < uint64(n) {
			n = int(left)
		}
		addr := offset + done

		if _, err := f.Read(uint32(addr), buf[:n]); err != nil {
			return fmt.Errorf("read at 0x%08X: %w", addr, err)
		}
		if err := sink.WriteChunk(buf[:n], addr); err != nil {
			return sinkError(err, addr, n)
		}

		done += uint64(n)
		f.progress(done, length)
	}

	return nil
}

// BackupFull copies the whole chip in 64 KiB chunks.
func (f *Flash) BackupFull(sink Sink) error {
	return f.Backup(0, f.chip.TotalBytes, DefaultChunkSize, sink)
}

func (f *Flash) progress(done, total uint64) {
	if f.ProgressFunc != nil {
		f.ProgressFunc(done, total)
	}
}

func readSource(src Source, dst []byte, offset uint64) error {
	n, err := src.ReadChunk(dst, offset)
	if err != nil {
		var sErr *ShortIOError
		if errors.As(err, &sErr) {
			return err
		}
		return &ShortIOError{Op: "source read", Offset: offset, Want: len(dst), Got: n, Err: err}
	}
	if n != len(dst) {
		return &ShortIOError{Op: "source read", Offset: offset, Want: len(dst), Got: n}
	}
	return nil
}

func compareBlock(base uint64, want, got []byte) error {
	if bytes.Equal(want, got) {
		return nil
	}
	for i := range want {
		if want[i] != got[i] {
			return &VerifyError{Offset: base + uint64(i), Wrote: want[i], Read: got[i]}
		}
	}
	return nil
}

// Restore writes [offset, offset+length) from src. Every erase block that
// the range touches is erased in full; bytes of such a block outside the
// range are read from the chip first and written back. A nil opts uses
// DefaultRestoreOptions. Unprotect is attempted first and only logged when
// it does not succeed.
func (f *Flash) Restore(offset, length uint64, src Source, opts *RestoreOptions) error {
	if src == nil {
		return errors.New("nil source")
	}

	o := f.DefaultRestoreOptions()
	if opts != nil {
		o = *opts
	}
	if err := f.checkRestoreOptions(&o); err != nil {
		return err
	}
	if err := f.checkRange(offset, length); err != nil {
		return err
	}

	if report, err := f.Unprotect(); err != nil {
		f.log("[RESTORE] WARN: unprotect failed: %v", err)
	} else if !report.Cleared {
		f.log("[RESTORE] WARN: protection may still be active (%s)", report)
	}

	gran := uint64(o.EraseGranularity)
	stage := make([]byte, gran)
	current := make([]byte, gran)

	end := offset + length
	for addr := offset; addr < end; {
		base := addr - addr%gran
		blockEnd := base + gran
		if blockEnd > f.chip.TotalBytes {
			blockEnd = f.chip.TotalBytes
		}
		windowEnd := blockEnd
		if end < windowEnd {
			windowEnd = end
		}

		n := int(blockEnd - base)
		lo := int(addr - base)
		hi := int(windowEnd - base)

		if err := readSource(src, stage[lo:hi], addr); err != nil {
			return err
		}

		haveCurrent := false
		if lo > 0 || hi < n {
			if _, err := f.Read(uint32(base), current[:n]); err != nil {
				return err
			}
			copy(stage[:lo], current[:lo])
			copy(stage[hi:n], current[hi:n])
			haveCurrent = true
		}
		data := stage[:n]

		if err := f.restoreBlock(base, data, current[:n], haveCurrent, &o); err != nil {
			return err
		}

		addr = windowEnd
		f.progress(addr-offset, length)
	}

	return nil
}

func (f *Flash) restoreBlock(base uint64, data []byte, current []byte, haveCurrent bool, o *RestoreOptions) error {
	blank := isBlank(data)

	if blank && o.SkipEraseWhenBlank {
		if !haveCurrent {
			if _, err := f.Read(uint32(base), current); err != nil {
				return err
			}
		}
		if isBlank(current) {
			return nil
		}
	}

	if err := f.EraseWithOpcode(f.eraseOpcode(o.EraseGranularity), uint32(base)); err != nil {
		return err
	}

	if !blank || !o.SkipEraseWhenBlank {
		for i := 0; i < len(data); i += int(o.ProgramChunk) {
			chunk := data[i:]
			if len(chunk) > int(o.ProgramChunk) {
				chunk = chunk[:o.ProgramChunk]
			}
			if o.SkipProgramWhenBlank && isBlank(chunk) {
				continue
			}
			if _, err := f.program(uint32(base)+uint32(i), chunk, o.SkipProgramWhenBlank); err != nil {
				return err
			}
		}
	}

	if !o.VerifyAfterWrite {
		return nil
	}

	if _, err := f.Read(uint32(base), current); err != nil {
		return err
	}
	if err := compareBlock(base, data, current); err != nil {
		f.log("[RESTORE] %v", err)
		return err
	}
	return nil
}

func (f *Flash) eraseOpcode(size uint32) uint8 {
	op, _ := f.chip.EraseOpcode(size)
	return op
}

// RestoreFull writes the whole chip from src.
func (f *Flash) RestoreFull(src Source, opts *RestoreOptions) error {
	return f.Restore(0, f.chip.TotalBytes, src, opts)
}

// Verify compares [offset, offset+length) against src without writing.
func (f *Flash) Verify(offset, length uint64, src Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	if err := f.checkRange(offset, length); err != nil {
		return err
	}

	chunk := uint64(DefaultChunkSize)
	if chunk > length {
		chunk = length
	}
	want := make([]byte, chunk)
	got := make([]byte, chunk)

	for done := uint64(0); done < length; {
		n := chunk
		if left := length - done; left < n {
			n = left
		}
		addr := offset + done

		if err := readSource(src, want[:n], addr); err != nil {
			return err
		}
		if _, err := f.Read(uint32(addr), got[:n]); err != nil {
			return err
		}
		if err := compareBlock(addr, want[:n], got[:n]); err != nil {
			return err
		}

		done += n
		f.progress(done, length)
	}

	return nil
}
