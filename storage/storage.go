// Package storage moves backup data between the flash engine and files.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/BertoldVdb/flashident/spiflash"
)

var ErrNoSpace = errors.New("not enough free space")

// Create opens path for a fresh backup, truncating what was there.
func Create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// OpenAppend opens a log file for appending and reports whether it existed
// before, so callers know when to write a header line.
func OpenAppend(path string) (*os.File, bool, error) {
	_, err := os.Stat(path)
	existed := err == nil

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, err
	}
	return f, existed, nil
}

// Open opens path for reading and returns its size.
func Open(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// FreeSpace returns the bytes available to unprivileged users on the file
// system holding dir.
func FreeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFree fails with ErrNoSpace when dir cannot hold need bytes.
func CheckFree(dir string, need uint64) error {
	free, err := FreeSpace(dir)
	if err != nil {
		return err
	}
	if free < need {
		return fmt.Errorf("%w: %d bytes free, %d needed", ErrNoSpace, free, need)
	}
	return nil
}

// Sink writes chunks to w in order.
type Sink struct {
	w io.Writer
}

func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) WriteChunk(data []byte, offset uint64) error {
	n, err := s.w.Write(data)
	if err != nil || n != len(data) {
		return &spiflash.ShortIOError{Op: "write", Offset: offset, Want: len(data), Got: n, Err: err}
	}
	return nil
}

// Source reads chunks from r at base+offset.
type Source struct {
	r    io.ReaderAt
	base int64
}

func NewSource(r io.ReaderAt, base int64) *Source {
	return &Source{r: r, base: base}
}

func (s *Source) ReadChunk(dst []byte, offset uint64) (int, error) {
	n, err := s.r.ReadAt(dst, s.base+int64(offset))
	if n == len(dst) {
		return n, nil
	}
	if err == io.EOF {
		err = nil
	}
	return n, &spiflash.ShortIOError{Op: "read", Offset: offset, Want: len(dst), Got: n, Err: err}
}
