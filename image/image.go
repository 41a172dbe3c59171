// Package image is the container for flash backups: a fixed header with the
// payload length, the JEDEC ID of the source chip and a CRC32, followed by
// the raw chip contents. Files without the header are read as raw images.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"
)

const (
	Magic      = "NORB"
	Version    = 1
	HeaderSize = 32

	payloadCRCOffset = 20
	headerCRCOffset  = 24
)

var (
	ErrorInvalidLength  = errors.New("image length not valid")
	ErrorInvalidHeader  = errors.New("header is not valid")
	ErrorInvalidCRC     = errors.New("CRC is not valid")
	ErrorInvalidVersion = errors.New("image version not supported")
	ErrorNotSequential  = errors.New("image data must be written in order")
)

type Header struct {
	Version    uint16
	Length     uint64
	JEDEC      [3]byte
	PayloadCRC uint32
}

func (h *Header) marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b, Magic)
	binary.BigEndian.PutUint16(b[4:], h.Version)
	binary.BigEndian.PutUint16(b[6:], HeaderSize)
	binary.BigEndian.PutUint64(b[8:], h.Length)
	copy(b[16:19], h.JEDEC[:])
	binary.BigEndian.PutUint32(b[payloadCRCOffset:], h.PayloadCRC)
	crcWriteCheck(b[headerCRCOffset:], crcCalculateBlock(b[:headerCRCOffset]), true)
	return b
}

func hasMagic(b []byte) bool {
	return len(b) >= len(Magic) && string(b[:len(Magic)]) == Magic
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize || !hasMagic(b) {
		return h, ErrorInvalidHeader
	}

	if !crcWriteCheck(b[headerCRCOffset:], crcCalculateBlock(b[:headerCRCOffset]), false) {
		return h, ErrorInvalidHeader
	}

	h.Version = binary.BigEndian.Uint16(b[4:])
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrorInvalidVersion, h.Version)
	}
	if binary.BigEndian.Uint16(b[6:]) != HeaderSize {
		return h, ErrorInvalidHeader
	}

	h.Length = binary.BigEndian.Uint64(b[8:])
	copy(h.JEDEC[:], b[16:19])
	h.PayloadCRC = binary.BigEndian.Uint32(b[payloadCRCOffset:])

	return h, nil
}

// Writer produces a headered image. Data must arrive in order; the header
// is completed by Close.
type Writer struct {
	w      io.WriteSeeker
	header Header
	hash   *crc.Hash
}

func NewWriter(w io.WriteSeeker, jedec [3]byte) (*Writer, error) {
	iw := &Writer{
		w:      w,
		header: Header{Version: Version, JEDEC: jedec},
		hash:   newHash(),
	}

	/* Placeholder, rewritten on Close */
	if _, err := w.Write(iw.header.marshal()); err != nil {
		return nil, err
	}

	return iw, nil
}

func (w *Writer) WriteChunk(data []byte, offset uint64) error {
	if offset != w.header.Length {
		return fmt.Errorf("%w: got 0x%X, expected 0x%X", ErrorNotSequential, offset, w.header.Length)
	}

	if _, err := w.w.Write(data); err != nil {
		return err
	}

	w.hash.Update(data)
	w.header.Length += uint64(len(data))
	return nil
}

// Close writes the final header. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.header.PayloadCRC = w.hash.CRC32()

	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(w.header.marshal()); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}

func (w *Writer) Header() Header {
	return w.header
}

// Reader gives access to the payload of an image.
type Reader struct {
	r      io.ReaderAt
	start  int64
	Header Header
	Legacy bool
}

// Open inspects the first bytes of r. Anything without a valid magic is a
// legacy raw image of size bytes.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	if size <= 0 {
		return nil, ErrorInvalidLength
	}

	buf := make([]byte, HeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}

	if !hasMagic(buf[:n]) {
		return &Reader{
			r:      r,
			Header: Header{Length: uint64(size)},
			Legacy: true,
		}, nil
	}

	h, err := parseHeader(buf[:n])
	if err != nil {
		return nil, err
	}
	if uint64(size) != HeaderSize+h.Length {
		return nil, ErrorInvalidLength
	}

	return &Reader{r: r, start: HeaderSize, Header: h}, nil
}

func (r *Reader) Length() uint64 {
	return r.Header.Length
}

// DataOffset is where the payload starts in the underlying file.
func (r *Reader) DataOffset() int64 {
	return r.start
}

func (r *Reader) ReadChunk(dst []byte, offset uint64) (int, error) {
	if offset > r.Header.Length {
		return 0, io.EOF
	}
	if left := r.Header.Length - offset; uint64(len(dst)) > left {
		dst = dst[:left]
	}

	n, err := r.r.ReadAt(dst, r.start+int64(offset))
	if err == io.EOF && n == len(dst) {
		err = nil
	}
	return n, err
}

// Verify recomputes the payload CRC. Legacy images carry no CRC and always
// pass.
func (r *Reader) Verify() error {
	if r.Legacy {
		return nil
	}

	h := newHash()
	buf := make([]byte, 64*1024)
	for done := uint64(0); done < r.Header.Length; {
		n, err := r.ReadChunk(buf, done)
		if n == 0 && err != nil {
			return err
		}
		h.Update(buf[:n])
		done += uint64(n)
	}

	if h.CRC32() != r.Header.PayloadCRC {
		return ErrorInvalidCRC
	}
	return nil
}
