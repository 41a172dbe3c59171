package image

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCRC(t *testing.T) {
	result := crcCalculateBlock([]byte("123456789"))
	correct := uint32(0xCBF43926)

	if result != correct {
		t.Errorf("CRC Error: %08x!=%08x", result, correct)
	}
}

func getRandomBuf(len int) []byte {
	buf := make([]byte, len)
	rand.Read(buf)
	return buf
}

func writeImage(t *testing.T, payload []byte, chunk int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "backup.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w, err := NewWriter(f, [3]byte{0xEF, 0x40, 0x18})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(payload); i += chunk {
		end := i + chunk
		if end > len(payload) {
			end = len(payload)
		}
		if err := w.WriteChunk(payload[i:end], uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	return path
}

func openImage(t *testing.T, path string) (*Reader, error) {
	t.Helper()

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return Open(bytes.NewReader(buf), int64(len(buf)))
}

func TestImageRoundTrip(t *testing.T) {
	payload := getRandomBuf(100000)
	path := writeImage(t, payload, 4096)

	r, err := openImage(t, path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Legacy || r.Length() != uint64(len(payload)) || r.Header.JEDEC != [3]byte{0xEF, 0x40, 0x18} {
		t.Error("Wrong header", r.Header)
	}
	if err := r.Verify(); err != nil {
		t.Error("Valid image rejected:", err)
	}

	got := make([]byte, len(payload))
	if n, err := r.ReadChunk(got, 0); err != nil || n != len(payload) {
		t.Fatal(n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Payload mismatch")
	}

	/* Reads past the end come back short */
	if n, _ := r.ReadChunk(got[:100], uint64(len(payload)-10)); n != 10 {
		t.Error("Expected short read", n)
	}
}

func TestImageCorruption(t *testing.T) {
	payload := getRandomBuf(5000)
	path := writeImage(t, payload, 1000)
	buf, _ := os.ReadFile(path)

	c := append([]byte{}, buf...)
	c[HeaderSize+1234]++
	r, err := Open(bytes.NewReader(c), int64(len(c)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Verify(); err != ErrorInvalidCRC {
		t.Error("Image with invalid crc:", err)
	}

	c = append([]byte{}, buf...)
	c[9]++
	if _, err := Open(bytes.NewReader(c), int64(len(c))); err != ErrorInvalidHeader {
		t.Error("Image with invalid header:", err)
	}

	if _, err := Open(bytes.NewReader(buf[:len(buf)-1]), int64(len(buf)-1)); err != ErrorInvalidLength {
		t.Error("Truncated image:", err)
	}
}

func TestImageLegacy(t *testing.T) {
	raw := getRandomBuf(4096)
	raw[0] = 0

	r, err := Open(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if !r.Legacy || r.Length() != 4096 || r.DataOffset() != 0 {
		t.Error("Raw image not recognised")
	}
	if err := r.Verify(); err != nil {
		t.Error(err)
	}

	got := make([]byte, 4096)
	if _, err := r.ReadChunk(got, 0); err != nil || !bytes.Equal(got, raw) {
		t.Error("Raw payload mismatch", err)
	}
}

func TestImageNotSequential(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "x.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w, err := NewWriter(f, [3]byte{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteChunk([]byte{1}, 5); !errors.Is(err, ErrorNotSequential) {
		t.Error("Out of order write accepted", err)
	}
}
