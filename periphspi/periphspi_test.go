package periphspi

import (
	"bytes"
	"errors"
	"testing"
)

type loopConn struct {
	last []byte
}

func (l *loopConn) Tx(w, r []byte) error {
	l.last = append([]byte(nil), w...)
	for i := range r {
		r[i] = byte(i)
	}
	return nil
}

func TestSPISplitsFullDuplex(t *testing.T) {
	c := &loopConn{}
	d := &Device{conn: c, max: defaultMaxTransaction}

	in := make([]byte, 3)
	if err := d.SPI([]byte{0x9F}, in); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(c.last, []byte{0x9F, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("Wrong MOSI bytes: %x", c.last)
	}
	if !bytes.Equal(in, []byte{1, 2, 3}) {
		t.Errorf("Wrong MISO bytes: %x", in)
	}
}

func TestSPIClosed(t *testing.T) {
	d := &Device{}
	if d.SPI([]byte{0x05}, make([]byte, 1)) == nil {
		t.Error("Closed device accepted a transfer")
	}
	if d.Close() != nil {
		t.Error("Closing twice failed")
	}
}

func TestBusLimit(t *testing.T) {
	d := &Device{conn: &loopConn{}, max: 64}
	if d.Bus().MaxTransactionSize() != 64 {
		t.Error("Limit not propagated")
	}
}

func TestHostInitRetried(t *testing.T) {
	saved := hostInit
	defer func() {
		hostInit = saved
		hostInitialized = false
	}()

	calls := 0
	hostInit = func() error {
		calls++
		if calls == 1 {
			return errors.New("no drivers")
		}
		return nil
	}
	hostInitialized = false

	if err := initHost(); err == nil {
		t.Fatal("Failure not reported")
	}
	if err := initHost(); err != nil {
		t.Fatal("Init not retried", err)
	}
	if err := initHost(); err != nil || calls != 2 {
		t.Error("Init repeated after success", calls, err)
	}
}
