package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/BertoldVdb/flashident/ch341a"
	"github.com/BertoldVdb/flashident/chipdb"
	"github.com/BertoldVdb/flashident/config"
	"github.com/BertoldVdb/flashident/flashsim"
	"github.com/BertoldVdb/flashident/periphspi"
	"github.com/BertoldVdb/flashident/spidev"
	"github.com/BertoldVdb/flashident/spiflash"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

/* session puts the chip back into 3-byte addressing before the bus is released */
type session struct {
	flash *spiflash.Flash
	bus   io.Closer
}

func (s *session) Close() error {
	chip := s.flash.Chip()
	if chip.Use4ByteAddress {
		if err := s.flash.Exit4ByteMode(); err != nil {
			logf("WARNING: leaving 4-byte mode: %v", err)
		}
	}
	return s.bus.Close()
}

// createBus opens the transport selected in the configuration
func createBus(c *config.Config) (spiflash.Bus, io.Closer, error) {
	switch c.Adapter {
	case config.AdapterSim:
		verbosef("Using simulated %d byte chip with JEDEC %X", c.SimSize, c.SimJEDEC)
		sim := flashsim.New(flashsim.Config{
			JEDEC: c.SimJEDEC,
			Size:  c.SimSize,
			SFDP:  true,
		})
		return sim, nopCloser{}, nil

	case config.AdapterSpidev:
		dev, err := spidev.New(c.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", c.Device, err)
		}
		return dev.Bus(), dev, nil

	case config.AdapterCH341A:
		dev, err := ch341a.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open CH341A: %w", err)
		}
		return dev, dev, nil

	case config.AdapterPeriph:
		dev, err := periphspi.Open(c.Device, c.CSPin, c.ClockHz)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open SPI port: %w", err)
		}
		return dev.Bus(), dev, nil

	default:
		return nil, nil, fmt.Errorf("unknown adapter type: %s (supported: sim, spidev, ch341a, periph)", c.Adapter)
	}
}

// openFlash probes the chip. A chip of unknown size is returned with a
// warning so that restore can take the size from the image.
func openFlash() (*spiflash.Flash, io.Closer, error) {
	bus, closer, err := createBus(&cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := spiflash.DefaultOptions()
	opts.ClockHz = cfg.ClockHz
	opts.EraseTimeout = cfg.BusyTimeout
	opts.Size, err = fallbackSize(flagSize)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	flash, err := spiflash.New(bus, opts)
	if err != nil {
		if flash == nil || !errors.Is(err, spiflash.ErrSizeUnknown) {
			closer.Close()
			return nil, nil, err
		}
		logf("WARNING: %v", err)
	}

	flash.LogFunc = verbosef
	if verbose {
		flash.ProgressFunc = progressLogger(logf)
	}

	return flash, &session{flash: flash, bus: closer}, nil
}

// progressLogger reports every tenth of an operation. A callback with less
// done than the previous one starts a new operation.
func progressLogger(out func(format string, params ...any)) func(done, total uint64) {
	var last uint64
	return func(done, total uint64) {
		if done < last {
			last = 0
		}
		if done == total || done-last >= total/10 {
			last = done
			out("%d / %d bytes (%.0f%%)", done, total, float64(done)*100/float64(total))
		}
	}
}

func fallbackSize(s string) (uint64, error) {
	switch s {
	case "":
		return 0, nil
	case "legacy":
		return spiflash.LegacyFallbackSize, nil
	}

	n, err := config.ParseSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return uint64(n), nil
}

func loadDatabase() (*chipdb.Database, error) {
	var db *chipdb.Database
	var err error

	if cfg.Database == "" {
		db, err = chipdb.Default()
	} else {
		db, err = chipdb.LoadFile(cfg.Database)
	}
	if err != nil {
		return nil, err
	}

	for _, m := range db.Rejected {
		verbosef("[DATABASE] skipped %s", m.Error())
	}
	verbosef("[DATABASE] Loaded %d chip entries", len(db.Profiles))
	return db, nil
}
