// Package config reads tool settings from an optional .env file and the
// process environment.
package config

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"
)

const Prefix = "FLASHIDENT_"

const (
	AdapterSim    = "sim"
	AdapterSpidev = "spidev"
	AdapterCH341A = "ch341a"
	AdapterPeriph = "periph"
)

type Config struct {
	Adapter string
	Device  string
	CSPin   string
	ClockHz uint32

	// Database is a CSV reference database, the embedded one when empty.
	Database  string
	BackupDir string
	History   string

	BusyTimeout time.Duration

	SimSize  int
	SimJEDEC [3]byte
}

func Default() Config {
	return Config{
		Adapter:     AdapterSim,
		ClockHz:     16000000,
		BackupDir:   ".",
		History:     "flashident.db",
		BusyTimeout: 60 * time.Second,
		SimSize:     16 << 20,
		SimJEDEC:    [3]byte{0xEF, 0x40, 0x18},
	}
}

// Load reads envFile, or ./.env when envFile is empty and it exists, into the
// environment and returns the resulting configuration. Variables already set
// in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, xerrors.New("failed to load "+envFile, err)
		}
	} else if err := loadOptional(".env"); err != nil {
		return Config{}, err
	}

	return FromLookup(os.LookupEnv)
}

/* loadOptional loads path when it exists. Parse errors are still reported. */
func loadOptional(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return xerrors.New("failed to load "+path, err)
}

// FromLookup builds the configuration from an environment lookup function.
// Values are parsed but not validated, see Validate.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()

	get := func(name string) (string, bool) {
		v, ok := lookup(Prefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("ADAPTER"); ok {
		c.Adapter = v
	}
	if v, ok := get("DEVICE"); ok {
		c.Device = v
	}
	if v, ok := get("CS_PIN"); ok {
		c.CSPin = v
	}
	if v, ok := get("CLOCK_HZ"); ok {
		hz, err := strconv.ParseUint(v, 0, 32)
		if err != nil || hz == 0 {
			return c, invalid("CLOCK_HZ is not a valid frequency", err)
		}
		c.ClockHz = uint32(hz)
	}
	if v, ok := get("DATABASE"); ok {
		c.Database = v
	}
	if v, ok := get("BACKUP_DIR"); ok {
		c.BackupDir = v
	}
	if v, ok := get("HISTORY"); ok {
		c.History = v
	}
	if v, ok := get("BUSY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return c, invalid("BUSY_TIMEOUT is not a valid duration", err)
		}
		c.BusyTimeout = d
	}
	if v, ok := get("SIM_SIZE"); ok {
		size, err := ParseSize(v)
		if err != nil {
			return c, invalid("SIM_SIZE", err)
		}
		c.SimSize = size
	}
	if v, ok := get("SIM_JEDEC"); ok {
		id, err := ParseJEDEC(v)
		if err != nil {
			return c, invalid("SIM_JEDEC", err)
		}
		c.SimJEDEC = id
	}

	return c, nil
}

// Validate checks values that command line flags may have replaced.
func (c *Config) Validate() error {
	switch c.Adapter {
	case AdapterSim, AdapterSpidev, AdapterCH341A, AdapterPeriph:
	default:
		return xerrors.New("unknown adapter " + strconv.Quote(c.Adapter))
	}
	if c.ClockHz == 0 {
		return invalid("CLOCK_HZ must not be zero", nil)
	}
	if c.Adapter == AdapterSpidev && c.Device == "" {
		return xerrors.New("the spidev adapter needs a device")
	}
	return nil
}

func invalid(msg string, err error) error {
	if err == nil {
		return xerrors.New(Prefix + msg)
	}
	return xerrors.New(Prefix+msg, err)
}

// ParseSize accepts a byte count with an optional K or M suffix.
func ParseSize(s string) (int, error) {
	mul := 1
	switch {
	case strings.HasSuffix(s, "K"):
		mul = 1 << 10
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mul = 1 << 20
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseUint(s, 0, 31)
	if err != nil {
		return 0, err
	}
	if v == 0 || v*uint64(mul) > 1<<31 {
		return 0, xerrors.New("size out of range")
	}
	return int(v) * mul, nil
}

// ParseJEDEC accepts "EF4018" as well as "EF 40 18".
func ParseJEDEC(s string) ([3]byte, error) {
	var id [3]byte

	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, xerrors.New("JEDEC ID must be three bytes")
	}
	copy(id[:], b)
	return id, nil
}
