// Package chipdb loads the reference database of flash parts.
package chipdb

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/BertoldVdb/flashident/identify"
)

// Columns is the number of fields every row needs.
const Columns = 15

//go:embed datasheet.csv
var defaultCSV []byte

var ErrEmpty = errors.New("database has no valid entries")

// RowError describes a rejected row. Rejected rows do not stop loading.
type RowError struct {
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

type Database struct {
	Profiles []identify.Profile
	Rejected []RowError
}

// Default returns the database built into the binary.
func Default() (*Database, error) {
	return Load(bytes.NewReader(defaultCSV))
}

func LoadFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(f)
}

// Load parses a database with a header row. Rows with too few fields, a
// malformed JEDEC ID, a capacity that is not a power of two or unparsable
// numbers are skipped and listed in Rejected. ErrEmpty is returned together
// with the database when nothing was accepted.
func Load(r io.Reader) (*Database, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	db := &Database{}
	header := true

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}

		line, _ := cr.FieldPos(0)
		p, reason := parseRow(record)
		if reason != "" {
			db.Rejected = append(db.Rejected, RowError{Line: line, Reason: reason})
			continue
		}
		db.Profiles = append(db.Profiles, p)
	}

	if len(db.Profiles) == 0 {
		return db, ErrEmpty
	}
	return db, nil
}

func parseRow(f []string) (identify.Profile, string) {
	var p identify.Profile

	if len(f) < Columns {
		return p, fmt.Sprintf("%d fields, need %d", len(f), Columns)
	}

	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}

	p.Model = f[0]
	p.Company = f[1]
	p.Family = f[2]

	id, ok := NormalizeJEDECID(f[4])
	if !ok {
		return p, fmt.Sprintf("malformed JEDEC ID %q", f[4])
	}
	p.JEDECID = id

	nums := make([]float64, Columns)
	for i := 3; i < Columns; i++ {
		if i == 4 {
			continue
		}
		if f[i] == "" {
			continue
		}
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil || v < 0 {
			return p, fmt.Sprintf("column %d: bad number %q", i+1, f[i])
		}
		nums[i] = v
	}

	p.CapacityMbit = nums[3]
	if !isPowerOfTwo(p.CapacityMbit) {
		return p, fmt.Sprintf("capacity %g Mbit is not a power of two", p.CapacityMbit)
	}

	p.Erase4KTypMs = nums[5]
	p.Erase4KMaxMs = nums[6]
	p.Erase32KTypMs = nums[7]
	p.Erase32KMaxMs = nums[8]
	p.Erase64KTypMs = nums[9]
	p.Erase64KMaxMs = nums[10]
	p.PageProgTypMs = nums[11]
	p.PageProgMaxMs = nums[12]
	p.MaxClockMHz = nums[13]
	p.ReadSpeedMBps = nums[14]

	/* The 64K typical erase is what gets compared */
	p.EraseSpeedMs = p.Erase64KTypMs

	return p, ""
}

// NormalizeJEDECID accepts three space separated hex bytes and returns them
// in upper case.
func NormalizeJEDECID(s string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(s), " ")
	if len(parts) != 3 {
		return "", false
	}

	var b [3]uint8
	for i, m := range parts {
		if len(m) != 2 {
			return "", false
		}
		v, err := strconv.ParseUint(m, 16, 8)
		if err != nil {
			return "", false
		}
		b[i] = uint8(v)
	}

	return identify.FormatJEDECID(b[0], b[1], b[2]), true
}

/* Fractions like 0.5 Mbit are valid */
func isPowerOfTwo(v float64) bool {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return false
	}
	frac, _ := math.Frexp(v)
	return frac == 0.5
}

// Lookup returns every profile with the given JEDEC ID.
func (d *Database) Lookup(jedecID string) []identify.Profile {
	var result []identify.Profile
	for _, m := range d.Profiles {
		if m.JEDECID == jedecID {
			result = append(result, m)
		}
	}
	return result
}
