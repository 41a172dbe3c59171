// Package identify scores a measured flash profile against reference
// profiles and keeps the best candidates.
package identify

import (
	"fmt"
	"strings"
)

// Profile is both the measured record of the attached chip and the shape of
// a reference database entry. Zero numeric fields mean "not measured".
type Profile struct {
	Model   string
	Company string
	Family  string

	// JEDECID is three space separated hex pairs, e.g. "EF 40 18".
	JEDECID string

	CapacityMbit float64

	ReadSpeedMBps float64
	EraseSpeedMs  float64
	MaxClockMHz   float64

	Erase4KTypMs   float64
	Erase4KMaxMs   float64
	Erase32KTypMs  float64
	Erase32KMaxMs  float64
	Erase64KTypMs  float64
	Erase64KMaxMs  float64
	PageProgTypMs  float64
	PageProgMaxMs  float64
	WriteSpeedMBps float64
}

func (p *Profile) String() string {
	name := strings.TrimSpace(p.Company + " " + p.Model)
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s (JEDEC %s)", name, p.JEDECID)
}

// FormatJEDECID renders identity bytes the way profiles store them.
func FormatJEDECID(manufacturer, deviceType, capacity uint8) string {
	return fmt.Sprintf("%02X %02X %02X", manufacturer, deviceType, capacity)
}
