package identify

import (
	"fmt"
	"math"
	"strings"
)

const (
	WeightJEDEC = 0.40
	WeightRead  = 0.20
	WeightErase = 0.10

	ReadTolerance          = 0.15
	EraseTolerance         = 0.20
	MeasurementUncertainty = 0.05

	lowConfidenceScore = 50.0
	minFactors         = 2
)

// Factor is one component of the confidence. Score is meaningless when
// Available is false.
type Factor struct {
	Score     float64
	Available bool
}

// Breakdown lists every factor. WriteSpeed and ClockProfile are never
// computed and stay unavailable.
type Breakdown struct {
	JEDECID      Factor
	ReadSpeed    Factor
	WriteSpeed   Factor
	EraseSpeed   Factor
	ClockProfile Factor
}

type Confidence struct {
	Overall     float64
	Breakdown   Breakdown
	FactorsUsed int

	// Warning collects every warning of the scoring pass, joined by "; ".
	Warning string
}

// deviationScore maps the relative deviation of measured from expected to
// 0..100, after allowing for measurement uncertainty.
func deviationScore(measured, expected, tolerance float64) float64 {
	deviation := math.Abs(measured-expected) / expected
	deviation = math.Max(0, deviation-MeasurementUncertainty)
	return math.Max(0, 100*(1-deviation/tolerance))
}

// Score rates how well measured fits expected. Weights of factors that are
// unavailable are not redistributed, so missing data lowers the maximum
// reachable confidence. Without a JEDEC ID on both sides the confidence is
// always zero.
func Score(measured, expected *Profile) Confidence {
	var result Confidence
	var warnings []string
	weighted := 0.0

	b := &result.Breakdown

	if measured.JEDECID != "" && expected.JEDECID != "" {
		b.JEDECID.Available = true
		result.FactorsUsed++
		if measured.JEDECID == expected.JEDECID {
			b.JEDECID.Score = 100
		}
		weighted += WeightJEDEC * b.JEDECID.Score
	}

	if measured.ReadSpeedMBps > 0 && expected.ReadSpeedMBps > 0 {
		b.ReadSpeed.Available = true
		result.FactorsUsed++
		b.ReadSpeed.Score = deviationScore(measured.ReadSpeedMBps, expected.ReadSpeedMBps, ReadTolerance)
		weighted += WeightRead * b.ReadSpeed.Score
	}

	if measured.EraseSpeedMs > 0 && expected.EraseSpeedMs > 0 {
		b.EraseSpeed.Available = true
		result.FactorsUsed++
		b.EraseSpeed.Score = deviationScore(measured.EraseSpeedMs, expected.EraseSpeedMs, EraseTolerance)
		weighted += WeightErase * b.EraseSpeed.Score
	}

	if result.FactorsUsed < minFactors {
		warnings = append(warnings, fmt.Sprintf("insufficient data: only %d factors available", result.FactorsUsed))
	}

	if !b.JEDECID.Available {
		warnings = append(warnings, "critical: JEDEC ID missing")
		result.Warning = strings.Join(warnings, "; ")
		return result
	}

	result.Overall = math.Min(100, weighted)

	var low []string
	for _, m := range []struct {
		name string
		f    Factor
	}{
		{"JEDEC", b.JEDECID},
		{"READ", b.ReadSpeed},
		{"ERASE", b.EraseSpeed},
	} {
		if m.f.Available && m.f.Score < lowConfidenceScore {
			low = append(low, m.name)
		}
	}
	if len(low) > 0 {
		warnings = append(warnings, "low confidence factors: "+strings.Join(low, " "))
	}

	result.Warning = strings.Join(warnings, "; ")
	return result
}
