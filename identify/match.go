package identify

import (
	"errors"
	"math"
)

const (
	TopK = 3

	FoundConfidence     = 95.0
	BestMatchConfidence = 70.0

	// Read speed deviation above which a database entry is an outlier.
	OutlierDeviation = 0.50
)

var ErrNoDatabase = errors.New("no database loaded")

type Status int

const (
	Unknown Status = iota
	BestMatch
	Found
)

func (s Status) String() string {
	switch s {
	case Found:
		return "FOUND"
	case BestMatch:
		return "BEST MATCH"
	default:
		return "UNKNOWN"
	}
}

// Match is one slot of the top list. Index is -1 for an empty slot.
type Match struct {
	Profile     Profile
	Confidence  Confidence
	Status      Status
	Index       int
	HasOutliers bool
}

func (m *Match) Empty() bool {
	return m.Index < 0
}

func emptyMatches() [TopK]Match {
	var result [TopK]Match
	for i := range result {
		result[i].Index = -1
	}
	return result
}

// insert places candidate in front of the first slot with strictly lower
// confidence. Equal scores keep the earlier entry ahead.
func insert(slots *[TopK]Match, candidate Match) bool {
	for j := range slots {
		if candidate.Confidence.Overall > slots[j].Confidence.Overall {
			copy(slots[j+1:], slots[j:TopK-1])
			slots[j] = candidate
			return true
		}
	}
	return false
}

// classify derives the status from the best slot. A high confidence alone
// is not enough for Found, the JEDEC ID must match exactly as well.
func classify(measuredID string, best *Match) Status {
	switch {
	case best.Confidence.Overall >= FoundConfidence && measuredID == best.Profile.JEDECID:
		return Found
	case best.Confidence.Overall >= BestMatchConfidence:
		return BestMatch
	default:
		return Unknown
	}
}

func isOutlier(measured, expected *Profile) bool {
	if measured.ReadSpeedMBps <= 0 || expected.ReadSpeedMBps <= 0 {
		return false
	}
	deviation := math.Abs(measured.ReadSpeedMBps-expected.ReadSpeedMBps) / expected.ReadSpeedMBps
	return deviation > OutlierDeviation
}

// MatchDatabase scores measured against every entry of db and returns the
// best TopK entries. The outlier flag covers the whole pass and is attached
// to the first slot; the status is stored there as well.
func MatchDatabase(measured *Profile, db []Profile) (Status, [TopK]Match, error) {
	slots := emptyMatches()
	if len(db) == 0 {
		return Unknown, slots, ErrNoDatabase
	}

	outlier := false
	for i := range db {
		conf := Score(measured, &db[i])
		if isOutlier(measured, &db[i]) {
			outlier = true
		}

		insert(&slots, Match{
			Profile:    db[i],
			Confidence: conf,
			Index:      i,
		})
	}

	slots[0].HasOutliers = outlier
	status := classify(measured.JEDECID, &slots[0])
	slots[0].Status = status

	return status, slots, nil
}
