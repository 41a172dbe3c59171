package identify

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestReadScoreMonotonic(t *testing.T) {
	expected := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 10}

	last := -1.0
	for measured := 20.0; measured >= 10.0; measured -= 0.05 {
		c := Score(&Profile{JEDECID: "EF 40 18", ReadSpeedMBps: measured}, expected)
		if c.Breakdown.ReadSpeed.Score < last {
			t.Fatalf("Score decreased at %f: %f < %f", measured, c.Breakdown.ReadSpeed.Score, last)
		}
		last = c.Breakdown.ReadSpeed.Score
	}
}

func TestReadScoreLimits(t *testing.T) {
	expected := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 10}
	score := func(measured float64) float64 {
		return Score(&Profile{JEDECID: "EF 40 18", ReadSpeedMBps: measured}, expected).Breakdown.ReadSpeed.Score
	}

	if score(10) != 100 {
		t.Error("Zero deviation must score 100")
	}
	if score(10.5) != 100 || score(9.5) != 100 {
		t.Error("Deviation inside the uncertainty must score 100")
	}
	/* uncertainty plus tolerance */
	if score(12) > 1e-9 || score(8) > 1e-9 {
		t.Error("Deviation at tolerance must score 0", score(12), score(8))
	}
	if score(30) != 0 {
		t.Error("Deviation past tolerance must score 0")
	}
	if !near(score(11.25), 50) {
		t.Error("Halfway deviation", score(11.25))
	}
}

func TestEraseScore(t *testing.T) {
	expected := &Profile{JEDECID: "EF 40 18", EraseSpeedMs: 100}
	c := Score(&Profile{JEDECID: "EF 40 18", EraseSpeedMs: 115}, expected)

	if !c.Breakdown.EraseSpeed.Available || !near(c.Breakdown.EraseSpeed.Score, 50) {
		t.Error("Wrong erase score", c.Breakdown.EraseSpeed)
	}
	if !near(c.Overall, 40+5) {
		t.Error("Wrong overall", c.Overall)
	}
}

func TestNoRenormalisation(t *testing.T) {
	p := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 10, EraseSpeedMs: 100}

	c := Score(p, p)
	if !near(c.Overall, 70) || c.FactorsUsed != 3 {
		t.Error("Perfect match must be capped by the weights", c.Overall)
	}
	if c.Warning != "" {
		t.Error("Unexpected warning", c.Warning)
	}

	c = Score(&Profile{JEDECID: "EF 40 18"}, p)
	if !near(c.Overall, 40) || c.FactorsUsed != 1 {
		t.Error("Missing factors must contribute zero", c.Overall)
	}
	if !strings.Contains(c.Warning, "only 1 factors") {
		t.Error("Low data warning missing", c.Warning)
	}
	if c.Breakdown.WriteSpeed.Available || c.Breakdown.ClockProfile.Available {
		t.Error("Write and clock factors are never computed")
	}
}

func TestJEDECGate(t *testing.T) {
	expected := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 10, EraseSpeedMs: 100}
	measured := &Profile{ReadSpeedMBps: 10, EraseSpeedMs: 100}

	c := Score(measured, expected)
	if c.Overall != 0 {
		t.Error("Missing JEDEC ID must force zero", c.Overall)
	}
	if !strings.Contains(c.Warning, "JEDEC ID missing") {
		t.Error("Critical warning missing", c.Warning)
	}
	if !c.Breakdown.ReadSpeed.Available || c.Breakdown.ReadSpeed.Score != 100 {
		t.Error("Breakdown should still be filled")
	}

	c = Score(&Profile{JEDECID: "EF 40 18"}, &Profile{ReadSpeedMBps: 10})
	if c.Overall != 0 {
		t.Error("Missing expected JEDEC ID must force zero")
	}
}

func TestLowConfidenceFactors(t *testing.T) {
	expected := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 10, EraseSpeedMs: 100}
	c := Score(&Profile{JEDECID: "C2 20 18", ReadSpeedMBps: 20, EraseSpeedMs: 100}, expected)

	if c.Warning != "low confidence factors: JEDEC READ" {
		t.Error("Wrong warning", c.Warning)
	}
}

func matchWithScore(score float64, id string) Match {
	return Match{Profile: Profile{JEDECID: id}, Confidence: Confidence{Overall: score}, Index: int(score)}
}

func TestInsertOrderIndependent(t *testing.T) {
	scores := []float64{90, 80, 70, 60, 50, 40, 30, 20, 10}

	for _, reverse := range []bool{false, true} {
		slots := emptyMatches()
		for i := range scores {
			s := scores[i]
			if reverse {
				s = scores[len(scores)-1-i]
			}
			insert(&slots, matchWithScore(s, ""))
		}

		for i, want := range []float64{90, 80, 70} {
			if slots[i].Confidence.Overall != want {
				t.Errorf("reverse=%v slot %d = %f, want %f", reverse, i, slots[i].Confidence.Overall, want)
			}
		}
	}
}

func TestInsertTieKeepsFirst(t *testing.T) {
	slots := emptyMatches()
	a := matchWithScore(50, "A")
	b := matchWithScore(50, "B")
	insert(&slots, a)
	insert(&slots, b)

	if slots[0].Profile.JEDECID != "A" || slots[1].Profile.JEDECID != "B" {
		t.Error("Tie must keep the earlier entry ahead")
	}

	if insert(&slots, matchWithScore(0, "C")) {
		t.Error("Zero confidence must not take an empty slot")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score float64
		id    string
		want  Status
	}{
		{95, "EF 40 18", Found},
		{95, "C2 20 18", BestMatch},
		{70, "EF 40 18", BestMatch},
		{69.9, "EF 40 18", Unknown},
		{100, "", BestMatch},
	}

	for _, m := range tests {
		best := matchWithScore(m.score, m.id)
		if got := classify("EF 40 18", &best); got != m.want {
			t.Errorf("classify(%f, %q) = %v, want %v", m.score, m.id, got, m.want)
		}
	}
}

func TestMatchDatabase(t *testing.T) {
	db := []Profile{
		{Model: "W25Q128JV", JEDECID: "EF 40 18", ReadSpeedMBps: 6, EraseSpeedMs: 150},
		{Model: "MX25L12835F", JEDECID: "C2 20 18", ReadSpeedMBps: 6, EraseSpeedMs: 300},
		{Model: "W25Q64JV", JEDECID: "EF 40 17", ReadSpeedMBps: 20, EraseSpeedMs: 150},
		{Model: "W25Q128FV", JEDECID: "EF 40 18", ReadSpeedMBps: 6.1, EraseSpeedMs: 150},
	}
	measured := &Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 6, EraseSpeedMs: 150}

	status, slots, err := MatchDatabase(measured, db)
	if err != nil {
		t.Fatal(err)
	}
	if status != BestMatch || slots[0].Status != BestMatch {
		t.Error("Expected best match, got", status)
	}
	if slots[0].Index != 0 || slots[1].Index != 3 {
		t.Error("Wrong ordering", slots[0].Index, slots[1].Index)
	}
	if slots[2].Index != 1 && slots[2].Index != 2 {
		t.Error("Wrong third slot", slots[2].Index)
	}
	if !slots[0].HasOutliers {
		t.Error("W25Q64JV read speed is an outlier")
	}
}

func TestMatchEmptyDatabase(t *testing.T) {
	status, slots, err := MatchDatabase(&Profile{JEDECID: "EF 40 18"}, nil)
	if !errors.Is(err, ErrNoDatabase) || status != Unknown {
		t.Error("Expected ErrNoDatabase", err)
	}
	for _, m := range slots {
		if !m.Empty() {
			t.Error("Slots must be empty")
		}
	}
}

func TestStatusString(t *testing.T) {
	if Found.String() != "FOUND" || BestMatch.String() != "BEST MATCH" || Unknown.String() != "UNKNOWN" {
		t.Error("Wrong status names")
	}
}
