package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordRecent(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := &Run{
			Time:       base.Add(time.Duration(i) * time.Minute),
			JEDECID:    "EF 40 18",
			Status:     "BEST MATCH",
			TopMatch:   "W25Q128JV",
			Confidence: float64(60 + i),
		}
		if err := s.Record(run); err != nil {
			t.Fatal(err)
		}
		if run.ID == 0 {
			t.Error("ID not assigned")
		}
	}

	runs, err := s.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatal("Wrong number of runs", len(runs))
	}
	if runs[0].Confidence != 64 || runs[2].Confidence != 62 {
		t.Error("Not newest first", runs[0].Confidence, runs[2].Confidence)
	}
	if !runs[0].Time.Equal(base.Add(4 * time.Minute)) {
		t.Error("Time not preserved", runs[0].Time)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "runs.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run := &Run{JEDECID: "C2 20 17", Status: "UNKNOWN"}
	if err := s.Record(run); err != nil {
		t.Fatal(err)
	}
	if run.Time.IsZero() {
		t.Error("Time not set")
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	runs, err := s.Recent(10)
	if err != nil || len(runs) != 1 || runs[0].JEDECID != "C2 20 17" || runs[0].TopMatch != "" {
		t.Error("Run not persisted", runs, err)
	}
}
