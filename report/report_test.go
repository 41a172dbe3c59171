package report

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/BertoldVdb/flashident/bench"
	"github.com/BertoldVdb/flashident/identify"
)

func testMatches() (identify.Profile, identify.Status, [identify.TopK]identify.Match) {
	measured := identify.Profile{JEDECID: "EF 40 18", ReadSpeedMBps: 5, EraseSpeedMs: 150, CapacityMbit: 128}
	db := []identify.Profile{
		{Model: "W25Q128JV", Company: "Winbond", JEDECID: "EF 40 18", ReadSpeedMBps: 5, EraseSpeedMs: 150, CapacityMbit: 128},
		{Model: "MX25L12835F", Company: "Macronix", JEDECID: "C2 20 18", ReadSpeedMBps: 5.5, EraseSpeedMs: 400, CapacityMbit: 128},
	}

	status, matches, err := identify.MatchDatabase(&measured, db)
	if err != nil {
		panic(err)
	}
	return measured, status, matches
}

func TestWriteMatches(t *testing.T) {
	measured, status, matches := testMatches()

	var buf bytes.Buffer
	if err := WriteMatches(&buf, &measured, status, matches); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, m := range []string{"RANK 1: Winbond W25Q128JV", "✓ MATCH (EF 40 18 = EF 40 18)", "READ SPEED: ✓ CLOSE"} {
		if !strings.Contains(out, m) {
			t.Error("Missing", m)
		}
	}
	if !matches[1].Empty() && !strings.Contains(out, "✗ MISMATCH (EF 40 18 ≠ C2 20 18)") {
		t.Error("Mismatch not shown")
	}
}

func TestWriteForensic(t *testing.T) {
	measured, status, matches := testMatches()

	var buf bytes.Buffer
	err := WriteForensic(&buf, &Forensic{
		Time:          time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Measured:      measured,
		Status:        status,
		Matches:       matches,
		BackupPath:    "backup.norb",
		RestoreResult: "verified",
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, m := range []string{"Generated: 2024-05-06 07:08:09", "Model: W25Q128JV",
		"JEDEC ID Match (40% weight): 100%", "1. Winbond W25Q128JV", "Image: backup.norb", "End of Report"} {
		if !strings.Contains(out, m) {
			t.Error("Missing", m)
		}
	}
}

func TestWriteForensicEmpty(t *testing.T) {
	var buf bytes.Buffer
	var matches [identify.TopK]identify.Match
	for i := range matches {
		matches[i].Index = -1
	}

	if err := WriteForensic(&buf, &Forensic{Matches: matches}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "Best Match Details") || !strings.Contains(buf.String(), "Status: UNKNOWN") {
		t.Error("Empty result rendered wrongly")
	}
}

func TestFilenames(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	if ForensicFilename(ts) != "Report/forensic_report_20240506_070809.txt" {
		t.Error(ForensicFilename(ts))
	}
	if BenchmarkFilename(ts) != "benchmark_results_20240506.csv" {
		t.Error(BenchmarkFilename(ts))
	}
}

func TestWriteBenchmark(t *testing.T) {
	measured, _, matches := testMatches()
	clocks := []int{32, 16}

	reads := []bench.ReadResult{{RequestedMHz: 16, ActualHz: 16000000}}
	reads[0].Sizes[2].MBps = 1.5

	var buf bytes.Buffer
	b := &Benchmark{Measured: measured, Reads: reads, Best: &matches[0]}
	if err := WriteBenchmark(&buf, true, clocks, b); err != nil {
		t.Fatal(err)
	}
	if err := WriteBenchmark(&buf, false, clocks, b); err != nil {
		t.Fatal(err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatal("Wrong number of lines", len(records))
	}

	header := records[0]
	if len(header) != 5+len(clocks)*len(bench.ReadSizes)+6 || len(records[1]) != len(header) {
		t.Fatal("Column count mismatch", len(header), len(records[1]))
	}
	for i, m := range header {
		if m == "Read_16MHz_sector_MBps" && records[1][i] != "1.5000" {
			t.Error("Wrong sector speed", records[1][i])
		}
		if m == "Matched_Chip" && records[1][i] != "Winbond W25Q128JV" {
			t.Error("Wrong match", records[1][i])
		}
	}
}

func TestWriteDatabase(t *testing.T) {
	var buf bytes.Buffer
	WriteDatabase(&buf, nil)
	if !strings.Contains(buf.String(), "empty") {
		t.Error("Empty database not reported")
	}

	buf.Reset()
	WriteDatabase(&buf, []identify.Profile{{Model: "W25Q64JV", Company: "Winbond", JEDECID: "EF 40 17"}})
	if !strings.Contains(buf.String(), "Total entries: 1") || !strings.Contains(buf.String(), "W25Q64JV") {
		t.Error("Wrong table", buf.String())
	}
}
