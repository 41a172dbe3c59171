// Package report renders identification results as text.
package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BertoldVdb/flashident/bench"
	"github.com/BertoldVdb/flashident/identify"
)

const separator = "========================================"

// ForensicFilename is where a report generated at t is stored, relative to
// the backup directory.
func ForensicFilename(t time.Time) string {
	return path.Join("Report", t.Format("forensic_report_20060102_150405.txt"))
}

// BenchmarkFilename is the daily benchmark log.
func BenchmarkFilename(t time.Time) string {
	return t.Format("benchmark_results_20060102.csv")
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func percentDiff(measured, expected float64) float64 {
	if expected == 0 {
		return 0
	}
	return (measured - expected) / expected * 100
}

func writeSpeedFactor(w io.Writer, name string, f identify.Factor, measured, expected, limit float64) {
	fmt.Fprintf(w, "    [%.1f%%] %s: ", f.Score, name)
	if !f.Available {
		fmt.Fprintln(w, "N/A (missing data)")
		return
	}

	diff := percentDiff(measured, expected)
	verdict := "CLOSE"
	if math.Abs(diff) >= limit {
		verdict = "DIFFERS"
	}
	fmt.Fprintf(w, "%s %s (test: %.2f, db: %.2f, diff: %+.1f%%)\n",
		mark(verdict == "CLOSE"), verdict, measured, expected, diff)
}

// WriteMatches prints every filled slot with its reference values and how
// each factor scored.
func WriteMatches(w io.Writer, measured *identify.Profile, status identify.Status, matches [identify.TopK]identify.Match) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "Status: %s\n", status)
	if matches[0].HasOutliers {
		fmt.Fprintln(bw, "  Performance outliers detected!")
	}
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "--- TOP %d MATCHES WITH FACTOR BREAKDOWN ---\n\n", identify.TopK)

	for i := range matches {
		m := &matches[i]
		if m.Empty() {
			continue
		}
		p := &m.Profile
		b := &m.Confidence.Breakdown

		fmt.Fprintf(bw, "RANK %d: %s %s\n", i+1, p.Company, p.Model)
		fmt.Fprintf(bw, "  Overall Confidence: %.1f%%\n", m.Confidence.Overall)
		fmt.Fprintln(bw, "\n  DATABASE VALUES:")
		fmt.Fprintf(bw, "    JEDEC ID:          %s\n", p.JEDECID)
		fmt.Fprintf(bw, "    Read Speed:        %.2f MB/s\n", p.ReadSpeedMBps)
		fmt.Fprintf(bw, "    Erase Speed:       %.2f ms (typ 64KB)\n", p.EraseSpeedMs)
		fmt.Fprintf(bw, "    Max Clock Freq:    %.0f MHz\n", p.MaxClockMHz)
		fmt.Fprintf(bw, "    Page Program:      %.2f ms (typ)\n", p.PageProgTypMs)
		fmt.Fprintf(bw, "    Capacity:          %.1f Mbit\n", p.CapacityMbit)

		fmt.Fprintln(bw, "\n  MATCHING FACTORS:")
		fmt.Fprintf(bw, "    [%.1f%%] JEDEC ID: ", b.JEDECID.Score)
		switch {
		case !b.JEDECID.Available:
			fmt.Fprintln(bw, "N/A (missing data)")
		case measured.JEDECID == p.JEDECID:
			fmt.Fprintf(bw, "✓ MATCH (%s = %s)\n", measured.JEDECID, p.JEDECID)
		default:
			fmt.Fprintf(bw, "✗ MISMATCH (%s ≠ %s)\n", measured.JEDECID, p.JEDECID)
		}
		writeSpeedFactor(bw, "READ SPEED", b.ReadSpeed, measured.ReadSpeedMBps, p.ReadSpeedMBps, identify.ReadTolerance*100)
		writeSpeedFactor(bw, "ERASE SPEED", b.EraseSpeed, measured.EraseSpeedMs, p.EraseSpeedMs, identify.EraseTolerance*100)

		if m.Confidence.Warning != "" {
			fmt.Fprintf(bw, "  Warning: %s\n", m.Confidence.Warning)
		}
		fmt.Fprintln(bw)
	}

	return bw.Flush()
}

// Forensic is everything the forensic report covers.
type Forensic struct {
	Time     time.Time
	Measured identify.Profile
	Status   identify.Status
	Matches  [identify.TopK]identify.Match

	BackupPath    string
	RestoreResult string
}

func WriteForensic(w io.Writer, f *Forensic) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, separator)
	fmt.Fprintln(bw, "  FLASH CHIP FORENSIC IDENTIFICATION REPORT")
	fmt.Fprintln(bw, separator)
	fmt.Fprintf(bw, "Generated: %s\n\n", f.Time.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(bw, "--- Test Chip Benchmarks ---")
	fmt.Fprintf(bw, "JEDEC ID: %s\n", f.Measured.JEDECID)
	fmt.Fprintf(bw, "Capacity: %g Mbit\n", f.Measured.CapacityMbit)
	fmt.Fprintf(bw, "Read Speed (50MHz): %.2f MB/s\n", f.Measured.ReadSpeedMBps)
	fmt.Fprintf(bw, "Erase Speed (64KB): %.1f ms\n\n", f.Measured.EraseSpeedMs)

	fmt.Fprintln(bw, "--- Identification Results ---")
	if f.Status == identify.Found {
		fmt.Fprintln(bw, "Status: FOUND (Exact Match)")
	} else {
		fmt.Fprintf(bw, "Status: %s\n", f.Status)
	}

	best := &f.Matches[0]
	overall := 0.0
	if !best.Empty() {
		overall = best.Confidence.Overall
	}
	fmt.Fprintf(bw, "Overall Confidence: %.1f%%\n\n", overall)

	if !best.Empty() {
		p := &best.Profile
		b := &best.Confidence.Breakdown

		fmt.Fprintln(bw, "--- Best Match Details ---")
		fmt.Fprintf(bw, "Manufacturer: %s\n", p.Company)
		fmt.Fprintf(bw, "Model: %s\n", p.Model)
		fmt.Fprintf(bw, "Family: %s\n", p.Family)
		fmt.Fprintf(bw, "JEDEC ID: %s\n", p.JEDECID)
		fmt.Fprintf(bw, "Capacity: %g Mbit\n\n", p.CapacityMbit)

		fmt.Fprintln(bw, "--- Confidence Factor Breakdown ---")
		if b.JEDECID.Available {
			fmt.Fprintf(bw, "JEDEC ID Match (%.0f%% weight): %.0f%%\n", identify.WeightJEDEC*100, b.JEDECID.Score)
		}
		if b.ReadSpeed.Available {
			fmt.Fprintf(bw, "Read Speed Match (%.0f%% weight): %.0f%%\n", identify.WeightRead*100, b.ReadSpeed.Score)
		}
		if b.EraseSpeed.Available {
			fmt.Fprintf(bw, "Erase Speed Match (%.0f%% weight): %.0f%%\n", identify.WeightErase*100, b.EraseSpeed.Score)
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintf(bw, "--- Top %d Candidate Matches ---\n", identify.TopK)
	for i := range f.Matches {
		m := &f.Matches[i]
		if m.Empty() {
			continue
		}
		fmt.Fprintf(bw, "%d. %s %s (%.1f%% confidence)\n", i+1, m.Profile.Company, m.Profile.Model, m.Confidence.Overall)
	}
	fmt.Fprintln(bw)

	if best.HasOutliers || (!best.Empty() && best.Confidence.Warning != "") {
		fmt.Fprintln(bw, "--- Warnings ---")
		if best.HasOutliers {
			fmt.Fprintln(bw, "WARNING_PERFORMANCE_OUTLIER: Significant performance deviations detected")
		}
		if best.Confidence.Warning != "" {
			fmt.Fprintln(bw, best.Confidence.Warning)
		}
		fmt.Fprintln(bw)
	}

	if f.BackupPath != "" || f.RestoreResult != "" {
		fmt.Fprintln(bw, "--- Backup ---")
		if f.BackupPath != "" {
			fmt.Fprintf(bw, "Image: %s\n", f.BackupPath)
		}
		if f.RestoreResult != "" {
			fmt.Fprintf(bw, "Restore: %s\n", f.RestoreResult)
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, separator)
	fmt.Fprintln(bw, "End of Report")
	fmt.Fprintln(bw, separator)

	return bw.Flush()
}

// WriteDatabase lists reference profiles as a table.
func WriteDatabase(w io.Writer, profiles []identify.Profile) error {
	if len(profiles) == 0 {
		_, err := fmt.Fprintln(w, "Database is empty or not loaded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "Total entries: %d\n\n", len(profiles))
	fmt.Fprintln(tw, "No.\tCompany\tChip Model\tFamily\tJEDEC ID\tCap(Mb)\tMaxClk\tRead\tErase64K")
	for i, m := range profiles {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%g\t%.0f\t%.2f\t%.1f\n",
			i+1, m.Company, m.Model, m.Family, m.JEDECID, m.CapacityMbit, m.MaxClockMHz, m.ReadSpeedMBps, m.EraseSpeedMs)
	}
	return tw.Flush()
}

// Benchmark is one line of the benchmark log.
type Benchmark struct {
	Time     time.Time
	Measured identify.Profile
	Reads    []bench.ReadResult
	Erase    *bench.EraseResult
	Best     *identify.Match
}

// BenchmarkHeader returns the log columns for the given read clocks.
func BenchmarkHeader(clocksMHz []int) []string {
	h := []string{"Timestamp", "JEDEC_ID", "Manufacturer", "PartNumber", "Capacity_Mbit"}
	for _, clk := range clocksMHz {
		for _, label := range bench.ReadLabels {
			h = append(h, fmt.Sprintf("Read_%dMHz_%s_MBps", clk, label))
		}
	}
	h = append(h, "Read_50MHz_Derived_MBps",
		"Erase_4KB_Avg_ms", "Erase_32KB_Avg_ms", "Erase_64KB_Avg_ms",
		"Matched_Chip", "Match_Confidence_Percent")
	return h
}

func (b *Benchmark) row(clocksMHz []int) []string {
	company, model := "UNKNOWN", "UNKNOWN"
	matched, confidence := "NONE", "0.0"
	if b.Best != nil && !b.Best.Empty() {
		company, model = b.Best.Profile.Company, b.Best.Profile.Model
		matched = strings.TrimSpace(company + " " + model)
		confidence = fmt.Sprintf("%.1f", b.Best.Confidence.Overall)
	}

	r := []string{b.Time.Format("2006-01-02 15:04:05"), b.Measured.JEDECID, company, model,
		fmt.Sprintf("%.2f", b.Measured.CapacityMbit)}

	for _, clk := range clocksMHz {
		var sizes *[len(bench.ReadSizes)]bench.SizeResult
		for i := range b.Reads {
			if b.Reads[i].RequestedMHz == clk {
				sizes = &b.Reads[i].Sizes
			}
		}
		for s := range bench.ReadSizes {
			if sizes == nil {
				r = append(r, "0.0000")
			} else {
				r = append(r, fmt.Sprintf("%.4f", sizes[s].MBps))
			}
		}
	}
	r = append(r, fmt.Sprintf("%.2f", b.Measured.ReadSpeedMBps))

	for _, size := range []uint32{4096, 32768, 65536} {
		v := 0.0
		if b.Erase != nil {
			if t, ok := b.Erase.Get(size); ok {
				v = t.AvgMs
			}
		}
		r = append(r, fmt.Sprintf("%.2f", v))
	}

	return append(r, matched, confidence)
}

// WriteBenchmark appends one log line, preceded by the header when
// withHeader is set.
func WriteBenchmark(w io.Writer, withHeader bool, clocksMHz []int, b *Benchmark) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(BenchmarkHeader(clocksMHz)); err != nil {
			return err
		}
	}
	if err := cw.Write(b.row(clocksMHz)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
