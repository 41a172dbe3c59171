package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	// Reset flags to prevent accumulation between runs
	verbose = false
	envFile = ""
	flagSize = ""
	probeUnprotect = false
	identifyReadOnly = false
	identifyNoPostDump = false
	identifyNoHistory = false
	identifyIterations = 1
	dbLookup = ""
	historyLimit = 20

	full := append([]string{
		"--adapter", "sim",
		"--backup-dir", dir,
		"--history", filepath.Join(dir, "history.db"),
	}, args...)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(full)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommandsE2E(t *testing.T) {
	t.Setenv("FLASHIDENT_SIM_SIZE", "1M")
	t.Setenv("FLASHIDENT_SIM_JEDEC", "EF4014")
	dir := t.TempDir()
	image := filepath.Join(dir, "chip.bin")

	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "probe",
			args:        []string{"probe", "--unprotect"},
			wantContain: []string{"JEDEC ID:     EF 40 14", "1048576 bytes", "Unprotect:"},
		},
		{
			name:        "backup",
			args:        []string{"backup", image},
			wantContain: []string{"Backup of EF 40 14 written to", "1048576 bytes"},
		},
		{
			name:        "backup default name",
			args:        []string{"backup"},
			wantContain: []string{"univ_EF4014.bin"},
		},
		{
			name:        "restore",
			args:        []string{"restore", image},
			wantContain: []string{"Restored and verified"},
		},
		{
			name:        "verify",
			args:        []string{"verify", image},
			wantContain: []string{"Chip matches"},
		},
		{
			name:    "verify missing file",
			args:    []string{"verify", filepath.Join(dir, "missing.bin")},
			wantErr: true,
		},
		{
			name:    "restore needs a file",
			args:    []string{"restore"},
			wantErr: true,
		},
		{
			name:        "identify read only",
			args:        []string{"identify", "--read-only"},
			wantContain: []string{"Status: ", "RANK 1: Winbond W25Q80DV", "✓ MATCH (EF 40 14 = EF 40 14)"},
		},
		{
			name:        "identify",
			args:        []string{"identify", "--no-postdump"},
			wantContain: []string{"Write test: true", "Restore:  verified"},
		},
		{
			name:        "history",
			args:        []string{"history", "--limit", "5"},
			wantContain: []string{"EF 40 14"},
		},
		{
			name:        "db lookup",
			args:        []string{"db", "--lookup", "ef 40 18"},
			wantContain: []string{"EF 40 18"},
		},
		{
			name:    "db bad lookup",
			args:    []string{"db", "--lookup", "EF40"},
			wantErr: true,
		},
		{
			name:        "probe with fallback size",
			args:        []string{"probe", "--size", "legacy"},
			wantContain: []string{"1048576 bytes"},
		},
		{
			name:    "bad fallback size",
			args:    []string{"probe", "--size", "lots"},
			wantErr: true,
		},
		{
			name:    "unknown adapter",
			args:    []string{"probe", "--adapter", "parallel"},
			wantErr: true,
		},
		{
			name:    "spidev without device",
			args:    []string{"probe", "--adapter", "spidev"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := runCLI(t, dir, tt.args...)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error: %v\nOutput: %s", err, output)
				return
			}

			for _, want := range tt.wantContain {
				if !strings.Contains(output, want) {
					t.Errorf("Output missing expected string: %q\nGot:\n%s", want, output)
				}
			}
		})
	}
}

func TestIdentifyWritesReports(t *testing.T) {
	t.Setenv("FLASHIDENT_SIM_SIZE", "1M")
	dir := t.TempDir()

	if _, err := runCLI(t, dir, "identify", "--read-only"); err != nil {
		t.Fatal(err)
	}

	reports, _ := filepath.Glob(filepath.Join(dir, "Report", "forensic_report_*.txt"))
	if len(reports) != 1 {
		t.Error("Expected one forensic report", reports)
	}
	logs, _ := filepath.Glob(filepath.Join(dir, "benchmark_results_*.csv"))
	if len(logs) != 1 {
		t.Error("Expected one benchmark log", logs)
	}
	if _, err := os.Stat(filepath.Join(dir, "univ_EF4018.bin")); err != nil {
		t.Error("Backup missing", err)
	}
}
