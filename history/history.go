// Package history keeps a SQLite log of identification and backup runs.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
	"github.com/mdobak/go-xerrors"
)

type Run struct {
	ID   int64
	Time time.Time

	JEDECID      string
	CapacityMbit float64

	ReadSpeedMBps float64
	EraseSpeedMs  float64

	Status     string
	TopMatch   string
	Confidence float64

	BackupPath    string
	RestoreResult string
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. The special path ":memory:"
// gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, xerrors.New("error creating database directory", err)
			}
		}
	}

	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.New("error connecting to SQLite", err)
	}

	/* Every connection to :memory: is a new database */
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	createRunsTable := `
    CREATE TABLE IF NOT EXISTS runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp_ms INTEGER NOT NULL,
        jedec_id TEXT NOT NULL,
        capacity_mbit REAL NOT NULL DEFAULT 0,
        read_speed_mbps REAL NOT NULL DEFAULT 0,
        erase_speed_ms REAL NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        top_match TEXT,
        confidence REAL NOT NULL DEFAULT 0,
        backup_path TEXT,
        restore_result TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp_ms);
    `

	if _, err := db.Exec(createRunsTable); err != nil {
		return xerrors.New("error creating runs table", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores run and fills in its ID. A zero Time is set to now.
func (s *Store) Record(run *Run) error {
	if run.Time.IsZero() {
		run.Time = time.Now()
	}

	res, err := s.db.Exec(`INSERT INTO runs (timestamp_ms, jedec_id, capacity_mbit, read_speed_mbps,
        erase_speed_ms, status, top_match, confidence, backup_path, restore_result)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Time.UnixMilli(), run.JEDECID, run.CapacityMbit, run.ReadSpeedMBps,
		run.EraseSpeedMs, run.Status, run.TopMatch, run.Confidence, run.BackupPath, run.RestoreResult)
	if err != nil {
		return xerrors.New("error storing run", err)
	}

	run.ID, err = res.LastInsertId()
	if err != nil {
		return xerrors.New("error getting run id", err)
	}
	return nil
}

// Recent returns at most limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT id, timestamp_ms, jedec_id, capacity_mbit, read_speed_mbps,
        erase_speed_ms, status, COALESCE(top_match, ''), confidence, COALESCE(backup_path, ''),
        COALESCE(restore_result, '')
        FROM runs ORDER BY timestamp_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.New("error querying runs", err)
	}
	defer rows.Close()

	var result []Run
	for rows.Next() {
		var run Run
		var ms int64
		if err := rows.Scan(&run.ID, &ms, &run.JEDECID, &run.CapacityMbit, &run.ReadSpeedMBps,
			&run.EraseSpeedMs, &run.Status, &run.TopMatch, &run.Confidence, &run.BackupPath,
			&run.RestoreResult); err != nil {
			return nil, xerrors.New("error scanning run", err)
		}
		run.Time = time.UnixMilli(ms)
		result = append(result, run)
	}

	if err := rows.Err(); err != nil {
		return nil, xerrors.New("error iterating runs", err)
	}
	return result, nil
}
