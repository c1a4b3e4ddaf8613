package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for fit jobs and their steps.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database at path with driver "sqlite" (pure Go) or
// "sqlite3" (cgo) and ensures the schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fit_jobs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            fit TEXT NOT NULL,
            target TEXT,
            status TEXT NOT NULL,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS refinement_steps (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            fit TEXT NOT NULL,
            step INTEGER NOT NULL,
            rw REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_refinement_steps_job_id ON refinement_steps(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_fit_jobs_fit ON fit_jobs(fit);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	Kind        string
	Fit         string
	Target      string
	Status      string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StepRecord is one refinement step of a job.
type StepRecord struct {
	JobID string
	Fit   string
	Step  int
	RW    float64
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO fit_jobs (id, kind, fit, target, status, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Fit, rec.Target, rec.Status, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE fit_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobDequeued marks a job taken out of the queue before it ran.
func (s *Store) RecordJobDequeued(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE fit_jobs SET status='dequeued', completed_at=CURRENT_TIMESTAMP WHERE id=? AND status='queued';`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE fit_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordStep appends a refinement step.
func (s *Store) RecordStep(rec StepRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO refinement_steps (job_id, fit, step, rw) VALUES (?, ?, ?, ?);`,
		rec.JobID, rec.Fit, rec.Step, rec.RW)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, fit, target, status, options_json, created_at, started_at, completed_at, error_message FROM fit_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var target, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Fit, &target, &rec.Status, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.Target, rec.OptionsJSON = target.String, opts.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// StepHistory returns the steps recorded for a job in order.
func (s *Store) StepHistory(jobID string) ([]StepRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, fit, step, rw FROM refinement_steps WHERE job_id=? ORDER BY step, id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.JobID, &rec.Fit, &rec.Step, &rec.RW); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
