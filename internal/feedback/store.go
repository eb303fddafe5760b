// Package feedback persists resolution outcomes reported by callers and
// aggregates them into per-runbook quality signals. The store is the only
// persistent state in the process; everything else is rebuilt from the
// upstream sources.
package feedback

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joestump/runbookd/internal/errs"
)

// Resolution outcomes accepted by RecordResolution.
const (
	OutcomeResolved  = "resolved"
	OutcomeEscalated = "escalated"
	OutcomeFailed    = "failed"
)

// Resolution is one reported runbook execution.
type Resolution struct {
	ID        int64
	RunbookID string
	Outcome   string // resolved, escalated, failed
	TimingMS  int64
	Notes     *string
	CreatedAt string
}

// RunbookStats aggregates the reported executions of one runbook.
type RunbookStats struct {
	RunbookID                string  `json:"runbook_id"`
	Attempts                 int     `json:"attempts"`
	SuccessRate              float64 `json:"success_rate"`
	AvgResolutionTimeMinutes float64 `json:"avg_resolution_time_minutes"`
}

// Summary is the service-wide feedback rollup for the performance surface.
type Summary struct {
	Total       int            `json:"total"`
	ByOutcome   map[string]int `json:"by_outcome"`
	AvgTimingMS float64        `json:"avg_timing_ms"`
}

// Store wraps a sql.DB connection to the SQLite state database.
type Store struct {
	conn *sql.DB
}

// Open creates a new Store and runs all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "open sqlite")
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.CodeInternal, err, "ping sqlite")
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(errs.CodeInternal, err, "migrate")
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// --- Migrations ---

type migration struct {
	version int
	fn      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, fn: migrate001},
	{version: 2, fn: migrate002},
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "create schema_migrations")
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return errs.Wrap(errs.CodeInternal, err, "read migration version")
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "begin migration %d", m.version)
		}

		if err := m.fn(tx); err != nil {
			_ = tx.Rollback()
			return errs.Wrap(errs.CodeInternal, err, "migration %d", m.version)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return errs.Wrap(errs.CodeInternal, err, "record migration %d", m.version)
		}

		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.CodeInternal, err, "commit migration %d", m.version)
		}
	}

	return nil
}

func migrate001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE resolutions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			runbook_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			timing_ms INTEGER NOT NULL,
			notes TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX idx_resolutions_runbook ON resolutions(runbook_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return errs.Wrap(errs.CodeInternal, err, "exec %q", stmt[:40])
		}
	}
	return nil
}

func migrate002(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE INDEX idx_resolutions_outcome ON resolutions(outcome, created_at)`)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "exec create outcome index")
	}
	return nil
}

// --- Resolution Methods ---

func validOutcome(outcome string) bool {
	return outcome == OutcomeResolved || outcome == OutcomeEscalated || outcome == OutcomeFailed
}

// RecordResolution stores a reported execution and returns its ID.
func (s *Store) RecordResolution(r *Resolution) (int64, error) {
	if r.RunbookID == "" {
		return 0, errs.New(errs.CodeValidation, "runbook_id is required")
	}
	if !validOutcome(r.Outcome) {
		return 0, errs.New(errs.CodeValidation, "outcome must be resolved, escalated, or failed, got %q", r.Outcome)
	}
	if r.TimingMS < 0 {
		return 0, errs.New(errs.CodeValidation, "timing_ms must be non-negative")
	}

	createdAt := r.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := s.conn.Exec(
		`INSERT INTO resolutions (runbook_id, outcome, timing_ms, notes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.RunbookID, r.Outcome, r.TimingMS, r.Notes, createdAt,
	)
	if err != nil {
		return 0, errs.Wrap(errs.CodeInternal, err, "insert resolution")
	}
	return res.LastInsertId()
}

// ListResolutions returns the reported executions of a runbook, newest
// first.
func (s *Store) ListResolutions(runbookID string, limit, offset int) ([]Resolution, error) {
	rows, err := s.conn.Query(
		`SELECT id, runbook_id, outcome, timing_ms, notes, created_at
		 FROM resolutions WHERE runbook_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		runbookID, limit, offset,
	)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "list resolutions")
	}
	defer rows.Close() //nolint:errcheck

	var out []Resolution
	for rows.Next() {
		var r Resolution
		if err := rows.Scan(&r.ID, &r.RunbookID, &r.Outcome, &r.TimingMS, &r.Notes, &r.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "scan resolution")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the reported executions of one runbook, or nil when
// nothing has been reported yet.
func (s *Store) Stats(runbookID string) (*RunbookStats, error) {
	var st RunbookStats
	err := s.conn.QueryRow(
		`SELECT runbook_id,
		        COUNT(*),
		        AVG(CASE WHEN outcome = 'resolved' THEN 1.0 ELSE 0.0 END),
		        AVG(timing_ms) / 60000.0
		 FROM resolutions WHERE runbook_id = ?
		 GROUP BY runbook_id`, runbookID,
	).Scan(&st.RunbookID, &st.Attempts, &st.SuccessRate, &st.AvgResolutionTimeMinutes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "stats for %s", runbookID)
	}
	return &st, nil
}

// TopStats returns per-runbook aggregates ordered by attempt count.
func (s *Store) TopStats(limit int) ([]RunbookStats, error) {
	rows, err := s.conn.Query(
		`SELECT runbook_id,
		        COUNT(*) AS attempts,
		        AVG(CASE WHEN outcome = 'resolved' THEN 1.0 ELSE 0.0 END),
		        AVG(timing_ms) / 60000.0
		 FROM resolutions
		 GROUP BY runbook_id
		 ORDER BY attempts DESC, runbook_id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "top stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []RunbookStats
	for rows.Next() {
		var st RunbookStats
		if err := rows.Scan(&st.RunbookID, &st.Attempts, &st.SuccessRate, &st.AvgResolutionTimeMinutes); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "scan stats")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Summarize rolls every reported execution up for the performance surface.
func (s *Store) Summarize() (*Summary, error) {
	sum := &Summary{ByOutcome: map[string]int{}}

	rows, err := s.conn.Query(`SELECT outcome, COUNT(*) FROM resolutions GROUP BY outcome`)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "summarize outcomes")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "scan outcome count")
		}
		sum.ByOutcome[outcome] = count
		sum.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if sum.Total > 0 {
		if err := s.conn.QueryRow(`SELECT AVG(timing_ms) FROM resolutions`).Scan(&sum.AvgTimingMS); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "summarize timing")
		}
	}
	return sum, nil
}
