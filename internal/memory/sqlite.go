package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time checks that SQLite implements the engine-facing interfaces.
var (
	_ Store       = (*SQLite)(nil)
	_ LearningLog = (*SQLite)(nil)
	_ RunArchive  = (*SQLite)(nil)
)

// SQLite backs the remedy memory, the learning log and the signature vector
// index with a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "remedy.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the vector index, which shares the
// same database file.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Remedy records ---

// Get returns the remedy record for a signature, or ErrNotFound on a miss.
func (s *SQLite) Get(ctx context.Context, signature string) (Record, error) {
	var r Record
	var lastSuccess sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT signature, remedy_action, success_count, failure_count, last_success_at
		FROM memory_records WHERE signature = ?`, signature,
	).Scan(&r.Signature, &r.RemedyAction, &r.SuccessCount, &r.FailureCount, &lastSuccess)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if lastSuccess.Valid {
		t, err := time.Parse(time.RFC3339, lastSuccess.String)
		if err != nil {
			return Record{}, fmt.Errorf("parsing last_success_at: %w", err)
		}
		r.LastSuccessAt = t
	}
	return r, nil
}

// RecordSuccess upserts the remedy for a signature. The counter increment is
// a single UPDATE expression so concurrent writers never lose counts;
// last-writer-wins on the action field is acceptable.
func (s *SQLite) RecordSuccess(ctx context.Context, signature, action string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_records (signature, remedy_action, success_count, failure_count, last_success_at)
		VALUES (?, ?, 1, 0, ?)
		ON CONFLICT(signature) DO UPDATE SET
			remedy_action = excluded.remedy_action,
			success_count = success_count + 1,
			last_success_at = excluded.last_success_at`,
		signature, action, now,
	)
	return err
}

// RecordFailure increments the failure counter of an existing record.
// A miss is a no-op: failed remediation must not create a record.
func (s *SQLite) RecordFailure(ctx context.Context, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET failure_count = failure_count + 1 WHERE signature = ?`, signature)
	return err
}

// Remedies returns cached remedy records, most recently successful first.
func (s *SQLite) Remedies(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, remedy_action, success_count, failure_count, last_success_at
		FROM memory_records ORDER BY last_success_at DESC, signature LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var r Record
		var lastSuccess sql.NullString
		if err := rows.Scan(&r.Signature, &r.RemedyAction, &r.SuccessCount, &r.FailureCount, &lastSuccess); err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			t, err := time.Parse(time.RFC3339, lastSuccess.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_success_at: %w", err)
			}
			r.LastSuccessAt = t
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Run archive ---

// SaveRun upserts a terminal run snapshot. Re-archiving the same run id
// replaces the row, so retries after a failed write stay safe.
func (s *SQLite) SaveRun(ctx context.Context, r ArchivedRun) error {
	results := r.Results
	if len(results) == 0 {
		results = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_archive (run_id, skill_id, status, results, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.SkillID, r.Status, string(results),
		r.StartedAt.UTC().Format(time.RFC3339), r.FinishedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// LoadRun returns an archived run, or ErrNotFound on a miss.
func (s *SQLite) LoadRun(ctx context.Context, runID string) (ArchivedRun, error) {
	var r ArchivedRun
	var results, startedAt, finishedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, skill_id, status, results, started_at, finished_at
		FROM run_archive WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.SkillID, &r.Status, &results, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return ArchivedRun{}, ErrNotFound
	}
	if err != nil {
		return ArchivedRun{}, err
	}
	r.Results = []byte(results)
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return ArchivedRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
		return ArchivedRun{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// --- Learning log ---

// Append writes one learning-log entry.
func (s *SQLite) Append(ctx context.Context, e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learning_log (id, run_id, skill_id, step_id, tool, signature, normalized, policy, verdict, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.SkillID, e.StepID, e.Tool, e.Signature, e.Normalized,
		e.Policy, e.Verdict, e.Status, e.Attempts, at.UTC().Format(time.RFC3339),
	)
	return err
}

// Recent returns the latest learning-log entries, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, skill_id, step_id, tool, signature, normalized, policy, verdict, status, attempts, created_at
		FROM learning_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.SkillID, &e.StepID, &e.Tool, &e.Signature,
			&e.Normalized, &e.Policy, &e.Verdict, &e.Status, &e.Attempts, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.At = t
		results = append(results, e)
	}
	return results, rows.Err()
}
