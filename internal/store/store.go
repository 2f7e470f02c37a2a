// Package store provides SQLite-backed persistence for chunk processing
// state. Each chunk's progress is materialized as rows so a worker can be
// re-driven from any point after a crash or restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a chunk or PI row does not exist.
var ErrNotFound = errors.New("not found")

// Phase is the chunk state machine phase.
type Phase string

const (
	PhaseProcessing Phase = "PROCESSING"
	PhasePublishing Phase = "PUBLISHING"
	PhaseCallback   Phase = "CALLBACK"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// Terminal reports whether the phase accepts no more work.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// PIStatus is the per-item lifecycle status.
type PIStatus string

const (
	PIPending    PIStatus = "pending"
	PIProcessing PIStatus = "processing"
	PIDone       PIStatus = "done"
	PIError      PIStatus = "error"
)

// Chunk is the singleton state row for one chunk worker.
type Chunk struct {
	BatchID            string
	ChunkID            string
	Prefix             string
	CustomPrompt       string
	Institution        string
	Phase              Phase
	StartedAt          time.Time
	CompletedAt        *time.Time
	CallbackRetryCount int
	GlobalError        string
}

// PIState is the durable state of one entity within a chunk.
type PIState struct {
	PI         string
	Status     PIStatus
	RetryCount int
	PinaxJSON  string
	PinaxCID   string
	NewTip     string
	NewVersion int
	Error      string
}

// ContextFile is one cached context file for a PI.
type ContextFile struct {
	Name    string
	Content string
}

// Context is the cached fetch result for a PI.
type Context struct {
	DirectoryName string
	ExistingPinax string // raw JSON, empty if none
	Files         []ContextFile
}

// Store provides access to the chunk state database.
type Store struct {
	db *sql.DB
}

// Open creates a Store at the given path and runs migrations.
// Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dbPath += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite supports one writer at a time; keep the pool at a single
	// connection so every write is serialized through it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS batch_state (
		chunk_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		prefix TEXT,
		custom_prompt TEXT,
		institution TEXT,
		phase TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		callback_retry_count INTEGER NOT NULL DEFAULT 0,
		global_error TEXT
	);

	CREATE TABLE IF NOT EXISTS pi_list (
		chunk_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		pi TEXT NOT NULL,
		PRIMARY KEY (chunk_id, idx)
	);

	CREATE TABLE IF NOT EXISTS pi_state (
		chunk_id TEXT NOT NULL,
		pi TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		pinax_json TEXT,
		pinax_cid TEXT,
		new_tip TEXT,
		new_version INTEGER,
		error TEXT,
		PRIMARY KEY (chunk_id, pi)
	);

	CREATE TABLE IF NOT EXISTS context_files (
		chunk_id TEXT NOT NULL,
		pi TEXT NOT NULL,
		idx INTEGER NOT NULL,
		filename TEXT NOT NULL,
		content TEXT NOT NULL,
		PRIMARY KEY (chunk_id, pi, idx)
	);

	CREATE TABLE IF NOT EXISTS context_meta (
		chunk_id TEXT NOT NULL,
		pi TEXT NOT NULL,
		directory_name TEXT NOT NULL,
		existing_pinax_json TEXT,
		PRIMARY KEY (chunk_id, pi)
	);

	CREATE INDEX IF NOT EXISTS idx_pi_state_status ON pi_state(chunk_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateChunk inserts a fresh chunk row in PROCESSING along with one
// pending PI row per input, in admission order.
func (s *Store) CreateChunk(ctx context.Context, chunk *Chunk, pis []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_state (chunk_id, batch_id, prefix, custom_prompt, institution, phase, started_at, callback_retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		chunk.ChunkID, chunk.BatchID, chunk.Prefix, chunk.CustomPrompt, chunk.Institution,
		string(chunk.Phase), chunk.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert batch_state: %w", err)
	}

	for i, pi := range pis {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pi_list (chunk_id, idx, pi) VALUES (?, ?, ?)`,
			chunk.ChunkID, i, pi,
		); err != nil {
			return fmt.Errorf("insert pi_list: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pi_state (chunk_id, pi, status, retry_count) VALUES (?, ?, ?, 0)`,
			chunk.ChunkID, pi, string(PIPending),
		); err != nil {
			return fmt.Errorf("insert pi_state: %w", err)
		}
	}

	return tx.Commit()
}

// GetChunk loads the chunk row, or ErrNotFound.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, batch_id, COALESCE(prefix,''), COALESCE(custom_prompt,''), COALESCE(institution,''),
		       phase, started_at, completed_at, callback_retry_count, COALESCE(global_error,'')
		FROM batch_state WHERE chunk_id = ?`, chunkID)

	var c Chunk
	var phase string
	var completedAt sql.NullTime
	err := row.Scan(&c.ChunkID, &c.BatchID, &c.Prefix, &c.CustomPrompt, &c.Institution,
		&phase, &c.StartedAt, &completedAt, &c.CallbackRetryCount, &c.GlobalError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch_state: %w", err)
	}
	c.Phase = Phase(phase)
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// ListActiveChunks returns every chunk row not yet in a terminal phase.
// Used on startup to resume workers that were interrupted by a restart.
func (s *Store) ListActiveChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, batch_id, COALESCE(prefix,''), COALESCE(custom_prompt,''), COALESCE(institution,''),
		       phase, started_at, completed_at, callback_retry_count, COALESCE(global_error,'')
		FROM batch_state WHERE phase NOT IN (?, ?)`,
		string(PhaseDone), string(PhaseError))
	if err != nil {
		return nil, fmt.Errorf("query batch_state: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var phase string
		var completedAt sql.NullTime
		if err := rows.Scan(&c.ChunkID, &c.BatchID, &c.Prefix, &c.CustomPrompt, &c.Institution,
			&phase, &c.StartedAt, &completedAt, &c.CallbackRetryCount, &c.GlobalError); err != nil {
			return nil, fmt.Errorf("scan batch_state: %w", err)
		}
		c.Phase = Phase(phase)
		if completedAt.Valid {
			t := completedAt.Time
			c.CompletedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetPhase transitions the chunk to a new phase.
func (s *Store) SetPhase(ctx context.Context, chunkID string, phase Phase) error {
	return s.execOne(ctx, `UPDATE batch_state SET phase = ? WHERE chunk_id = ?`, string(phase), chunkID)
}

// SetGlobalError records an uncaught failure and short-circuits the chunk
// to the callback phase.
func (s *Store) SetGlobalError(ctx context.Context, chunkID, message string) error {
	return s.execOne(ctx,
		`UPDATE batch_state SET global_error = ?, phase = ? WHERE chunk_id = ?`,
		message, string(PhaseCallback), chunkID)
}

// IncrCallbackRetry bumps the callback retry counter and returns the new count.
func (s *Store) IncrCallbackRetry(ctx context.Context, chunkID string) (int, error) {
	if err := s.execOne(ctx,
		`UPDATE batch_state SET callback_retry_count = callback_retry_count + 1 WHERE chunk_id = ?`,
		chunkID); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT callback_retry_count FROM batch_state WHERE chunk_id = ?`, chunkID).Scan(&count)
	return count, err
}

// MarkCompleted stamps completed_at and moves the chunk to DONE.
func (s *Store) MarkCompleted(ctx context.Context, chunkID string, at time.Time) error {
	return s.execOne(ctx,
		`UPDATE batch_state SET phase = ?, completed_at = ? WHERE chunk_id = ?`,
		string(PhaseDone), at.UTC(), chunkID)
}

// ListPIs returns PI states in admission order, optionally filtered by status.
func (s *Store) ListPIs(ctx context.Context, chunkID string, statuses ...PIStatus) ([]PIState, error) {
	query := `
		SELECT ps.pi, ps.status, ps.retry_count, COALESCE(ps.pinax_json,''),
		       COALESCE(ps.pinax_cid,''), COALESCE(ps.new_tip,''), COALESCE(ps.new_version,0), COALESCE(ps.error,'')
		FROM pi_state ps
		JOIN pi_list pl ON pl.chunk_id = ps.chunk_id AND pl.pi = ps.pi
		WHERE ps.chunk_id = ?`
	args := []any{chunkID}
	if len(statuses) > 0 {
		query += ` AND ps.status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY pl.idx`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pi_state: %w", err)
	}
	defer rows.Close()

	var out []PIState
	for rows.Next() {
		var p PIState
		var status string
		if err := rows.Scan(&p.PI, &status, &p.RetryCount, &p.PinaxJSON,
			&p.PinaxCID, &p.NewTip, &p.NewVersion, &p.Error); err != nil {
			return nil, fmt.Errorf("scan pi_state: %w", err)
		}
		p.Status = PIStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByStatus returns how many PIs sit in each status.
func (s *Store) CountByStatus(ctx context.Context, chunkID string) (map[PIStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pi_state WHERE chunk_id = ? GROUP BY status`, chunkID)
	if err != nil {
		return nil, fmt.Errorf("count pi_state: %w", err)
	}
	defer rows.Close()

	counts := make(map[PIStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[PIStatus(status)] = n
	}
	return counts, rows.Err()
}

// SetPIStatus moves a PI to a new status.
func (s *Store) SetPIStatus(ctx context.Context, chunkID, pi string, status PIStatus) error {
	return s.execOne(ctx,
		`UPDATE pi_state SET status = ? WHERE chunk_id = ? AND pi = ?`,
		string(status), chunkID, pi)
}

// SetPIDone stores the extracted record and marks the PI done.
func (s *Store) SetPIDone(ctx context.Context, chunkID, pi, pinaxJSON string) error {
	return s.execOne(ctx,
		`UPDATE pi_state SET status = ?, pinax_json = ?, error = NULL WHERE chunk_id = ? AND pi = ?`,
		string(PIDone), pinaxJSON, chunkID, pi)
}

// SetPIError marks the PI terminally failed with a reason.
func (s *Store) SetPIError(ctx context.Context, chunkID, pi, message string) error {
	return s.execOne(ctx,
		`UPDATE pi_state SET status = ?, error = ? WHERE chunk_id = ? AND pi = ?`,
		string(PIError), message, chunkID, pi)
}

// BumpPIRetry counts a failed attempt and returns the PI to pending for the
// next pass. Returns the new retry count.
func (s *Store) BumpPIRetry(ctx context.Context, chunkID, pi, message string) (int, error) {
	if err := s.execOne(ctx, `
		UPDATE pi_state SET status = ?, retry_count = retry_count + 1, error = ?
		WHERE chunk_id = ? AND pi = ?`,
		string(PIPending), message, chunkID, pi); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM pi_state WHERE chunk_id = ? AND pi = ?`, chunkID, pi).Scan(&count)
	return count, err
}

// SetPIPublished records a successful upload and version append.
func (s *Store) SetPIPublished(ctx context.Context, chunkID, pi, cid, tip string, version int) error {
	return s.execOne(ctx, `
		UPDATE pi_state SET pinax_cid = ?, new_tip = ?, new_version = ?
		WHERE chunk_id = ? AND pi = ?`,
		cid, tip, version, chunkID, pi)
}

// SaveContext caches the fetched context for a PI, replacing any prior cache.
func (s *Store) SaveContext(ctx context.Context, chunkID, pi string, c *Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_files WHERE chunk_id = ? AND pi = ?`, chunkID, pi); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM context_meta WHERE chunk_id = ? AND pi = ?`, chunkID, pi); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_meta (chunk_id, pi, directory_name, existing_pinax_json)
		VALUES (?, ?, ?, ?)`,
		chunkID, pi, c.DirectoryName, c.ExistingPinax); err != nil {
		return fmt.Errorf("insert context_meta: %w", err)
	}
	for i, f := range c.Files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_files (chunk_id, pi, idx, filename, content)
			VALUES (?, ?, ?, ?, ?)`,
			chunkID, pi, i, f.Name, f.Content); err != nil {
			return fmt.Errorf("insert context_files: %w", err)
		}
	}
	return tx.Commit()
}

// LoadContext returns the cached context for a PI, or found=false.
func (s *Store) LoadContext(ctx context.Context, chunkID, pi string) (*Context, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT directory_name, COALESCE(existing_pinax_json,'')
		FROM context_meta WHERE chunk_id = ? AND pi = ?`, chunkID, pi)

	var c Context
	err := row.Scan(&c.DirectoryName, &c.ExistingPinax)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan context_meta: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, content FROM context_files
		WHERE chunk_id = ? AND pi = ? ORDER BY idx`, chunkID, pi)
	if err != nil {
		return nil, false, fmt.Errorf("query context_files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f ContextFile
		if err := rows.Scan(&f.Name, &f.Content); err != nil {
			return nil, false, err
		}
		c.Files = append(c.Files, f)
	}
	return &c, true, rows.Err()
}

// DeleteContext drops the cached context for a PI. Called as soon as the PI
// reaches a terminal status to bound storage growth.
func (s *Store) DeleteContext(ctx context.Context, chunkID, pi string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_files WHERE chunk_id = ? AND pi = ?`, chunkID, pi); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM context_meta WHERE chunk_id = ? AND pi = ?`, chunkID, pi)
	return err
}

// DeleteChunk removes every row belonging to a chunk across all tables.
func (s *Store) DeleteChunk(ctx context.Context, chunkID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"context_files", "context_meta", "pi_state", "pi_list", "batch_state"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE chunk_id = ?`, chunkID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// execOne runs a statement and errors if no row was touched.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
