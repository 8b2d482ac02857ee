package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stockdesk/internal/chat"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteStore)(nil)

// migrations are applied in order; the index of the last applied one is
// kept in schema_version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS advice_runs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		isin       TEXT NOT NULL,
		session_id INTEGER,
		status     TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		steps_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_advice_runs_isin ON advice_runs(isin, created_at);`,

	`CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,

	`ALTER TABLE advice_runs ADD COLUMN code TEXT NOT NULL DEFAULT '';`,
}

// SQLiteStore implements Journal backed by a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY on concurrent commits.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// RecordRun inserts a finished advice run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) (int64, error) {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return 0, fmt.Errorf("encoding steps: %w", err)
	}
	if run.Steps == nil {
		steps = []byte("[]")
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	var sessionID any
	if run.SessionID != 0 {
		sessionID = run.SessionID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO advice_runs (isin, session_id, status, reason, code, steps_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ISIN, sessionID, run.Status, run.Reason, run.Code, string(steps), created.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Runs returns the most recent runs, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, isin string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, isin, session_id, status, reason, code, steps_json, created_at
		FROM advice_runs
		WHERE (? = '' OR isin = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, isin, isin, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var sessionID sql.NullInt64
		var steps string
		var created int64
		if err := rows.Scan(&r.ID, &r.ISIN, &sessionID, &r.Status, &r.Reason, &r.Code, &steps, &created); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.SessionID = sessionID.Int64
		r.CreatedAt = time.UnixMilli(created)
		if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps of run %d: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// MessageStore implementation
// ---------------------------------------------------------------------------

// AppendMessage adds a message to a session transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID int64, msg chat.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the transcript of a session in insertion order. A session
// without messages yields ErrNotFound.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = time.UnixMilli(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs, nil
}
