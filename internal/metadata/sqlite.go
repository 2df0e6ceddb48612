package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements SessionStore on SQLite. It provides durable,
// ACID-compliant session storage suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS upload_sessions (
			upload_id     TEXT PRIMARY KEY,
			object_key    TEXT NOT NULL,
			metadata      TEXT NOT NULL DEFAULT '{}',
			length        INTEGER NOT NULL,
			upload_offset INTEGER NOT NULL DEFAULT 0,
			state         TEXT NOT NULL,
			failure       TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON upload_sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON upload_sessions(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)",
		time.Now().UTC().Format(timeFormat),
	)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// formatTime renders the zero time as "" so it never sorts as expired.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions
			(upload_id, object_key, metadata, length, upload_offset, state, failure, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UploadID, rec.ObjectKey, string(meta), rec.Length, rec.Offset, string(rec.State), rec.Failure,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const sessionColumns = `upload_id, object_key, metadata, length, upload_offset, state, failure, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec                             SessionRecord
		meta, state                     string
		createdAt, updatedAt, expiresAt string
	)
	if err := row.Scan(&rec.UploadID, &rec.ObjectKey, &meta, &rec.Length, &rec.Offset,
		&state, &rec.Failure, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata of %s: %w", rec.UploadID, err)
		}
	}
	rec.State = SessionState(state)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return &rec, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM upload_sessions WHERE upload_id = ?", uploadID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE upload_sessions
		SET object_key = ?, metadata = ?, length = ?, upload_offset = ?, state = ?,
			failure = ?, updated_at = ?, expires_at = ?
		WHERE upload_id = ? AND upload_offset = ?`,
		rec.ObjectKey, string(meta), rec.Length, rec.Offset, string(rec.State),
		rec.Failure, formatTime(rec.UpdatedAt), formatTime(rec.ExpiresAt),
		rec.UploadID, expectedOffset,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM upload_sessions WHERE upload_id = ?", rec.UploadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return fmt.Errorf("updating session %s: expected offset %d: %w", rec.UploadID, expectedOffset, ErrOffsetMismatch)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, uploadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM upload_sessions WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	query := "SELECT " + sessionColumns + " FROM upload_sessions WHERE 1 = 1"
	var args []any
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	if !opts.ExpiredBefore.IsZero() {
		query += " AND expires_at <> '' AND expires_at <= ?"
		args = append(args, formatTime(opts.ExpiredBefore))
	}
	query += " ORDER BY created_at, upload_id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

var _ SessionStore = (*SQLiteStore)(nil)
