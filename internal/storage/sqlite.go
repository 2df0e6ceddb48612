package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend implements StorageBackend with SQLite as the data store.
// Blocks and objects are stored as BLOBs, which suits small objects in
// single-node or embedded deployments. Commit runs in one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath, applies
// PRAGMAs, and creates the required tables.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS object_data (
			object_key TEXT PRIMARY KEY,
			data       BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS staged_blocks (
			object_key TEXT NOT NULL,
			block_id   TEXT NOT NULL,
			data       BLOB NOT NULL,
			committed  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (object_key, block_id)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// StageBlock upserts the block row.
func (b *SQLiteBackend) StageBlock(ctx context.Context, key, blockID string, data io.Reader, size int64) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("reading block data: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO staged_blocks (object_key, block_id, data) VALUES (?, ?, ?)`,
		key, blockID, payload,
	)
	if err != nil {
		return fmt.Errorf("staging block %q for %q: %w", blockID, key, err)
	}
	return nil
}

// Values of staged_blocks.committed. Restaging a block resets it to
// blockStaged; blockListed only exists inside a commit transaction.
const (
	blockStaged    = 0
	blockCommitted = 1
	blockListed    = 2
)

// CommitBlockList reads the listed blocks and writes the concatenation
// inside one transaction. The listed blocks stay staged so the same list
// can be committed again. Blocks of the previous commit that the list
// drops are deleted; blocks never committed are left alone.
func (b *SQLiteBackend) CommitBlockList(ctx context.Context, key string, blockIDs []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	var assembled bytes.Buffer
	for _, id := range blockIDs {
		var data []byte
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM staged_blocks WHERE object_key = ? AND block_id = ?`,
			key, id,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("committing %q: block %q: %w", key, id, ErrBlockNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading block %q: %w", id, err)
		}
		assembled.Write(data)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (object_key, data) VALUES (?, ?)`,
		key, assembled.Bytes(),
	); err != nil {
		return fmt.Errorf("storing assembled object %q: %w", key, err)
	}

	for _, id := range blockIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE staged_blocks SET committed = ? WHERE object_key = ? AND block_id = ?`,
			blockListed, key, id,
		); err != nil {
			return fmt.Errorf("marking block %q committed: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_blocks WHERE object_key = ? AND committed = ?`, key, blockCommitted,
	); err != nil {
		return fmt.Errorf("releasing superseded blocks for %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE staged_blocks SET committed = ? WHERE object_key = ? AND committed = ?`,
		blockCommitted, key, blockListed,
	); err != nil {
		return fmt.Errorf("recording committed blocks for %q: %w", key, err)
	}
	return tx.Commit()
}

// UploadObject stores the object row.
func (b *SQLiteBackend) UploadObject(ctx context.Context, key string, r io.Reader, size int64, overwrite bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}

	query := `INSERT OR REPLACE INTO object_data (object_key, data) VALUES (?, ?)`
	if !overwrite {
		query = `INSERT OR IGNORE INTO object_data (object_key, data) VALUES (?, ?)`
	}
	res, err := b.db.ExecContext(ctx, query, key, data)
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}
	if !overwrite {
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("uploading %q: %w", key, ErrObjectExists)
		}
	}
	return nil
}

// GetObject returns the object data.
func (b *SQLiteBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM object_data WHERE object_key = ?`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("getting %q: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting object %q: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// DeleteObject removes the object row and the blocks it was committed
// from. Idempotent.
func (b *SQLiteBackend) DeleteObject(ctx context.Context, key string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_data WHERE object_key = ?`, key); err != nil {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM staged_blocks WHERE object_key = ? AND committed = ?`, key, blockCommitted,
	); err != nil {
		return fmt.Errorf("deleting committed blocks for %q: %w", key, err)
	}
	return tx.Commit()
}

// HealthCheck runs a trivial query.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}
