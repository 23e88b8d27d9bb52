package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/perbu/photosearch/pkg/vecfile"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    batch_index INTEGER PRIMARY KEY,
    dim         INTEGER NOT NULL,
    row_count   INTEGER NOT NULL,
    vectors     BLOB NOT NULL,
    ids         TEXT NOT NULL
);
`

// SQLiteStore keeps every checkpoint as one row of an embedded SQLite
// database. A row is inserted in a single transaction, so a batch is either
// fully visible or absent.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at dsn and ensures the schema.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("checkpoint: sqlite path not set")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create directory for %s: %w", dsn, err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", dsn, err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Exists reports whether a row for the batch exists.
func (s *SQLiteStore) Exists(ctx context.Context, batch int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE batch_index = ?`, batch).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Write inserts or replaces the batch row in one transaction.
func (s *SQLiteStore) Write(ctx context.Context, batch int, vectors [][]float32, ids []string) error {
	if err := validate(batch, vectors, ids); err != nil {
		return err
	}
	blob, err := vecfile.EncodeMatrix(vectors)
	if err != nil {
		return err
	}
	idJSON, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints(batch_index, dim, row_count, vectors, ids) VALUES(?, ?, ?, ?, ?)`,
		batch, len(vectors[0]), len(vectors), blob, string(idJSON)); err != nil {
		return fmt.Errorf("write batch %d: %w", batch, err)
	}
	return tx.Commit()
}

// Read decodes the batch row.
func (s *SQLiteStore) Read(ctx context.Context, batch int) ([][]float32, []string, error) {
	var (
		blob   []byte
		idText string
	)
	err := s.db.QueryRowContext(ctx, `SELECT vectors, ids FROM checkpoints WHERE batch_index = ?`, batch).Scan(&blob, &idText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("batch %d: no checkpoint", batch)
	}
	if err != nil {
		return nil, nil, err
	}

	vectors, _, err := vecfile.DecodeMatrix(blob)
	if err != nil {
		return nil, nil, &CorruptCheckpointError{Batch: batch, Reason: err.Error()}
	}
	var ids []string
	if err := json.Unmarshal([]byte(idText), &ids); err != nil {
		return nil, nil, &CorruptCheckpointError{Batch: batch, Reason: err.Error()}
	}
	if len(vectors) != len(ids) {
		return nil, nil, &CorruptCheckpointError{Batch: batch, Vectors: len(vectors), IDs: len(ids)}
	}
	return vectors, ids, nil
}

// ListCompleted returns every stored batch index, ascending.
func (s *SQLiteStore) ListCompleted(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_index FROM checkpoints ORDER BY batch_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// Delete removes the batch row.
func (s *SQLiteStore) Delete(ctx context.Context, batch int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE batch_index = ?`, batch)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
