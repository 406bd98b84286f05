package ingest

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteOffsetStore keeps offsets in a sqlite table, one row per source.
type SQLiteOffsetStore struct {
	db *sql.DB
}

// NewSQLiteOffsetStore opens (creating if needed) a sqlite offset store at
// path.
func NewSQLiteOffsetStore(path string) (*SQLiteOffsetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open offset database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS source_offsets (
			source_id TEXT PRIMARY KEY,
			byte_offset INTEGER NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create offset schema: %w", err)
	}
	return &SQLiteOffsetStore{db: db}, nil
}

// Load implements OffsetStore.
func (s *SQLiteOffsetStore) Load(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, byte_offset FROM source_offsets`)
	if err != nil {
		return nil, fmt.Errorf("query offsets: %w", err)
	}
	defer rows.Close()

	offsets := make(map[string]int64)
	for rows.Next() {
		var id string
		var off int64
		if err := rows.Scan(&id, &off); err != nil {
			return nil, fmt.Errorf("scan offset row: %w", err)
		}
		offsets[id] = off
	}
	return offsets, rows.Err()
}

// Save implements OffsetStore.
func (s *SQLiteOffsetStore) Save(ctx context.Context, offsets map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin offset tx: %w", err)
	}
	defer tx.Rollback()

	for id, off := range offsets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_offsets (source_id, byte_offset, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(source_id) DO UPDATE SET
				byte_offset = excluded.byte_offset,
				updated_at = CURRENT_TIMESTAMP`,
			id, off); err != nil {
			return fmt.Errorf("upsert offset for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close implements OffsetStore.
func (s *SQLiteOffsetStore) Close() error { return s.db.Close() }
