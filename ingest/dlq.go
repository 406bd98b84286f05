package ingest

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// DLQ captures malformed lines in a sqlite table so analysts can inspect
// what the pipeline dropped. Writing to the DLQ never blocks ingestion;
// failures are logged by the caller and the line stays skipped.
type DLQ struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// OpenDLQ opens (creating if needed) the malformed-line store at path.
func OpenDLQ(path string, logger *zap.SugaredLogger) (*DLQ, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open DLQ database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS malformed_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT NOT NULL,
			format TEXT NOT NULL,
			raw_line TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create DLQ schema: %w", err)
	}
	return &DLQ{db: db, logger: logger}, nil
}

// Add records one malformed line.
func (d *DLQ) Add(sourceID, format, raw, reason string) error {
	_, err := d.db.Exec(
		`INSERT INTO malformed_lines (source_id, format, raw_line, reason) VALUES (?, ?, ?, ?)`,
		sourceID, format, raw, reason,
	)
	if err != nil {
		return fmt.Errorf("insert malformed line: %w", err)
	}
	return nil
}

// Count returns the number of captured lines, optionally filtered by source.
func (d *DLQ) Count(sourceID string) (int64, error) {
	var n int64
	var err error
	if sourceID == "" {
		err = d.db.QueryRow(`SELECT COUNT(*) FROM malformed_lines`).Scan(&n)
	} else {
		err = d.db.QueryRow(`SELECT COUNT(*) FROM malformed_lines WHERE source_id = ?`, sourceID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count malformed lines: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (d *DLQ) Close() error { return d.db.Close() }
