package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// OffsetStore persists per-source read offsets so re-running ingestion
// against the same file does not reprocess already-seen lines. The storage
// backend is pluggable; file, sqlite and redis implementations ship here.
type OffsetStore interface {
	// Load returns the persisted sourceID -> byte offset mapping. A missing
	// store yields an empty map, not an error.
	Load(ctx context.Context) (map[string]int64, error)
	// Save persists the full mapping, replacing the previous state.
	Save(ctx context.Context, offsets map[string]int64) error
	Close() error
}

// FileOffsetStore keeps offsets in a JSON file, written atomically via a
// temp file rename.
type FileOffsetStore struct {
	path string
}

// NewFileOffsetStore creates a file-backed offset store at path.
func NewFileOffsetStore(path string) *FileOffsetStore {
	return &FileOffsetStore{path: path}
}

// Load implements OffsetStore.
func (s *FileOffsetStore) Load(ctx context.Context) (map[string]int64, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offset file: %w", err)
	}
	offsets := make(map[string]int64)
	if err := json.Unmarshal(data, &offsets); err != nil {
		return nil, fmt.Errorf("decode offset file %s: %w", s.path, err)
	}
	return offsets, nil
}

// Save implements OffsetStore.
func (s *FileOffsetStore) Save(ctx context.Context, offsets map[string]int64) error {
	data, err := json.MarshalIndent(offsets, "", "  ")
	if err != nil {
		return fmt.Errorf("encode offsets: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create offset dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write offset file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace offset file: %w", err)
	}
	return nil
}

// Close implements OffsetStore.
func (s *FileOffsetStore) Close() error { return nil }
