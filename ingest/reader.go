package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Line is one raw line read from a source, with enough metadata to resume.
type Line struct {
	SourceID string
	Format   string
	Text     string
	Number   int64
	// Offset is the byte offset immediately after this line, 0 for
	// non-resumable sources.
	Offset int64
}

// Source reads raw lines and hands them to an emit callback. Run blocks
// until the source is exhausted or ctx is cancelled; emit blocking is the
// backpressure mechanism, so a slow consumer pauses reads instead of
// dropping lines.
type Source interface {
	ID() string
	Format() string
	Run(ctx context.Context, emit func(Line) error) error
	// Resumable reports whether the source supports offset checkpoints.
	Resumable() bool
}

// defaultPollInterval is how often a following FileSource re-checks for new
// data at EOF.
const defaultPollInterval = 500 * time.Millisecond

// FileSource reads lines from a single file, optionally following it for
// appended data like tail -f.
type FileSource struct {
	id           string
	path         string
	format       string
	follow       bool
	start        int64
	pollInterval time.Duration
}

// NewFileSource creates a file source.
func NewFileSource(id, path, format string, follow bool) *FileSource {
	return &FileSource{
		id:           id,
		path:         path,
		format:       format,
		follow:       follow,
		pollInterval: defaultPollInterval,
	}
}

// ID implements Source.
func (s *FileSource) ID() string { return s.id }

// Format implements Source.
func (s *FileSource) Format() string { return s.format }

// Resumable implements Source.
func (s *FileSource) Resumable() bool { return true }

// SetStartOffset sets the byte offset to resume reading from.
func (s *FileSource) SetStartOffset(off int64) { s.start = off }

// Run implements Source. Lines are emitted once a terminating newline is
// seen; a trailing partial line is flushed at EOF (non-follow) or on
// cancellation (follow), never silently dropped.
func (s *FileSource) Run(ctx context.Context, emit func(Line) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open source %s: %w", s.id, err)
	}
	defer f.Close()

	offset := s.start
	if info, err := f.Stat(); err == nil && offset > info.Size() {
		// File was truncated since the last checkpoint; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek source %s to %d: %w", s.id, offset, err)
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	var number int64

	flush := func() error {
		if partial.Len() == 0 {
			return nil
		}
		buffered := partial.String()
		partial.Reset()
		offset += int64(len(buffered))
		text := strings.TrimRight(buffered, "\r\n")
		if text == "" {
			return nil
		}
		number++
		return emit(Line{
			SourceID: s.id,
			Format:   s.format,
			Text:     text,
			Number:   number,
			Offset:   offset,
		})
	}

	for {
		select {
		case <-ctx.Done():
			// Flush the buffered partial line before closing.
			if err := flush(); err != nil {
				return err
			}
			return nil
		default:
		}

		chunk, err := reader.ReadString('\n')
		if chunk != "" {
			partial.WriteString(chunk)
			if strings.HasSuffix(chunk, "\n") {
				if emitErr := flush(); emitErr != nil {
					return emitErr
				}
			}
		}

		if err == io.EOF {
			if !s.follow {
				return flush()
			}
			select {
			case <-ctx.Done():
				return flush()
			case <-time.After(s.pollInterval):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read source %s: %w", s.id, err)
		}
	}
}

// NewDirectorySources expands a directory into one FileSource per *.log
// file found recursively under root. Source IDs are the base ID plus the
// relative file path, so each file checkpoints independently.
func NewDirectorySources(baseID, root, format string, follow bool) ([]*FileSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s: %s is not a directory", baseID, root)
	}

	var sources []*FileSource
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".log") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = d.Name()
		}
		id := baseID + ":" + filepath.ToSlash(rel)
		sources = append(sources, NewFileSource(id, path, format, follow))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source directory %s: %w", root, err)
	}
	return sources, nil
}
