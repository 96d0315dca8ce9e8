package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"rsagent/internal/domain"
)

// DefaultExtensions are the file types ingested from disk.
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".rst"}

// OriginForPath returns the origin URI used for a file on disk.
func OriginForPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// ReadFile loads a text file as an ingest request.
func ReadFile(path string) (IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IngestRequest{}, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return IngestRequest{}, fmt.Errorf("read %s: not UTF-8 text: %w", path, domain.ErrInvalidInput)
	}
	return IngestRequest{OriginURI: OriginForPath(path), Text: string(data)}, nil
}

// IngestDir ingests every file under dir with one of the given extensions.
// Files that fail are logged and skipped; the count of ingested documents is
// returned.
func (s *Store) IngestDir(ctx context.Context, dir string, extensions []string) (int, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !hasExtension(path, extensions) {
			return nil
		}
		req, err := ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping file", "path", path, "error", err)
			return nil
		}
		if _, err := s.Ingest(ctx, req); err != nil {
			s.logger.Warn("ingest failed", "path", path, "error", err)
			return nil
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("walk %s: %w", dir, err)
	}
	return n, nil
}

func hasExtension(path string, extensions []string) bool {
	return slices.Contains(extensions, strings.ToLower(filepath.Ext(path)))
}
