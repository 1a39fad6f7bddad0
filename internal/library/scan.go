package library

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/ebook"
)

// ScanStats summarizes one library scan.
type ScanStats struct {
	Indexed int           `json:"indexed"`
	Removed int           `json:"removed"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"-"`
}

// Scan walks the library directory and rebuilds the index to match what
// is on disk. Files that fail to parse are skipped, not fatal.
func (s *Service) Scan(ctx context.Context) (ScanStats, error) {
	start := time.Now()
	var stats ScanStats

	if s.cfg.EbookPath == "" {
		return stats, nil
	}

	seen := make(map[string]bool)
	var entries []*indexEntry

	err := filepath.WalkDir(s.cfg.EbookPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isEpub(path) {
			return nil
		}

		rel, err := filepath.Rel(s.cfg.EbookPath, path)
		if err != nil {
			return err
		}
		title, author, err := ebook.Metadata(path)
		if err != nil {
			s.log.Warn("skipping unreadable epub", "file", rel, "error", err)
			stats.Failed++
			return nil
		}
		seen[rel] = true
		entries = append(entries, &indexEntry{Filename: rel, Title: title, Author: author})
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := s.idx.putBatch(entries); err != nil {
		return stats, err
	}
	stats.Indexed = len(entries)

	indexed, err := s.idx.filenames()
	if err != nil {
		return stats, err
	}
	var stale []string
	for _, name := range indexed {
		if !seen[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		if err := s.idx.remove(stale); err != nil {
			return stats, err
		}
		for _, name := range stale {
			full := filepath.Join(s.cfg.EbookPath, name)
			s.cache.Invalidate(full)
			s.dropDigest(full)
		}
		stats.Removed = len(stale)
	}

	stats.Took = time.Since(start)
	s.log.Info("library scan finished",
		"indexed", stats.Indexed, "removed", stats.Removed,
		"failed", stats.Failed, "took", stats.Took)
	return stats, nil
}

func isEpub(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".epub")
}
