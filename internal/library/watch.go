package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shelfsync/shelfsync-server/internal/ebook"
)

// settleDelay coalesces the event bursts a single file copy produces
// before the index is touched.
const settleDelay = 500 * time.Millisecond

// Watch follows the library directory until ctx is cancelled, keeping
// the index and caches in step with file changes.
func (s *Service) Watch(ctx context.Context) error {
	if s.cfg.EbookPath == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// fsnotify watches a directory, not its subtree.
	err = filepath.WalkDir(s.cfg.EbookPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("watching ebook library", "path", s.cfg.EbookPath)

	pending := make(map[string]fsnotify.Op)
	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						s.log.Warn("watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !isEpub(ev.Name) {
				continue
			}
			pending[ev.Name] |= ev.Op
			settle.Reset(settleDelay)

		case <-settle.C:
			s.applyChanges(pending)
			pending = make(map[string]fsnotify.Op)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("library watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) applyChanges(pending map[string]fsnotify.Op) {
	for path, op := range pending {
		rel, err := filepath.Rel(s.cfg.EbookPath, path)
		if err != nil {
			continue
		}
		s.cache.Invalidate(path)
		s.dropDigest(path)

		// A rename delivers the old name with the Rename bit; the new
		// name arrives as its own Create.
		gone := op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
		if !gone {
			if _, statErr := os.Stat(path); statErr != nil {
				gone = true
			}
		}
		if gone {
			if err := s.idx.remove([]string{rel}); err != nil {
				s.log.Warn("drop index entry", "file", rel, "error", err)
			} else {
				s.log.Info("ebook removed from library", "file", rel)
			}
			continue
		}

		title, author, err := ebook.Metadata(path)
		if err != nil {
			s.log.Warn("changed epub is unreadable", "file", rel, "error", err)
			continue
		}
		if err := s.idx.put(&indexEntry{Filename: rel, Title: title, Author: author}); err != nil {
			s.log.Warn("index changed epub", "file", rel, "error", err)
			continue
		}
		s.log.Info("ebook indexed", "file", rel, "title", title)
	}
}
