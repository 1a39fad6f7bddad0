package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/ebook"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// fileDigest caches a file's KOReader hashes. Stat fields detect a file
// that changed since the digest was computed.
type fileDigest struct {
	size     int64
	modTime  time.Time
	partial  string
	filename string
}

func (s *Service) digestFor(path string) (*fileDigest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	s.hashMu.Lock()
	cached, ok := s.hashes[path]
	s.hashMu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached, nil
	}

	partial, err := ebook.PartialMD5(path)
	if err != nil {
		return nil, err
	}
	d := &fileDigest{
		size:     info.Size(),
		modTime:  info.ModTime(),
		partial:  partial,
		filename: ebook.FilenameMD5(path),
	}
	s.hashMu.Lock()
	s.hashes[path] = d
	s.hashMu.Unlock()
	return d, nil
}

func (s *Service) dropDigest(path string) {
	s.hashMu.Lock()
	delete(s.hashes, path)
	s.hashMu.Unlock()
}

// Discover matches an unknown KOReader document hash against the epubs
// on disk. A hit creates an ebook-only mapping so the reader's progress
// starts syncing without any manual setup.
func (s *Service) Discover(ctx context.Context, docHash string) (*domain.Mapping, error) {
	if len(docHash) < 32 {
		return nil, errors.InvalidDataf("document hash %q is too short", docHash)
	}

	if m, err := s.store.FindMappingByKosyncDoc(ctx, docHash); err == nil {
		return m, nil
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	path, err := s.findByHash(ctx, docHash)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.NotFoundf("no epub matches document %s", docHash)
	}

	rel := filepath.Base(path)
	if s.cfg.EbookPath != "" {
		if r, relErr := filepath.Rel(s.cfg.EbookPath, path); relErr == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}

	title, author, err := ebook.Metadata(path)
	if err != nil || title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	m := &domain.Mapping{
		BookID:        "ebook-" + docHash[:16],
		Title:         title,
		Author:        author,
		SyncMode:      domain.SyncModeEbookOnly,
		Status:        domain.StatusActive,
		EbookFilename: rel,
		KosyncDocID:   docHash,
	}
	if err := s.store.CreateMapping(ctx, m); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return m, nil
		}
		return nil, err
	}
	s.log.Info("discovered ebook for koreader document",
		"book", m.BookID, "file", rel, "title", title)

	if s.Enqueue != nil {
		s.Enqueue(m.BookID)
	}
	return m, nil
}

// findByHash walks the library and the epub cache comparing KOReader
// digests. Both the content digest and the filename digest count, since
// readers can be configured for either.
func (s *Service) findByHash(ctx context.Context, docHash string) (string, error) {
	roots := []string{s.cfg.EbookPath, s.data.EpubCachePath()}
	for _, root := range roots {
		if root == "" {
			continue
		}
		var found string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !isEpub(path) {
				return nil
			}
			digest, err := s.digestFor(path)
			if err != nil {
				s.log.Warn("hash epub", "file", filepath.Base(path), "error", err)
				return nil
			}
			if digest.partial == docHash || digest.filename == docHash {
				found = path
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}
