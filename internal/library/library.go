// Package library manages the local ebook collection: a full-text index
// over the epub directory, file-change watching, epub resolution for sync
// cycles, and KOReader document-hash discovery.
package library

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/ebook"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/translate"
)

// Store persists mappings created by document discovery.
type Store interface {
	CreateMapping(ctx context.Context, m *domain.Mapping) error
	FindMappingByKosyncDoc(ctx context.Context, docID string) (*domain.Mapping, error)
}

// Service is the library facade. It opens epubs for sync cycles,
// assembles translation artifacts, answers suggestion searches, and
// matches KOReader document hashes to files on disk.
type Service struct {
	cfg  config.LibraryConfig
	data config.DataConfig

	idx         *index
	cache       *ebook.Cache
	store       Store
	booklore    *client.Booklore        // may be nil
	transcripts client.TranscriptSource // may be nil
	log         *logger.Logger

	// Enqueue, when set, requests an instant sync for a mapping that
	// discovery just created.
	Enqueue func(bookID string)

	hashMu sync.Mutex
	hashes map[string]*fileDigest
}

// NewService opens the library index and returns the service. The epub
// cache is shared with whoever else parses books.
func NewService(cfg config.LibraryConfig, data config.DataConfig, cache *ebook.Cache,
	st Store, bl *client.Booklore, tr client.TranscriptSource, log *logger.Logger) (*Service, error) {
	idx, err := openIndex(data.SearchIndexPath(), log)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		data:        data,
		idx:         idx,
		cache:       cache,
		store:       st,
		booklore:    bl,
		transcripts: tr,
		log:         log,
		hashes:      make(map[string]*fileDigest),
	}, nil
}

// Close releases the index.
func (s *Service) Close() error {
	return s.idx.close()
}

// IndexedCount reports how many epubs the index knows about.
func (s *Service) IndexedCount() int {
	n, err := s.idx.count()
	if err != nil {
		return 0
	}
	return int(n)
}

// Open returns the parsed ebook for a mapping. Resolution order: the
// library directory, then the epub cache, then a fresh Booklore download
// that lands in the epub cache.
func (s *Service) Open(ctx context.Context, m *domain.Mapping) (*ebook.Book, error) {
	path, err := s.resolveEpub(ctx, m)
	if err != nil {
		return nil, err
	}
	return s.cache.Get(path)
}

func (s *Service) resolveEpub(ctx context.Context, m *domain.Mapping) (string, error) {
	if m.EbookFilename != "" {
		if s.cfg.EbookPath != "" {
			p := filepath.Join(s.cfg.EbookPath, m.EbookFilename)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		p := filepath.Join(s.data.EpubCachePath(), filepath.Base(m.EbookFilename))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if m.BookloreID != "" && s.booklore != nil && s.booklore.IsConfigured() {
		name := m.EbookFilename
		if name == "" {
			name = m.BookID + ".epub"
		}
		dest := filepath.Join(s.data.EpubCachePath(), filepath.Base(name))
		if err := os.MkdirAll(s.data.EpubCachePath(), 0o750); err != nil {
			return "", errors.Wrapf(err, errors.KindFatal, "create epub cache")
		}
		if err := s.booklore.DownloadEpub(ctx, m.BookloreID, dest); err != nil {
			return "", err
		}
		s.log.Info("downloaded epub from booklore", "book", m.BookID, "dest", filepath.Base(dest))
		return dest, nil
	}

	return "", errors.NotFoundf("no epub for %s", m.BookID)
}

// RefreshHash recomputes the KOReader content digest of a mapping's
// epub, for when the file was replaced with a different edition.
func (s *Service) RefreshHash(ctx context.Context, m *domain.Mapping) (string, error) {
	path, err := s.resolveEpub(ctx, m)
	if err != nil {
		return "", err
	}
	s.dropDigest(path)
	s.cache.Invalidate(path)
	return ebook.PartialMD5(path)
}

// RemoveArtifacts deletes the files a mapping leaves behind on disk:
// its alignment map and its transcript chunks.
func (s *Service) RemoveArtifacts(bookID string) error {
	if err := align.Delete(s.data.AlignmentPath(), bookID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.data.TranscriptPath(), bookID))
}

// TranslateContext assembles the translation artifacts a sync cycle can
// use for this book. Missing artifacts leave their field nil; the
// translator decides which conversions they still allow.
func (s *Service) TranslateContext(ctx context.Context, m *domain.Mapping) (*translate.Context, error) {
	tc := &translate.Context{Mapping: m}

	am, err := align.Load(s.data.AlignmentPath(), m.BookID)
	switch {
	case err == nil:
		tc.Map = am
	case !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}

	book, err := s.Open(ctx, m)
	switch {
	case err == nil:
		tc.Book = book
	case errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrNotConfigured):
	default:
		return nil, err
	}

	if s.transcripts != nil {
		tokens, err := s.transcripts.Tokens(ctx, m.BookID)
		switch {
		case err == nil:
			tc.Tokens = tokens
		case !errors.Is(err, errors.ErrNotFound):
			return nil, err
		}
	}

	return tc, nil
}
