package transcribe

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// transcriptCacheSize bounds in-memory transcripts. A full book is a few
// hundred thousand tokens; only actively syncing books need to be hot.
const transcriptCacheSize = 3

func chunkPath(dir, bookID string, n int) string {
	return filepath.Join(dir, bookID, fmt.Sprintf("chunk-%03d.json", n))
}

// writeChunk persists one chunk's tokens. Write-then-rename so a crash
// mid-write never leaves a half chunk that a resumed job would skip.
func writeChunk(dir, bookID string, n int, tokens []align.Token) error {
	path := chunkPath(dir, bookID, n)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func chunkExists(dir, bookID string, n int) bool {
	_, err := os.Stat(chunkPath(dir, bookID, n))
	return err == nil
}

// readChunks loads every persisted chunk of a book in order.
func readChunks(dir, bookID string) ([]align.Token, error) {
	paths, err := filepath.Glob(filepath.Join(dir, bookID, "chunk-*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.NotFoundf("no transcript for %s", bookID)
	}
	sort.Strings(paths)

	var tokens []align.Token
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var part []align.Token
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, errors.Wrapf(err, errors.KindInvalidData, "corrupt transcript chunk %s", filepath.Base(p))
		}
		tokens = append(tokens, part...)
	}
	return tokens, nil
}

// Source serves persisted transcripts to the translation layer.
type Source struct {
	dir   string
	cache *lru.Cache[string, []align.Token]
}

// NewSource creates a transcript source over the transcripts directory.
func NewSource(dir string) *Source {
	cache, _ := lru.New[string, []align.Token](transcriptCacheSize)
	return &Source{dir: dir, cache: cache}
}

// Tokens returns the full transcript of a book, cached.
func (s *Source) Tokens(ctx context.Context, bookID string) ([]align.Token, error) {
	if tokens, ok := s.cache.Get(bookID); ok {
		return tokens, nil
	}
	tokens, err := readChunks(s.dir, bookID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(bookID, tokens)
	return tokens, nil
}

// Invalidate drops a book's cached transcript.
func (s *Source) Invalidate(bookID string) {
	s.cache.Remove(bookID)
}

// Purge removes a book's transcript chunks from disk and memory.
func (s *Source) Purge(bookID string) error {
	s.cache.Remove(bookID)
	return os.RemoveAll(filepath.Join(s.dir, bookID))
}
