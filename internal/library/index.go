package library

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// mappingVersion is bumped whenever the index mapping changes so stale
// indexes rebuild on startup instead of serving half-schema results.
const mappingVersion = "1"

// indexEntry is one epub in the library index, keyed by its path
// relative to the library root.
type indexEntry struct {
	Filename string
	Title    string
	Author   string
}

func (e *indexEntry) toMap() map[string]any {
	m := map[string]any{"filename": e.Filename}
	if e.Title != "" {
		m["title"] = e.Title
	}
	if e.Author != "" {
		m["author"] = e.Author
	}
	return m
}

// index wraps the bleve index over the ebook library. The mutex guards
// against searches racing a rebuild.
type index struct {
	idx  bleve.Index
	path string
	log  *logger.Logger
	mu   sync.RWMutex
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = en.AnalyzerName

	doc := bleve.NewDocumentMapping()

	filenameField := bleve.NewTextFieldMapping()
	filenameField.Analyzer = keyword.Name
	filenameField.Store = true
	doc.AddFieldMappingsAt("filename", filenameField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = en.AnalyzerName
	titleField.Store = true
	doc.AddFieldMappingsAt("title", titleField)

	authorField := bleve.NewTextFieldMapping()
	authorField.Analyzer = en.AnalyzerName
	authorField.Store = true
	doc.AddFieldMappingsAt("author", authorField)

	im.AddDocumentMapping("_default", doc)
	return im
}

// openIndex opens the library index at path, recreating it when the
// stored mapping version no longer matches or the index is corrupt.
func openIndex(path string, log *logger.Logger) (*index, error) {
	versionPath := path + ".version"

	var idx bleve.Index
	var err error
	rebuild := false

	if _, statErr := os.Stat(path); statErr == nil {
		version, readErr := os.ReadFile(versionPath)
		if readErr != nil || string(version) != mappingVersion {
			log.Info("library index mapping changed, rebuilding",
				"old", strings.TrimSpace(string(version)), "new", mappingVersion)
			rebuild = true
		} else {
			idx, err = bleve.Open(path)
			if err != nil {
				log.Warn("library index unreadable, recreating", "path", path, "error", err)
				rebuild = true
			}
		}
	}

	if rebuild {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove old library index: %w", err)
		}
		idx = nil
	}

	if idx == nil {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create library index: %w", err)
		}
		if err := os.WriteFile(versionPath, []byte(mappingVersion), 0o644); err != nil {
			log.Warn("write library index version file", "error", err)
		}
	}

	return &index{idx: idx, path: path, log: log}, nil
}

func (x *index) close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}

func (x *index) put(e *indexEntry) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.idx.Index(e.Filename, e.toMap())
}

func (x *index) putBatch(entries []*indexEntry) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	const batchSize = 500
	for i := 0; i < len(entries); i += batchSize {
		end := min(i+batchSize, len(entries))
		batch := x.idx.NewBatch()
		for _, e := range entries[i:end] {
			if err := batch.Index(e.Filename, e.toMap()); err != nil {
				return fmt.Errorf("batch index %s: %w", e.Filename, err)
			}
		}
		if err := x.idx.Batch(batch); err != nil {
			return fmt.Errorf("commit index batch: %w", err)
		}
	}
	return nil
}

func (x *index) remove(filenames []string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	batch := x.idx.NewBatch()
	for _, f := range filenames {
		batch.Delete(f)
	}
	return x.idx.Batch(batch)
}

func (x *index) count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.idx.DocCount()
}

// filenames lists every indexed epub, for stale-entry cleanup after a
// rescan.
func (x *index) filenames() ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	n, err := x.idx.DocCount()
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(n), 0, false)
	res, err := x.idx.Search(req)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		names = append(names, hit.ID)
	}
	return names, nil
}

// hit is one library search result.
type hit struct {
	Filename string
	Title    string
	Author   string
	Score    float64
}

// search finds library epubs matching a title, optionally narrowed by
// author.
func (x *index) search(ctx context.Context, title, author string, limit int) ([]hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	titleMatch := bleve.NewMatchQuery(title)
	titleMatch.SetField("title")
	titleMatch.SetBoost(3.0)

	fuzzy := bleve.NewFuzzyQuery(title)
	fuzzy.SetField("title")
	fuzzy.SetFuzziness(1)

	q := bleve.NewDisjunctionQuery(titleMatch, fuzzy)
	if author != "" {
		authorMatch := bleve.NewMatchQuery(author)
		authorMatch.SetField("author")
		q.AddQuery(authorMatch)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"filename", "title", "author"}

	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search library index: %w", err)
	}

	hits := make([]hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		out := hit{Filename: h.ID, Score: h.Score}
		if t, ok := h.Fields["title"].(string); ok {
			out.Title = t
		}
		if a, ok := h.Fields["author"].(string); ok {
			out.Author = a
		}
		hits = append(hits, out)
	}
	return hits, nil
}
