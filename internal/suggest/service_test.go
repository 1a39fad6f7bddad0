package suggest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Writer: io.Discard, Format: "json"})
}

func testCfg() config.SuggestConfig {
	return config.SuggestConfig{Enabled: true, MinProgress: 0.01, MaxProgress: 0.70}
}

type fakeLister struct {
	items []client.InProgressItem
}

func (f *fakeLister) InProgress(_ context.Context, min float64) ([]client.InProgressItem, error) {
	var out []client.InProgressItem
	for _, it := range f.items {
		if it.Progress > min {
			out = append(out, it)
		}
	}
	return out, nil
}

type fakeSearcher struct {
	matches []domain.SuggestionMatch
	err     error
	calls   int
}

func (f *fakeSearcher) Find(context.Context, string, string) ([]domain.SuggestionMatch, error) {
	f.calls++
	return f.matches, f.err
}

type fakeStore struct {
	mu          sync.Mutex
	mappings    map[string]*domain.Mapping
	suggestions map[string]*domain.Suggestion // keyed by source id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mappings:    make(map[string]*domain.Mapping),
		suggestions: make(map[string]*domain.Suggestion),
	}
}

func (f *fakeStore) GetMapping(_ context.Context, bookID string) (*domain.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[bookID]
	if !ok {
		return nil, errors.NotFoundf("mapping %s", bookID)
	}
	return m, nil
}

func (f *fakeStore) GetSuggestionBySource(_ context.Context, sourceID string) (*domain.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sg, ok := f.suggestions[sourceID]
	if !ok {
		return nil, errors.NotFoundf("suggestion for %s", sourceID)
	}
	return sg, nil
}

func (f *fakeStore) SaveSuggestion(_ context.Context, sg *domain.Suggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestions[sg.SourceID] = sg
	return nil
}

func (f *fakeStore) ListSuggestions(_ context.Context, d domain.SuggestionDisposition) ([]*domain.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Suggestion
	for _, sg := range f.suggestions {
		if sg.Disposition == d {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteSuggestionsBySource(_ context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.suggestions, sourceID)
	return nil
}

func listening(id string, pct float64) client.InProgressItem {
	return client.InProgressItem{ID: id, Title: "The Stand", Author: "Stephen King", Progress: pct}
}

func TestScanSuggestsUnmappedBooks(t *testing.T) {
	st := newFakeStore()
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{
		{Source: "library", Filename: "the-stand.epub", Confidence: "high"},
	}}
	svc := NewService(testCfg(), lister, st, testLogger(), searcher)

	require.NoError(t, svc.Scan(context.Background()))

	sg, err := st.GetSuggestionBySource(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "The Stand", sg.Title)
	assert.Equal(t, domain.SuggestionPending, sg.Disposition)
	assert.InDelta(t, 0.25, sg.Progress, 1e-9)
	require.Len(t, sg.Matches, 1)
	assert.Equal(t, "the-stand.epub", sg.Matches[0].Filename)
}

func TestScanSkipsMappedBooks(t *testing.T) {
	st := newFakeStore()
	st.mappings["item-1"] = &domain.Mapping{BookID: "item-1"}
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{{Source: "library", Filename: "x.epub"}}}
	svc := NewService(testCfg(), lister, st, testLogger(), searcher)

	require.NoError(t, svc.Scan(context.Background()))

	assert.Zero(t, searcher.calls)
	assert.Empty(t, st.suggestions)
}

func TestScanSkipsBeyondProgressWindow(t *testing.T) {
	st := newFakeStore()
	lister := &fakeLister{items: []client.InProgressItem{
		listening("barely", 0.005),
		listening("too-far", 0.80),
	}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{{Source: "library", Filename: "x.epub"}}}
	svc := NewService(testCfg(), lister, st, testLogger(), searcher)

	require.NoError(t, svc.Scan(context.Background()))

	assert.Empty(t, st.suggestions)
}

func TestScanDoesNotResurrectHandledSuggestions(t *testing.T) {
	st := newFakeStore()
	st.suggestions["item-1"] = &domain.Suggestion{
		ID: "sug_old", SourceID: "item-1", Disposition: domain.SuggestionDismissed,
	}
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{{Source: "library", Filename: "x.epub"}}}
	svc := NewService(testCfg(), lister, st, testLogger(), searcher)

	require.NoError(t, svc.Scan(context.Background()))

	assert.Zero(t, searcher.calls)
	assert.Equal(t, "sug_old", st.suggestions["item-1"].ID)
}

func TestScanSkipsWhenNoCandidates(t *testing.T) {
	st := newFakeStore()
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	svc := NewService(testCfg(), lister, st, testLogger(), &fakeSearcher{})

	require.NoError(t, svc.Scan(context.Background()))

	assert.Empty(t, st.suggestions)
}

func TestScanDisabled(t *testing.T) {
	st := newFakeStore()
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{{Source: "library", Filename: "x.epub"}}}
	cfg := testCfg()
	cfg.Enabled = false
	svc := NewService(cfg, lister, st, testLogger(), searcher)

	require.NoError(t, svc.Scan(context.Background()))

	assert.Zero(t, searcher.calls)
}

func TestScanPrunesStaleSuggestions(t *testing.T) {
	st := newFakeStore()
	st.suggestions["finished"] = &domain.Suggestion{
		ID: "sug_done", SourceID: "finished", Disposition: domain.SuggestionPending,
	}
	st.suggestions["dismissed"] = &domain.Suggestion{
		ID: "sug_kept", SourceID: "dismissed", Disposition: domain.SuggestionDismissed,
	}
	st.suggestions["item-1"] = &domain.Suggestion{
		ID: "sug_live", SourceID: "item-1", Disposition: domain.SuggestionPending,
	}
	lister := &fakeLister{items: []client.InProgressItem{listening("item-1", 0.25)}}
	svc := NewService(testCfg(), lister, st, testLogger(), &fakeSearcher{})

	require.NoError(t, svc.Scan(context.Background()))

	assert.NotContains(t, st.suggestions, "finished")
	assert.Contains(t, st.suggestions, "dismissed")
	assert.Contains(t, st.suggestions, "item-1")
}

func TestCheckTargetsOneItem(t *testing.T) {
	st := newFakeStore()
	lister := &fakeLister{items: []client.InProgressItem{
		listening("item-1", 0.25),
		listening("item-2", 0.30),
	}}
	searcher := &fakeSearcher{matches: []domain.SuggestionMatch{{Source: "library", Filename: "x.epub"}}}
	svc := NewService(testCfg(), lister, st, testLogger(), searcher)

	require.NoError(t, svc.Check(context.Background(), "item-2"))

	assert.Len(t, st.suggestions, 1)
	assert.Contains(t, st.suggestions, "item-2")
}

func TestResolveDropsSuggestion(t *testing.T) {
	st := newFakeStore()
	st.suggestions["item-1"] = &domain.Suggestion{ID: "sug_1", SourceID: "item-1"}
	svc := NewService(testCfg(), &fakeLister{}, st, testLogger())

	require.NoError(t, svc.Resolve(context.Background(), "item-1"))

	assert.Empty(t, st.suggestions)
}

func TestBookloreSearcherConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			w.Write([]byte(`{"accessToken":"tok"}`))
		case "/api/v1/books":
			w.Write([]byte(`[
				{"id": 7, "fileName": "the-stand-unabridged.epub", "metadata": {"title": "The Stand", "authors": ["Stephen King"]}},
				{"id": 8, "fileName": "notes on the stand.epub", "title": "Reading Notes"},
				{"id": 9, "fileName": "audio.m4b", "title": "The Stand"}
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	bl := client.NewBooklore(config.BookloreConfig{
		URL: srv.URL, Username: "u", Password: "p",
	}, nil, testLogger())
	sr := NewBookloreSearcher(bl)

	matches, err := sr.Find(context.Background(), "the stand", "Stephen King")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "high", matches[0].Confidence)
	assert.Equal(t, "7", matches[0].ExternalID)
	assert.Equal(t, "medium", matches[1].Confidence)
	assert.Equal(t, "notes on the stand.epub", matches[1].Filename)
}
