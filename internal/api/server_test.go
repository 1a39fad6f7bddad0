package api

import (
	"bytes"
	"context"
	"encoding/json/v2"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/engine"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/events"
	"github.com/shelfsync/shelfsync-server/internal/library"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/store/sqlite"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Writer: io.Discard, Format: "json"})
}

// === Fakes ===

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	forced   []bool
}

func (d *fakeDispatcher) Enqueue(bookID string, force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.enqueued {
		if id == bookID {
			return false
		}
	}
	d.enqueued = append(d.enqueued, bookID)
	d.forced = append(d.forced, force)
	return true
}

type fakeClearer struct {
	result *engine.ClearResult
	err    error
	calls  []string
}

func (c *fakeClearer) ClearProgress(_ context.Context, bookID string) (*engine.ClearResult, error) {
	c.calls = append(c.calls, bookID)
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

type fakeJobQueue struct {
	err   error
	books []string
}

func (q *fakeJobQueue) Enqueue(_ context.Context, bookID string) error {
	if q.err != nil {
		return q.err
	}
	q.books = append(q.books, bookID)
	return nil
}

type fakeScanner struct {
	scans int
}

func (f *fakeScanner) Scan(context.Context) error {
	f.scans++
	return nil
}

type fakeLibrary struct {
	stats   library.ScanStats
	matches []domain.SuggestionMatch
	hash    string
	hashErr error
	indexed int
	removed []string
}

func (l *fakeLibrary) RemoveArtifacts(bookID string) error {
	l.removed = append(l.removed, bookID)
	return nil
}

func (l *fakeLibrary) Scan(context.Context) (library.ScanStats, error) { return l.stats, nil }

func (l *fakeLibrary) Find(_ context.Context, title, _ string) ([]domain.SuggestionMatch, error) {
	if title == "" {
		return nil, nil
	}
	return l.matches, nil
}

func (l *fakeLibrary) IndexedCount() int { return l.indexed }

func (l *fakeLibrary) RefreshHash(_ context.Context, _ *domain.Mapping) (string, error) {
	return l.hash, l.hashErr
}

type fakePurger struct {
	purged []string
}

func (p *fakePurger) PurgeDocument(_ context.Context, docID string) error {
	p.purged = append(p.purged, docID)
	return nil
}

// === Harness ===

type testServer struct {
	url        *httptest.Server
	store      *sqlite.Store
	dispatcher *fakeDispatcher
	clearer    *fakeClearer
	jobs       *fakeJobQueue
	scanner    *fakeScanner
	library    *fakeLibrary
	purger     *fakePurger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store:      store,
		dispatcher: &fakeDispatcher{},
		clearer:    &fakeClearer{},
		jobs:       &fakeJobQueue{},
		scanner:    &fakeScanner{},
		library:    &fakeLibrary{},
		purger:     &fakePurger{},
	}

	srv := NewServer(store, ts.dispatcher, ts.clearer, ts.jobs, ts.scanner,
		ts.library, ts.purger, events.NewManager(testLogger()), testLogger())
	ts.url = httptest.NewServer(srv)
	t.Cleanup(ts.url.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.url.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func seedMapping(t *testing.T, ts *testServer, bookID string) *domain.Mapping {
	t.Helper()
	m := &domain.Mapping{
		BookID:   bookID,
		Title:    "The Stand",
		Author:   "Stephen King",
		SyncMode: domain.SyncModeAudiobook,
		Status:   domain.StatusActive,
		Duration: 3600,
	}
	require.NoError(t, ts.store.CreateMapping(context.Background(), m))
	return m
}

// === Mappings ===

func TestCreateMapping(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings", map[string]any{
		"book_id": "book-1",
		"title":   "The Stand",
		"author":  "Stephen King",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var m domain.Mapping
	decodeBody(t, resp, &m)
	assert.Equal(t, "book-1", m.BookID)
	assert.Equal(t, domain.SyncModeAudiobook, m.SyncMode)
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.Equal(t, []string{"book-1"}, ts.jobs.books)
}

func TestCreateMappingDuplicate(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings", map[string]any{
		"book_id": "book-1",
		"title":   "The Stand",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var apiErr APIError
	decodeBody(t, resp, &apiErr)
	assert.Equal(t, string(errors.KindConflict), apiErr.Kind)
}

func TestCreateMappingRejectsEmptyTitle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings", map[string]any{
		"book_id": "book-1",
		"title":   "",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCreateMappingResolvesSuggestion(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.store.SaveSuggestion(ctx, &domain.Suggestion{
		ID:          "sg-1",
		SourceID:    "book-1",
		Title:       "The Stand",
		Disposition: domain.SuggestionPending,
	}))

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings", map[string]any{
		"book_id": "book-1",
		"title":   "The Stand",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	remaining, err := ts.store.ListSuggestions(ctx, domain.SuggestionPending)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestGetMappingNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/mappings/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr APIError
	decodeBody(t, resp, &apiErr)
	assert.Equal(t, string(errors.KindNotFound), apiErr.Kind)
}

func TestUpdateMappingPartial(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")

	resp := ts.do(t, http.MethodPatch, "/api/v1/mappings/book-1", map[string]any{
		"status": "disabled",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m domain.Mapping
	decodeBody(t, resp, &m)
	assert.Equal(t, domain.StatusDisabled, m.Status)
	assert.Equal(t, "The Stand", m.Title)
}

func TestDeleteMapping(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")

	resp := ts.do(t, http.MethodDelete, "/api/v1/mappings/book-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := ts.store.GetMapping(context.Background(), "book-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, []string{"book-1"}, ts.library.removed)
}

func TestSyncMappingQueues(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/book-1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Queued bool `json:"queued"`
	}
	decodeBody(t, resp, &out)
	assert.True(t, out.Queued)
	require.Equal(t, []string{"book-1"}, ts.dispatcher.enqueued)
	assert.True(t, ts.dispatcher.forced[0])
}

func TestSyncMappingUnknownBook(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/ghost/sync", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, ts.dispatcher.enqueued)
}

func TestSyncAllSkipsInactive(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	seedMapping(t, ts, "book-1")
	disabled := &domain.Mapping{
		BookID: "book-2", Title: "Misery",
		SyncMode: domain.SyncModeAudiobook, Status: domain.StatusDisabled,
	}
	require.NoError(t, ts.store.CreateMapping(ctx, disabled))

	resp := ts.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Queued int `json:"queued"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, 1, out.Queued)
	assert.Equal(t, []string{"book-1"}, ts.dispatcher.enqueued)
}

func TestClearProgressDelegates(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")
	ts.clearer.result = &engine.ClearResult{
		BookID: "book-1",
		Title:  "The Stand",
		Resets: map[domain.ClientName]bool{domain.ClientABS: true},
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/book-1/clear-progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"book-1"}, ts.clearer.calls)

	var res engine.ClearResult
	decodeBody(t, resp, &res)
	assert.Equal(t, "book-1", res.BookID)
	assert.True(t, res.Resets[domain.ClientABS])
}

func TestRefreshHashUpdatesMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	m := seedMapping(t, ts, "book-1")
	m.KosyncDocID = "oldhash"
	require.NoError(t, ts.store.UpdateMapping(ctx, m))
	ts.library.hash = "newhash"

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/book-1/refresh-hash", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		KosyncDocID string `json:"kosync_doc_id"`
		Changed     bool   `json:"changed"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "newhash", out.KosyncDocID)
	assert.True(t, out.Changed)
	assert.Equal(t, []string{"oldhash"}, ts.purger.purged)

	got, err := ts.store.GetMapping(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, "newhash", got.KosyncDocID)
}

func TestRefreshHashUnchanged(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	m := seedMapping(t, ts, "book-1")
	m.KosyncDocID = "samehash"
	require.NoError(t, ts.store.UpdateMapping(ctx, m))
	ts.library.hash = "samehash"

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/book-1/refresh-hash", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Changed bool `json:"changed"`
	}
	decodeBody(t, resp, &out)
	assert.False(t, out.Changed)
	assert.Empty(t, ts.purger.purged)
}

func TestListMappingStates(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	seedMapping(t, ts, "book-1")
	require.NoError(t, ts.store.UpsertState(ctx, &domain.ClientState{
		BookID: "book-1",
		Client: domain.ClientABS,
	}))

	resp := ts.do(t, http.MethodGet, "/api/v1/mappings/book-1/states", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		States []*domain.ClientState `json:"states"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.States, 1)
	assert.Equal(t, domain.ClientABS, out.States[0].Client)
}

// === Suggestions ===

func TestSuggestionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.SaveSuggestion(ctx, &domain.Suggestion{
		ID:          "sg-1",
		SourceID:    "book-1",
		Title:       "The Stand",
		Disposition: domain.SuggestionPending,
	}))

	resp := ts.do(t, http.MethodGet, "/api/v1/suggestions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Suggestions []*domain.Suggestion `json:"suggestions"`
	}
	decodeBody(t, resp, &list)
	require.Len(t, list.Suggestions, 1)

	resp = ts.do(t, http.MethodPost, "/api/v1/suggestions/sg-1/dismiss", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sg domain.Suggestion
	decodeBody(t, resp, &sg)
	assert.Equal(t, domain.SuggestionDismissed, sg.Disposition)

	resp = ts.do(t, http.MethodPost, "/api/v1/suggestions/sg-1/ignore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &sg)
	assert.Equal(t, domain.SuggestionIgnored, sg.Disposition)

	resp = ts.do(t, http.MethodGet, "/api/v1/suggestions?disposition=ignored", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &list)
	assert.Len(t, list.Suggestions, 1)
}

func TestScanSuggestions(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/suggestions/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ts.scanner.scans)
}

// === Jobs ===

func TestEnqueueJob(t *testing.T) {
	ts := newTestServer(t)
	seedMapping(t, ts, "book-1")

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/book-1/transcribe", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"book-1"}, ts.jobs.books)
}

func TestEnqueueJobUnknownBook(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/mappings/ghost/transcribe", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, ts.jobs.books)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateJob(ctx, &domain.TranscriptionJob{
		ID:     "job-1",
		BookID: "book-1",
		State:  domain.JobQueued,
	}))

	resp := ts.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs []*domain.TranscriptionJob `json:"jobs"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "job-1", out.Jobs[0].ID)
}

// === Library ===

func TestScanLibrary(t *testing.T) {
	ts := newTestServer(t)
	ts.library.stats = library.ScanStats{Indexed: 7}

	resp := ts.do(t, http.MethodPost, "/api/v1/library/scan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats library.ScanStats
	decodeBody(t, resp, &stats)
	assert.Equal(t, 7, stats.Indexed)
}

func TestSearchLibrary(t *testing.T) {
	ts := newTestServer(t)
	ts.library.matches = []domain.SuggestionMatch{
		{Source: "library", Title: "The Stand", Filename: "the-stand.epub", Confidence: "high"},
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/library/search?title=stand", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Matches []domain.SuggestionMatch `json:"matches"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "the-stand.epub", out.Matches[0].Filename)
}

// === Status ===

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "ok", out.Status)
}

func TestStatusCounts(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	seedMapping(t, ts, "book-1")
	require.NoError(t, ts.store.CreateMapping(ctx, &domain.Mapping{
		BookID: "book-2", Title: "Misery",
		SyncMode: domain.SyncModeAudiobook, Status: domain.StatusDisabled,
	}))
	require.NoError(t, ts.store.SaveSuggestion(ctx, &domain.Suggestion{
		ID: "sg-1", SourceID: "book-3", Title: "It",
		Disposition: domain.SuggestionPending,
	}))
	require.NoError(t, ts.store.CreateJob(ctx, &domain.TranscriptionJob{
		ID: "job-1", BookID: "book-1", State: domain.JobQueued,
	}))
	ts.library.indexed = 12

	resp := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out BridgeStatus
	decodeBody(t, resp, &out)
	assert.Equal(t, 1, out.Mappings[string(domain.StatusActive)])
	assert.Equal(t, 1, out.Mappings[string(domain.StatusDisabled)])
	assert.Equal(t, 1, out.PendingSuggestions)
	assert.Equal(t, 1, out.Jobs[string(domain.JobQueued)])
	assert.Equal(t, 12, out.IndexedEbooks)
	assert.Equal(t, 0, out.EventClients)
	assert.NotEmpty(t, out.InstanceID)
}

// === Optional dependencies ===

func TestOptionalDependenciesNotConfigured(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := NewServer(store, &fakeDispatcher{}, &fakeClearer{}, nil, nil,
		&fakeLibrary{}, nil, events.NewManager(testLogger()), testLogger())
	url := httptest.NewServer(srv)
	t.Cleanup(url.Close)

	m := &domain.Mapping{
		BookID: "book-1", Title: "The Stand",
		SyncMode: domain.SyncModeAudiobook, Status: domain.StatusActive,
	}
	require.NoError(t, store.CreateMapping(context.Background(), m))

	resp, err := http.Post(url.URL+"/api/v1/mappings/book-1/transcribe", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp, err = http.Post(url.URL+"/api/v1/suggestions/scan", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

// === Events ===

func TestEventStreamContentType(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.url.URL+"/api/v1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
