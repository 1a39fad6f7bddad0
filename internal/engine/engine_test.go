package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/store"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
	"github.com/shelfsync/shelfsync-server/internal/translate"
)

type stateKey struct {
	book   string
	client domain.ClientName
}

type fakeStore struct {
	mu       sync.Mutex
	mappings map[string]*domain.Mapping
	states   map[stateKey]*domain.ClientState
}

func newFakeStore(ms ...*domain.Mapping) *fakeStore {
	fs := &fakeStore{
		mappings: make(map[string]*domain.Mapping),
		states:   make(map[stateKey]*domain.ClientState),
	}
	for _, m := range ms {
		fs.mappings[m.BookID] = m
	}
	return fs
}

func (f *fakeStore) GetMapping(_ context.Context, bookID string) (*domain.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[bookID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) UpdateMapping(_ context.Context, m *domain.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappings[m.BookID] = m
	return nil
}

func (f *fakeStore) ListMappingsByStatus(_ context.Context, status domain.MappingStatus) ([]*domain.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Mapping
	for _, m := range f.mappings {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) ListStates(_ context.Context, bookID string) ([]*domain.ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ClientState
	for k, s := range f.states {
		if k.book == bookID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertState(_ context.Context, cs *domain.ClientState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[stateKey{cs.BookID, cs.Client}] = cs
	return nil
}

func (f *fakeStore) ResetStates(_ context.Context, bookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.states {
		if k.book == bookID {
			delete(f.states, k)
		}
	}
	return nil
}

func (f *fakeStore) seed(cs *domain.ClientState) {
	f.states[stateKey{cs.BookID, cs.Client}] = cs
}

type fakeClient struct {
	name     domain.ClientName
	canLead  bool
	state    *domain.ClientState
	fetchErr error
	updErr   error

	mu      sync.Mutex
	updates []*client.UpdateRequest
}

func (f *fakeClient) Name() domain.ClientName { return f.name }
func (f *fakeClient) IsConfigured() bool      { return true }
func (f *fakeClient) CanLead() bool           { return f.canLead }

func (f *fakeClient) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

func (f *fakeClient) CheckConnection(context.Context) error { return nil }

func (f *fakeClient) FetchBulk(context.Context) (client.Bulk, error) { return nil, nil }

func (f *fakeClient) FetchState(_ context.Context, _ *domain.Mapping, _ *domain.ClientState, _ client.Bulk) (*domain.ClientState, error) {
	return f.state, f.fetchErr
}

func (f *fakeClient) Update(_ context.Context, _ *domain.Mapping, req *client.UpdateRequest) (*client.UpdateResult, error) {
	if f.updErr != nil {
		return nil, f.updErr
	}
	f.mu.Lock()
	f.updates = append(f.updates, req)
	f.mu.Unlock()
	pct := 0.0
	if req.Locator.Text != nil {
		pct = req.Locator.Text.Percentage
	} else if req.Locator.Audio != nil && req.Locator.Audio.Duration > 0 {
		pct = req.Locator.Audio.Timestamp / req.Locator.Audio.Duration
	}
	return &client.UpdateResult{Pct: pct, Locator: req.Locator}, nil
}

func (f *fakeClient) TextAt(context.Context, *domain.Mapping, *domain.ClientState) (string, error) {
	return "", nil
}

type fakeArtifacts struct{}

func (fakeArtifacts) TranslateContext(_ context.Context, m *domain.Mapping) (*translate.Context, error) {
	return &translate.Context{Mapping: m}, nil
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		SuppressTTL:     time.Minute,
		CycleTimeout:    10 * time.Second,
		MinDeltaPct:     0.0005,
		MinDeltaSeconds: 30,
		MinDeltaChars:   2000,
		BetweenClients:  0.005,
		RegressionPct:   0.005,
		MaxFailures:     3,
		Workers:         2,
	}
}

func textState(bookID string, name domain.ClientName, pct, updated float64) *domain.ClientState {
	return &domain.ClientState{
		BookID:      bookID,
		Client:      name,
		LastUpdated: updated,
		Locator:     domain.NewTextLocator(pct),
	}
}

func activeMapping() *domain.Mapping {
	return &domain.Mapping{
		BookID:   "book-1",
		Title:    "Test Book",
		SyncMode: domain.SyncModeEbookOnly,
		Status:   domain.StatusActive,
		Duration: 3600,
	}
}

func newTestEngine(fs *fakeStore, tr *suppress.Tracker, clients ...client.Client) *Engine {
	log := logger.New(logger.Config{Writer: io.Discard, Format: "json"})
	reg := client.NewRegistry(clients...)
	return New(fs, reg, fakeArtifacts{}, tr, testConfig(), log)
}

func TestSyncCyclePropagatesLeader(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientKoSync, 0.2, 100))
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.2, 100))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.5, 200)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.2, 100)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))

	require.Len(t, st.updates, 1)
	assert.InDelta(t, 0.5, st.updates[0].Locator.Text.Percentage, 0.0001)
	assert.Empty(t, ko.updates, "leader is never written to")

	saved := fs.states[stateKey{"book-1", domain.ClientStoryteller}]
	require.NotNil(t, saved)
	assert.InDelta(t, 0.5, saved.Locator.Text.Percentage, 0.0001)
}

func TestSyncCycleSkipsWhenNothingMoved(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientKoSync, 0.3, 100))
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.3, 100))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.3, 100)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.3, 100)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	assert.Empty(t, ko.updates)
	assert.Empty(t, st.updates)
}

func TestSyncCycleAntiRegression(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientKoSync, 0.9, 100))
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.9, 100))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.0, 200)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.9, 100)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	assert.Empty(t, st.updates, "a rewound leader must not drag followers back")

	require.NoError(t, e.SyncCycle(context.Background(), "book-1", true))
	require.Len(t, st.updates, 1, "force bypasses the regression guard")
	assert.InDelta(t, 0.0, st.updates[0].Locator.Text.Percentage, 0.0001)
}

func TestSyncCycleSameDeviceMayRegress(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	prev := textState("book-1", domain.ClientKoSync, 0.9, 100)
	prev.DeviceID = "kobo"
	fs.seed(prev)
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.9, 50))

	rewound := textState("book-1", domain.ClientKoSync, 0.4, 200)
	rewound.DeviceID = "kobo"
	ko := &fakeClient{name: domain.ClientKoSync, canLead: true, state: rewound}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.9, 50)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	require.Len(t, st.updates, 1, "the previous leader device may move backward")
	assert.InDelta(t, 0.4, st.updates[0].Locator.Text.Percentage, 0.0001)
}

func TestSyncCycleSuppressesOwnEcho(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.2, 100))

	tr := suppress.NewTracker(time.Minute)
	tr.MarkWrite("book-1", domain.ClientKoSync)

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.5, 200)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.2, 100)}

	e := newTestEngine(fs, tr, ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	assert.Empty(t, st.updates, "an echoed write must not re-trigger propagation")
}

func TestSyncCycleParksAfterRepeatedFailures(t *testing.T) {
	m := activeMapping()
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.1, 50))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		updErr: errors.Transient("server down")}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	for i := 1; i <= 3; i++ {
		ko.state = textState("book-1", domain.ClientKoSync, 0.2+float64(i)*0.1, float64(100*i))
		err := e.SyncCycle(context.Background(), "book-1", false)
		require.Error(t, err)
	}
	assert.Equal(t, domain.StatusFailedRetry, fs.mappings["book-1"].Status)
	assert.Equal(t, 3, fs.mappings["book-1"].FailureCount)
}

func TestSyncCycleResetsFailureCountOnSuccess(t *testing.T) {
	m := activeMapping()
	m.FailureCount = 2
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.2, 100))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.5, 200)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("book-1", domain.ClientStoryteller, 0.2, 100)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	assert.Equal(t, 0, fs.mappings["book-1"].FailureCount)
}

func TestSyncCycleIgnoresInactiveMapping(t *testing.T) {
	m := activeMapping()
	m.Status = domain.StatusPending
	fs := newFakeStore(m)

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("book-1", domain.ClientKoSync, 0.5, 200)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko)
	require.NoError(t, e.SyncCycle(context.Background(), "book-1", false))
	assert.Empty(t, ko.updates)
}

func TestSyncAllCoversActiveMappings(t *testing.T) {
	m1 := activeMapping()
	m2 := activeMapping()
	m2.BookID = "book-2"
	m3 := activeMapping()
	m3.BookID = "book-3"
	m3.Status = domain.StatusDisabled
	fs := newFakeStore(m1, m2, m3)
	fs.seed(textState("book-1", domain.ClientStoryteller, 0.1, 50))
	fs.seed(textState("book-2", domain.ClientStoryteller, 0.1, 50))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true,
		state: textState("", domain.ClientKoSync, 0.6, 200)}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true,
		state: textState("", domain.ClientStoryteller, 0.1, 50)}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	require.NoError(t, e.SyncAll(context.Background()))
	assert.Len(t, st.updates, 2, "one write per active mapping")
}

func TestClearProgress(t *testing.T) {
	m := activeMapping()
	m.KosyncDocID = "doc-1"
	fs := newFakeStore(m)
	fs.seed(textState("book-1", domain.ClientKoSync, 0.7, 100))

	ko := &fakeClient{name: domain.ClientKoSync, canLead: true}
	st := &fakeClient{name: domain.ClientStoryteller, canLead: true}

	e := newTestEngine(fs, suppress.NewTracker(time.Minute), ko, st)
	purged := ""
	e.SetDocPurger(docPurgerFunc(func(_ context.Context, docID string) error {
		purged = docID
		return nil
	}))

	res, err := e.ClearProgress(context.Background(), "book-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", purged)
	assert.True(t, res.Resets[domain.ClientKoSync])
	assert.True(t, res.Resets[domain.ClientStoryteller])
	require.Len(t, ko.updates, 1)
	assert.InDelta(t, 0.0, ko.updates[0].Locator.Text.Percentage, 0.0001)
	assert.Equal(t, domain.StatusPending, fs.mappings["book-1"].Status)
	assert.Empty(t, fs.states)
}

type docPurgerFunc func(ctx context.Context, docID string) error

func (f docPurgerFunc) PurgeDocument(ctx context.Context, docID string) error { return f(ctx, docID) }
