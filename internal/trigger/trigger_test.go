package trigger

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Writer: io.Discard, Format: "json"})
}

type fakeCycler struct {
	mu      sync.Mutex
	cycles  []string
	all     int
	block   chan struct{} // when set, SyncCycle waits on it
	cycleCh chan string   // when set, receives each cycled book ID
}

func (f *fakeCycler) SyncCycle(ctx context.Context, bookID string, force bool) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.cycles = append(f.cycles, bookID)
	f.mu.Unlock()
	if f.cycleCh != nil {
		f.cycleCh <- bookID
	}
	return nil
}

func (f *fakeCycler) SyncAll(ctx context.Context) error {
	f.mu.Lock()
	f.all++
	f.mu.Unlock()
	return nil
}

func (f *fakeCycler) cycleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cycles)
}

func (f *fakeCycler) allCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all
}

func TestDispatcherCoalescesPending(t *testing.T) {
	blocked := &fakeCycler{block: make(chan struct{})}
	d := NewDispatcher(blocked, 1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	assert.True(t, d.Enqueue("book-1", false))
	assert.False(t, d.Enqueue("book-1", false), "duplicate while pending should coalesce")
	assert.True(t, d.Enqueue("book-2", false), "different book is not coalesced")

	close(blocked.block)
}

func TestDispatcherForceReentersInflight(t *testing.T) {
	release := make(chan struct{})
	fc := &fakeCycler{block: release, cycleCh: make(chan string, 4)}
	d := NewDispatcher(fc, 1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.True(t, d.Enqueue("book-1", false))
	// Let the worker pick it up so the book moves from pending to inflight.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inflight["book-1"]
	}, time.Second, 5*time.Millisecond)

	assert.False(t, d.Enqueue("book-1", false), "plain request drops against an inflight cycle")
	assert.True(t, d.Enqueue("book-1", true), "forced request queues behind the inflight cycle")

	close(release)
	assert.Equal(t, "book-1", <-fc.cycleCh)
	assert.Equal(t, "book-1", <-fc.cycleCh)
}

func TestDispatcherRunsQueuedCycles(t *testing.T) {
	fc := &fakeCycler{cycleCh: make(chan string, 4)}
	d := NewDispatcher(fc, 2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.True(t, d.Enqueue("a", false))
	require.True(t, d.Enqueue("b", false))

	got := map[string]bool{<-fc.cycleCh: true, <-fc.cycleCh: true}
	assert.True(t, got["a"])
	assert.True(t, got["b"])
}

func TestDebouncerFiresOncePerQuietWindow(t *testing.T) {
	var fired atomic.Int32
	done := make(chan struct{}, 1)
	d := NewDebouncer(40*time.Millisecond, func(bookID string) {
		fired.Add(1)
		done <- struct{}{}
	})
	defer d.Stop()

	// A burst of events inside the window collapses to one firing.
	d.Trigger("book-1")
	time.Sleep(10 * time.Millisecond)
	d.Trigger("book-1")
	time.Sleep(10 * time.Millisecond)
	d.Trigger("book-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced action never fired")
	}
	assert.Equal(t, int32(1), fired.Load())
}

func TestDebouncerTracksBooksIndependently(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	done := make(chan struct{}, 2)
	d := NewDebouncer(20*time.Millisecond, func(bookID string) {
		mu.Lock()
		fired[bookID]++
		mu.Unlock()
		done <- struct{}{}
	})
	defer d.Stop()

	d.Trigger("a")
	d.Trigger("b")
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired["a"])
	assert.Equal(t, 1, fired["b"])
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func(string) { fired.Add(1) })
	d.Trigger("book-1")
	d.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load())
	// Triggers after Stop are ignored.
	d.Trigger("book-1")
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestTickerRunsImmediatelyThenPeriodically(t *testing.T) {
	fc := &fakeCycler{}
	tracker := suppress.NewTracker(time.Minute)
	tk := NewTicker(25*time.Millisecond, fc, tracker, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go tk.Run(ctx)

	require.Eventually(t, func() bool { return fc.allCount() >= 2 },
		time.Second, 5*time.Millisecond, "expected an immediate tick plus at least one periodic tick")
	cancel()
}

// pollClient feeds the poller a scripted position per poll.
type pollClient struct {
	mu        sync.Mutex
	positions []float64
	calls     int
}

func (c *pollClient) Name() domain.ClientName          { return domain.ClientStoryteller }
func (c *pollClient) IsConfigured() bool               { return true }
func (c *pollClient) CanLead() bool                    { return true }
func (c *pollClient) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}
func (c *pollClient) CheckConnection(ctx context.Context) error          { return nil }
func (c *pollClient) FetchBulk(ctx context.Context) (client.Bulk, error) { return nil, nil }

func (c *pollClient) FetchState(ctx context.Context, m *domain.Mapping, prev *domain.ClientState, bulk client.Bulk) (*domain.ClientState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx >= len(c.positions) {
		idx = len(c.positions) - 1
	}
	return &domain.ClientState{
		BookID:  m.BookID,
		Client:  domain.ClientStoryteller,
		Locator: domain.NewTextLocator(c.positions[idx]),
	}, nil
}

func (c *pollClient) Update(ctx context.Context, m *domain.Mapping, req *client.UpdateRequest) (*client.UpdateResult, error) {
	return nil, nil
}

func (c *pollClient) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	return "", nil
}

type staticLister struct{ mappings []*domain.Mapping }

func (s staticLister) ListMappingsByStatus(ctx context.Context, status domain.MappingStatus) ([]*domain.Mapping, error) {
	return s.mappings, nil
}

func pollerMapping() *domain.Mapping {
	return &domain.Mapping{BookID: "book-1", Status: domain.StatusActive, Duration: 3600}
}

func TestPollerEnqueuesOnMovement(t *testing.T) {
	c := &pollClient{positions: []float64{0.20, 0.20, 0.35}}
	tracker := suppress.NewTracker(time.Minute)
	var enqueued []string
	p := NewPoller(c, time.Minute, staticLister{[]*domain.Mapping{pollerMapping()}}, tracker,
		func(bookID string, force bool) bool {
			enqueued = append(enqueued, bookID)
			return true
		}, testLogger())

	ctx := context.Background()
	p.poll(ctx) // first sighting primes the cache without triggering
	assert.Empty(t, enqueued)
	p.poll(ctx) // unchanged position
	assert.Empty(t, enqueued)
	p.poll(ctx) // moved
	assert.Equal(t, []string{"book-1"}, enqueued)
}

func TestPollerIgnoresNoiseFloor(t *testing.T) {
	c := &pollClient{positions: []float64{0.2000, 0.2005}}
	tracker := suppress.NewTracker(time.Minute)
	var enqueued int
	p := NewPoller(c, time.Minute, staticLister{[]*domain.Mapping{pollerMapping()}}, tracker,
		func(string, bool) bool { enqueued++; return true }, testLogger())

	ctx := context.Background()
	p.poll(ctx)
	p.poll(ctx)
	assert.Zero(t, enqueued, "sub-noise-floor wobble must not trigger a cycle")
}

func TestPollerSuppressesOwnWrites(t *testing.T) {
	c := &pollClient{positions: []float64{0.20, 0.50}}
	tracker := suppress.NewTracker(time.Minute)
	var enqueued int
	p := NewPoller(c, time.Minute, staticLister{[]*domain.Mapping{pollerMapping()}}, tracker,
		func(string, bool) bool { enqueued++; return true }, testLogger())

	ctx := context.Background()
	p.poll(ctx)
	tracker.MarkWrite("book-1", domain.ClientStoryteller)
	p.poll(ctx)
	assert.Zero(t, enqueued, "movement caused by our own write must not trigger")
}

func TestSocketURL(t *testing.T) {
	got, err := socketURL("https://abs.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://abs.example.com/socket.io/?EIO=4&transport=websocket", got)

	got, err = socketURL("http://localhost:13378")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:13378/socket.io/?EIO=4&transport=websocket", got)

	_, err = socketURL("ftp://nope")
	assert.Error(t, err)
}

func TestProgressEventBookID(t *testing.T) {
	var ev progressEvent
	ev.Data.LibraryItemID = "nested"
	ev.LibraryItemID = "top"
	assert.Equal(t, "nested", ev.bookID(), "nested id wins over top level")

	ev = progressEvent{LibraryItemID: "top"}
	assert.Equal(t, "top", ev.bookID())

	ev = progressEvent{MediaItemID: "media"}
	assert.Equal(t, "media", ev.bookID())

	assert.Empty(t, progressEvent{}.bookID())
}
