// Package engine runs sync cycles: it gathers every client's position
// for a book, elects a leader, translates the leader's position into each
// follower's native locator and performs the writes.
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
	"github.com/shelfsync/shelfsync-server/internal/translate"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
	UpdateMapping(ctx context.Context, m *domain.Mapping) error
	ListMappingsByStatus(ctx context.Context, status domain.MappingStatus) ([]*domain.Mapping, error)
	ListStates(ctx context.Context, bookID string) ([]*domain.ClientState, error)
	UpsertState(ctx context.Context, cs *domain.ClientState) error
	ResetStates(ctx context.Context, bookID string) error
}

// ArtifactSource assembles the translation context for a book: its
// alignment map, parsed ebook and transcript tokens, whichever exist.
type ArtifactSource interface {
	TranslateContext(ctx context.Context, m *domain.Mapping) (*translate.Context, error)
}

// DocPurger removes a KoReader document record so a progress reset is not
// undone by the furthest-wins guard.
type DocPurger interface {
	PurgeDocument(ctx context.Context, docID string) error
}

// Engine coordinates sync cycles. One cycle per book runs at a time;
// different books sync concurrently.
type Engine struct {
	store     Store
	registry  *client.Registry
	artifacts ArtifactSource
	tracker   *suppress.Tracker
	purger    DocPurger // may be nil
	cfg       config.SyncConfig
	log       *logger.Logger

	// OnOutcome, when set, observes every finished cycle.
	OnOutcome func(bookID, title string, err error)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the engine.
func New(st Store, reg *client.Registry, art ArtifactSource, tr *suppress.Tracker, cfg config.SyncConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		registry:  reg,
		artifacts: art,
		tracker:   tr,
		cfg:       cfg,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetDocPurger wires the integrated KoReader document store, when present.
func (e *Engine) SetDocPurger(p DocPurger) { e.purger = p }

// bookLock returns the mutex serializing cycles for one book.
func (e *Engine) bookLock(bookID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[bookID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[bookID] = l
	}
	return l
}

// candidate is one client's contribution to a cycle.
type candidate struct {
	client client.Client
	state  *domain.ClientState
	cached *domain.ClientState
	pct    float64
	moved  bool
}

// SyncCycle runs one cycle for a book. force bypasses the anti-regression
// guard for user-initiated syncs.
func (e *Engine) SyncCycle(ctx context.Context, bookID string, force bool) error {
	lock := e.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	if e.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CycleTimeout)
		defer cancel()
	}

	m, err := e.store.GetMapping(ctx, bookID)
	if err != nil {
		return err
	}
	if !m.Syncable() {
		e.log.Debug("mapping not syncable", "book", bookID, "status", m.Status)
		return nil
	}

	err = e.runCycle(ctx, m, nil, force)
	return e.recordOutcome(ctx, m, err)
}

// SyncAll runs a full cycle over every active mapping, pre-fetching bulk
// state from clients that support it.
func (e *Engine) SyncAll(ctx context.Context) error {
	mappings, err := e.store.ListMappingsByStatus(ctx, domain.StatusActive)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}

	bulks := make(map[domain.ClientName]client.Bulk)
	for _, c := range e.registry.All() {
		b, err := c.FetchBulk(ctx)
		if err != nil {
			e.log.Warn("bulk fetch failed", "client", c.Name(), "error", err)
			continue
		}
		if b != nil {
			bulks[c.Name()] = b
		}
	}

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, m := range mappings {
		g.Go(func() error {
			lock := e.bookLock(m.BookID)
			lock.Lock()
			defer lock.Unlock()

			cctx := gctx
			if e.cfg.CycleTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(gctx, e.cfg.CycleTimeout)
				defer cancel()
			}
			err := e.runCycle(cctx, m, bulks, false)
			if err := e.recordOutcome(cctx, m, err); err != nil {
				e.log.Error("sync cycle failed", "book", m.BookID, "title", m.Title, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// recordOutcome maintains the consecutive-failure counter and parks the
// mapping after too many full failures.
func (e *Engine) recordOutcome(ctx context.Context, m *domain.Mapping, cycleErr error) error {
	if e.OnOutcome != nil {
		e.OnOutcome(m.BookID, m.Title, cycleErr)
	}
	if cycleErr == nil {
		if m.FailureCount != 0 {
			m.FailureCount = 0
			if err := e.store.UpdateMapping(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}

	m.FailureCount++
	if m.FailureCount >= e.cfg.MaxFailures {
		m.Status = domain.StatusFailedRetry
		e.log.Warn("mapping parked after repeated failures",
			"book", m.BookID, "title", m.Title, "failures", m.FailureCount)
	}
	if err := e.store.UpdateMapping(ctx, m); err != nil {
		e.log.Error("persist failure count", "book", m.BookID, "error", err)
	}
	return cycleErr
}

func (e *Engine) runCycle(ctx context.Context, m *domain.Mapping, bulks map[domain.ClientName]client.Bulk, force bool) error {
	clients := e.registry.ForMode(m.SyncMode)
	if m.SyncMode == domain.SyncModeEbookOnly {
		clients = withoutClient(clients, domain.ClientABS)
	}
	if len(clients) == 0 {
		return nil
	}

	cached, err := e.cachedStates(ctx, m.BookID)
	if err != nil {
		return err
	}

	cands := e.fetchStates(ctx, m, clients, cached, bulks)
	if len(cands) == 0 {
		e.log.Debug("no client reported a position", "book", m.BookID)
		return nil
	}

	contributors := cands[:0:0]
	for _, c := range cands {
		if c.moved {
			contributors = append(contributors, c)
		}
	}
	if len(contributors) == 0 {
		e.log.Debug("no client moved past its threshold", "book", m.BookID)
		return nil
	}

	leader := electLeader(contributors)
	e.log.Info("leader elected", "book", m.BookID, "title", m.Title,
		"client", leader.client.Name(), "pct", leader.pct)

	if !e.spreadExceeded(leader, cands, cached) {
		e.log.Debug("clients already within tolerance", "book", m.BookID)
		return nil
	}

	if !force && e.regresses(leader, cached) {
		e.log.Warn("leader position regresses, refusing to propagate",
			"book", m.BookID, "client", leader.client.Name(), "pct", leader.pct)
		return nil
	}

	tc, err := e.artifacts.TranslateContext(ctx, m)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "assemble translation context")
	}

	snippet, err := leader.client.TextAt(ctx, m, leader.state)
	if err != nil {
		e.log.Debug("leader snippet unavailable", "book", m.BookID, "error", err)
	}

	// Every configured client except the leader is a follower, whether
	// or not it reported a position this cycle.
	updated := 0
	attempted := 0
	for _, c := range clients {
		if c.Name() == leader.client.Name() {
			continue
		}
		follower := candidate{client: c, cached: cached[c.Name()]}
		for _, cand := range cands {
			if cand.client.Name() == c.Name() {
				follower = cand
				break
			}
		}
		attempted++
		if err := e.propagate(ctx, m, tc, leader, follower, snippet); err != nil {
			e.log.Warn("follower update failed", "book", m.BookID,
				"client", c.Name(), "error", err)
			continue
		}
		updated++
	}

	if e.cfg.DryRun {
		return nil
	}

	now := float64(time.Now().Unix())
	leaderState := *leader.state
	leaderState.LastUpdated = now
	if err := e.store.UpsertState(ctx, &leaderState); err != nil {
		return err
	}

	if attempted > 0 && updated == 0 {
		return errors.Transientf("all %d followers failed for book %s", attempted, m.BookID)
	}
	return nil
}

// cachedStates loads the per-client positions recorded by earlier cycles.
func (e *Engine) cachedStates(ctx context.Context, bookID string) (map[domain.ClientName]*domain.ClientState, error) {
	states, err := e.store.ListStates(ctx, bookID)
	if err != nil {
		return nil, err
	}
	byClient := make(map[domain.ClientName]*domain.ClientState, len(states))
	for _, s := range states {
		byClient[s.Client] = s
	}
	return byClient, nil
}

// fetchStates queries every client in parallel. Absent states, echoes of
// our own recent writes and fetch errors all drop the client from the
// cycle without failing it.
func (e *Engine) fetchStates(ctx context.Context, m *domain.Mapping, clients []client.Client,
	cached map[domain.ClientName]*domain.ClientState, bulks map[domain.ClientName]client.Bulk) []candidate {

	results := make([]*candidate, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			prev := cached[c.Name()]
			st, err := c.FetchState(gctx, m, prev, bulks[c.Name()])
			if err != nil {
				e.log.Warn("state fetch failed", "book", m.BookID, "client", c.Name(), "error", err)
				return nil
			}
			if st == nil {
				return nil
			}
			pct, ok := st.NormalizedPct(m.Duration)
			if !ok {
				e.log.Debug("position not normalizable", "book", m.BookID, "client", c.Name())
				return nil
			}
			if e.tracker.IsEcho(m.BookID, c.Name()) {
				e.log.Debug("suppressing echo of own write", "book", m.BookID, "client", c.Name())
				return nil
			}
			results[i] = &candidate{
				client: c,
				state:  st,
				cached: prev,
				pct:    pct,
				moved:  e.significantDelta(c.Name(), m, pct, prev),
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]candidate, 0, len(clients))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// significantDelta applies the per-client noise gate against the cached
// position. A client with no cached row contributes whenever it reports
// any progress at all.
func (e *Engine) significantDelta(name domain.ClientName, m *domain.Mapping, pct float64, cached *domain.ClientState) bool {
	if cached == nil {
		return pct > 0
	}
	prevPct, ok := cached.NormalizedPct(m.Duration)
	if !ok {
		return pct > 0
	}
	delta := pct - prevPct
	if delta < 0 {
		delta = -delta
	}

	switch name {
	case domain.ClientABS:
		return m.Duration > 0 && delta*m.Duration >= e.cfg.MinDeltaSeconds
	case domain.ClientKoSync:
		if delta < e.cfg.MinDeltaPct {
			return false
		}
		// Past the pct floor, a move counts when its audio-time equivalent
		// exceeds MinDeltaSeconds, else when it reaches BetweenClients. No
		// character or word count is compared; MinDeltaChars is not read.
		if m.Duration > 0 && delta*m.Duration > e.cfg.MinDeltaSeconds {
			return true
		}
		return delta >= e.cfg.BetweenClients
	default:
		return delta >= e.cfg.BetweenClients
	}
}

// electLeader picks the contributing client with the latest change.
// Ties fall to the highest position, then to the fixed client order.
func electLeader(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		switch {
		case c.state.LastUpdated > best.state.LastUpdated:
			best = c
		case c.state.LastUpdated == best.state.LastUpdated && c.pct > best.pct:
			best = c
		case c.state.LastUpdated == best.state.LastUpdated && c.pct == best.pct &&
			clientOrder(c.client.Name()) < clientOrder(best.client.Name()):
			best = c
		}
	}
	return best
}

func clientOrder(name domain.ClientName) int {
	for i, n := range domain.AllClients {
		if n == name {
			return i
		}
	}
	return len(domain.AllClients)
}

// spreadExceeded reports whether the leader is meaningfully ahead of at
// least one follower's cached position.
func (e *Engine) spreadExceeded(leader candidate, cands []candidate, cached map[domain.ClientName]*domain.ClientState) bool {
	for _, c := range cands {
		if c.client.Name() == leader.client.Name() {
			continue
		}
		ref := c.pct
		if s, ok := cached[c.client.Name()]; ok {
			if p, pOK := s.NormalizedPct(0); pOK {
				ref = p
			}
		}
		diff := leader.pct - ref
		if diff < 0 {
			diff = -diff
		}
		if diff >= e.cfg.BetweenClients {
			return true
		}
	}
	// A leader with no peers still propagates to write-only trackers.
	return len(cands) == 1
}

// regresses reports whether the leader would pull every client backward.
// A device that led the previous cycle may move its own position back.
func (e *Engine) regresses(leader candidate, cached map[domain.ClientName]*domain.ClientState) bool {
	var maxPct float64
	var prevLeader *domain.ClientState
	for _, s := range cached {
		p, ok := s.NormalizedPct(0)
		if !ok {
			continue
		}
		if p > maxPct {
			maxPct = p
		}
		if prevLeader == nil || s.LastUpdated > prevLeader.LastUpdated {
			prevLeader = s
		}
	}
	if leader.pct >= maxPct-e.cfg.RegressionPct {
		return false
	}
	if prevLeader != nil && prevLeader.DeviceID != "" &&
		leader.state != nil && leader.state.DeviceID == prevLeader.DeviceID {
		return false
	}
	return true
}

// propagate translates the leader position for one follower and writes
// it, stamping the suppressor before the result is released.
func (e *Engine) propagate(ctx context.Context, m *domain.Mapping, tc *translate.Context,
	leader, follower candidate, snippet string) error {

	target := domain.LocatorText
	if follower.client.Name() == domain.ClientABS {
		target = domain.LocatorAudio
	}

	loc, err := translate.Translate(tc, leader.state.Locator, target)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			e.log.Info("position not locatable in follower edition, skipping",
				"book", m.BookID, "client", follower.client.Name())
			return nil
		}
		return err
	}

	if e.cfg.DryRun {
		e.log.Info("dry run: would update follower", "book", m.BookID,
			"client", follower.client.Name(), "pct", leader.pct)
		return nil
	}

	req := &client.UpdateRequest{Locator: loc, Snippet: snippet, Previous: follower.cached}
	res, err := follower.client.Update(ctx, m, req)
	if err != nil {
		return err
	}
	e.tracker.MarkWrite(m.BookID, follower.client.Name())

	return e.store.UpsertState(ctx, &domain.ClientState{
		BookID:      m.BookID,
		Client:      follower.client.Name(),
		LastUpdated: float64(time.Now().Unix()),
		Locator:     res.Locator,
	})
}

func withoutClient(clients []client.Client, name domain.ClientName) []client.Client {
	out := clients[:0:0]
	for _, c := range clients {
		if c.Name() != name {
			out = append(out, c)
		}
	}
	return out
}
