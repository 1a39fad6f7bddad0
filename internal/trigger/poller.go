package trigger

import (
	"context"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
)

// MappingLister provides the active mappings a poller watches.
type MappingLister interface {
	ListMappingsByStatus(ctx context.Context, status domain.MappingStatus) ([]*domain.Mapping, error)
}

// Poller watches one client at its own interval and enqueues a targeted
// cycle when a book's position moves. Clients in global poll mode don't
// get a poller; the full tick covers them.
type Poller struct {
	client   client.Client
	interval time.Duration
	store    MappingLister
	tracker  *suppress.Tracker
	enqueue  func(bookID string, force bool) bool
	log      *logger.Logger

	lastKnown map[string]float64 // bookID -> last observed pct
}

// NewPoller creates a dedicated poller for one client.
func NewPoller(c client.Client, interval time.Duration, store MappingLister,
	tracker *suppress.Tracker, enqueue func(string, bool) bool, log *logger.Logger) *Poller {
	return &Poller{
		client:    c,
		interval:  interval,
		store:     store,
		tracker:   tracker,
		enqueue:   enqueue,
		log:       log,
		lastKnown: make(map[string]float64),
	}
}

// Run polls until the context ends.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("client poller started", "client", p.client.Name(), "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// pollNoiseFloor ignores sub-0.1% wobble between polls.
const pollNoiseFloor = 0.001

func (p *Poller) poll(ctx context.Context) {
	mappings, err := p.store.ListMappingsByStatus(ctx, domain.StatusActive)
	if err != nil {
		p.log.Warn("poller could not list mappings", "client", p.client.Name(), "error", err)
		return
	}
	if len(mappings) == 0 {
		return
	}

	bulk, err := p.client.FetchBulk(ctx)
	if err != nil {
		p.log.Debug("poller bulk fetch failed", "client", p.client.Name(), "error", err)
		bulk = nil
	}

	for _, m := range mappings {
		st, err := p.client.FetchState(ctx, m, nil, bulk)
		if err != nil {
			p.log.Debug("poll fetch failed", "client", p.client.Name(), "book", m.BookID, "error", err)
			continue
		}
		if st == nil {
			continue
		}
		pct, ok := st.NormalizedPct(m.Duration)
		if !ok {
			continue
		}

		last, seen := p.lastKnown[m.BookID]
		p.lastKnown[m.BookID] = pct
		if !seen {
			continue
		}
		delta := pct - last
		if delta < 0 {
			delta = -delta
		}
		if delta <= pollNoiseFloor {
			continue
		}
		if p.tracker.IsEcho(m.BookID, p.client.Name()) {
			p.log.Debug("poller ignoring own write", "client", p.client.Name(), "book", m.BookID)
			continue
		}
		p.log.Info("poller detected movement", "client", p.client.Name(),
			"book", m.BookID, "from", last, "to", pct)
		p.enqueue(m.BookID, false)
	}
}
