// Package trigger feeds the sync engine. The audiobook server's event
// stream and the per-client pollers converge on one coalescing queue; the
// periodic full tick calls the engine's SyncAll directly.
package trigger

import (
	"context"
	"sync"

	"github.com/shelfsync/shelfsync-server/internal/logger"
)

const queueDepth = 256

// Cycler is the engine surface the trigger layer drives.
type Cycler interface {
	SyncCycle(ctx context.Context, bookID string, force bool) error
	SyncAll(ctx context.Context) error
}

type request struct {
	bookID string
	force  bool
}

// Dispatcher owns the coalescing sync queue and its worker pool. A book
// that is already queued is not enqueued again; a book mid-cycle is only
// enqueued again by a forced request.
type Dispatcher struct {
	cycler  Cycler
	log     *logger.Logger
	workers int
	queue   chan request

	mu       sync.Mutex
	pending  map[string]bool
	inflight map[string]bool
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(cycler Cycler, workers int, log *logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		cycler:   cycler,
		log:      log,
		workers:  workers,
		queue:    make(chan request, queueDepth),
		pending:  make(map[string]bool),
		inflight: make(map[string]bool),
	}
}

// Enqueue schedules a targeted cycle for one book. Returns false when the
// request coalesced into an already queued or running cycle.
func (d *Dispatcher) Enqueue(bookID string, force bool) bool {
	d.mu.Lock()
	if d.pending[bookID] || (d.inflight[bookID] && !force) {
		d.mu.Unlock()
		d.log.Debug("sync request coalesced", "book", bookID)
		return false
	}
	d.pending[bookID] = true
	d.mu.Unlock()

	select {
	case d.queue <- request{bookID: bookID, force: force}:
		return true
	default:
		d.mu.Lock()
		delete(d.pending, bookID)
		d.mu.Unlock()
		d.log.Warn("sync queue full, dropping request", "book", bookID)
		return false
	}
}

// Run processes the queue until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.mu.Lock()
			delete(d.pending, req.bookID)
			d.inflight[req.bookID] = true
			d.mu.Unlock()

			if err := d.cycler.SyncCycle(ctx, req.bookID, req.force); err != nil {
				d.log.Error("sync cycle failed", "book", req.bookID, "error", err)
			}

			d.mu.Lock()
			delete(d.inflight, req.bookID)
			d.mu.Unlock()
		}
	}
}
