package trigger

import (
	"context"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/suppress"
)

// Ticker runs the periodic full sync cycle. It also sweeps the echo
// suppressor so expired entries don't pile up between writes.
type Ticker struct {
	period  time.Duration
	cycler  Cycler
	tracker *suppress.Tracker
	log     *logger.Logger
}

// NewTicker creates the global tick scheduler.
func NewTicker(period time.Duration, cycler Cycler, tracker *suppress.Tracker, log *logger.Logger) *Ticker {
	return &Ticker{period: period, cycler: cycler, tracker: tracker, log: log}
}

// Run performs one full cycle immediately, then one per period until the
// context ends.
func (t *Ticker) Run(ctx context.Context) {
	t.tick(ctx)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	if n := t.tracker.Sweep(); n > 0 {
		t.log.Debug("swept expired write markers", "count", n)
	}
	if err := t.cycler.SyncAll(ctx); err != nil && ctx.Err() == nil {
		t.log.Error("full sync cycle failed", "error", err)
	}
}
