package engine

import (
	"context"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// ClearResult summarizes a progress reset.
type ClearResult struct {
	BookID string                     `json:"book_id"`
	Title  string                     `json:"title"`
	Resets map[domain.ClientName]bool `json:"resets"`
}

// ClearProgress wipes a book's recorded positions and pushes 0% to every
// client. The KoReader document record is purged first, otherwise the
// furthest-wins guard would resurrect the old position on the next sync.
// The mapping drops back to pending so alignment gets re-verified.
func (e *Engine) ClearProgress(ctx context.Context, bookID string) (*ClearResult, error) {
	lock := e.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMapping(ctx, bookID)
	if err != nil {
		return nil, err
	}

	if err := e.store.ResetStates(ctx, bookID); err != nil {
		return nil, errors.Wrap(err, errors.KindFatal, "reset stored positions")
	}

	if e.purger != nil && m.KosyncDocID != "" {
		if err := e.purger.PurgeDocument(ctx, m.KosyncDocID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			e.log.Warn("purge kosync document", "book", bookID, "error", err)
		}
	}

	res := &ClearResult{BookID: bookID, Title: m.Title, Resets: make(map[domain.ClientName]bool)}
	req := &client.UpdateRequest{Locator: domain.NewTextLocator(0)}
	audioReq := &client.UpdateRequest{Locator: domain.NewAudioLocator(0, m.Duration)}

	for _, c := range e.registry.ForMode(m.SyncMode) {
		if c.Name() == domain.ClientABS && m.SyncMode == domain.SyncModeEbookOnly {
			continue
		}
		r := req
		if c.Name() == domain.ClientABS {
			r = audioReq
		}
		_, err := c.Update(ctx, m, r)
		if err != nil {
			e.log.Warn("reset client progress", "book", bookID, "client", c.Name(), "error", err)
		} else {
			e.tracker.MarkWrite(bookID, c.Name())
		}
		res.Resets[c.Name()] = err == nil
	}

	m.Status = domain.StatusPending
	m.FailureCount = 0
	if err := e.store.UpdateMapping(ctx, m); err != nil {
		return nil, err
	}
	e.log.Info("progress cleared", "book", bookID, "title", m.Title)
	return res, nil
}
