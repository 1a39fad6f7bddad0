package kosync

import (
	"context"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// Client adapts the built-in document store to the sync engine's client
// contract. A bridge serving the protocol itself syncs KOReader positions
// through the same path as one pointed at a remote server, minus the HTTP
// round-trips.
type Client struct {
	store *Store
	books client.BookOpener
}

// NewClient wraps the store for the sync engine. books may be nil; text
// extraction then reports empty.
func NewClient(store *Store, books client.BookOpener) *Client {
	return &Client{store: store, books: books}
}

func (c *Client) Name() domain.ClientName { return domain.ClientKoSync }
func (c *Client) IsConfigured() bool      { return c.store != nil }
func (c *Client) CanLead() bool           { return true }

func (c *Client) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

func (c *Client) CheckConnection(context.Context) error { return nil }

// FetchBulk is unsupported; positions are read per document.
func (c *Client) FetchBulk(context.Context) (client.Bulk, error) { return nil, nil }

func (c *Client) FetchState(_ context.Context, m *domain.Mapping, _ *domain.ClientState, _ client.Bulk) (*domain.ClientState, error) {
	docID := m.ExternalID(domain.ClientKoSync)
	if docID == "" {
		return nil, nil
	}

	doc, err := c.store.GetDocument(docID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := domain.TextPosition{Percentage: doc.Percentage, XPath: doc.Progress}
	return &domain.ClientState{
		BookID:      m.BookID,
		Client:      domain.ClientKoSync,
		LastUpdated: float64(doc.Timestamp),
		DeviceID:    doc.DeviceID,
		Locator:     domain.Locator{Kind: domain.LocatorText, Text: &pos},
	}, nil
}

func (c *Client) Update(_ context.Context, m *domain.Mapping, req *client.UpdateRequest) (*client.UpdateResult, error) {
	if req.Locator.Kind != domain.LocatorText || req.Locator.Text == nil {
		return nil, errors.InvalidData("kosync update requires a text locator")
	}
	docID := m.ExternalID(domain.ClientKoSync)
	if docID == "" {
		return nil, errors.NotConfigured("mapping has no kosync document id")
	}

	doc := &Document{
		Document:   docID,
		Progress:   req.Locator.Text.XPath,
		Percentage: req.Locator.Text.Percentage,
		Device:     "shelfsync",
		DeviceID:   "shelfsync",
		Timestamp:  time.Now().Unix(),
	}
	if err := c.store.PutDocument(doc); err != nil {
		return nil, err
	}
	return &client.UpdateResult{Pct: req.Locator.Text.Percentage, Locator: req.Locator}, nil
}

// TextAt reads the page under the state's percentage from our copy of the
// ebook.
func (c *Client) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	if state == nil || state.Locator.Text == nil || c.books == nil {
		return "", nil
	}
	book, err := c.books.Open(ctx, m)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return book.TextAt(state.Locator.Text.Percentage), nil
}

// PurgeDocument removes a document record. It satisfies the progress-reset
// purger contracts, which thread a context the store does not need.
func (s *Store) PurgeDocument(_ context.Context, hash string) error {
	return s.DeleteDocument(hash)
}
