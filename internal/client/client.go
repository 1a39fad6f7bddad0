// Package client implements the adapters for the external reading and
// listening services. Each adapter translates one service's REST dialect
// into the shared contract the sync engine drives.
package client

import (
	"context"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/ebook"
)

// Bulk is an adapter-opaque snapshot of all known progress, fetched once
// per cycle and handed back to FetchState so N books do not cost N
// round-trips. Adapters that cannot batch return nil.
type Bulk any

// UpdateRequest carries the translated position for one follower write.
type UpdateRequest struct {
	Locator  domain.Locator
	Snippet  string              // matched text, when the translation had one
	Previous *domain.ClientState // this client's prior state, nil when unknown
}

// UpdateResult reports what a write actually stored.
type UpdateResult struct {
	Pct     float64
	Locator domain.Locator
}

// Client is one external service. Absent progress is (nil, nil) from
// FetchState, never an error.
type Client interface {
	Name() domain.ClientName
	IsConfigured() bool
	// CanLead is false for write-only trackers that never report positions.
	CanLead() bool
	SupportedModes() []domain.SyncMode
	CheckConnection(ctx context.Context) error
	FetchBulk(ctx context.Context) (Bulk, error)
	FetchState(ctx context.Context, m *domain.Mapping, prev *domain.ClientState, bulk Bulk) (*domain.ClientState, error)
	Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error)
	// TextAt extracts the text under the state's position, for cross-
	// coordinate translation. Clients with no text return "".
	TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error)
}

// BookOpener resolves and parses the ebook representation of a mapping.
// Implemented by the library service.
type BookOpener interface {
	Open(ctx context.Context, m *domain.Mapping) (*ebook.Book, error)
}

// TranscriptSource loads the transcript tokens of a book's audio edition.
type TranscriptSource interface {
	Tokens(ctx context.Context, bookID string) ([]align.Token, error)
}

// Registry holds the configured adapters in deterministic order.
type Registry struct {
	clients []Client
}

// NewRegistry keeps only configured clients, preserving the given order.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{}
	for _, c := range clients {
		if c != nil && c.IsConfigured() {
			r.clients = append(r.clients, c)
		}
	}
	return r
}

// All returns the configured clients.
func (r *Registry) All() []Client { return r.clients }

// Get returns the adapter for a client name, or nil.
func (r *Registry) Get(name domain.ClientName) Client {
	for _, c := range r.clients {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// ForMode returns the clients participating in the given sync mode.
func (r *Registry) ForMode(mode domain.SyncMode) []Client {
	var out []Client
	for _, c := range r.clients {
		for _, m := range c.SupportedModes() {
			if m == mode {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
