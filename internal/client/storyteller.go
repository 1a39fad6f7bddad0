package client

import (
	"context"
	"net/http"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Storyteller talks to a Storyteller server. Books are addressed strictly
// by linked UUID; an unlinked mapping is absent, never guessed by title.
type Storyteller struct {
	cfg   config.StorytellerConfig
	http  *http.Client
	log   *logger.Logger
	books BookOpener
}

// NewStoryteller creates the Storyteller adapter.
func NewStoryteller(cfg config.StorytellerConfig, books BookOpener, log *logger.Logger) *Storyteller {
	return &Storyteller{cfg: cfg, http: newHTTPClient(), log: log, books: books}
}

func (s *Storyteller) Name() domain.ClientName { return domain.ClientStoryteller }
func (s *Storyteller) IsConfigured() bool      { return s.cfg.Configured() }
func (s *Storyteller) CanLead() bool           { return true }

func (s *Storyteller) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

func (s *Storyteller) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.cfg.Token}
}

func (s *Storyteller) CheckConnection(ctx context.Context) error {
	_, err := doJSON(ctx, s.http, http.MethodGet, s.cfg.URL+"/api/books", s.headers(), nil, nil)
	return err
}

func (s *Storyteller) FetchBulk(_ context.Context) (Bulk, error) { return nil, nil }

// storytellerPosition is the Readium-style locator document the position
// endpoints speak.
type storytellerPosition struct {
	UUID      string             `json:"uuid,omitempty"`
	Timestamp int64              `json:"timestamp"` // ms since epoch
	Locator   storytellerLocator `json:"locator"`
}

type storytellerLocator struct {
	Href      string `json:"href"`
	Type      string `json:"type,omitempty"`
	Locations struct {
		TotalProgression float64  `json:"totalProgression"`
		Fragments        []string `json:"fragments,omitempty"`
		CSSSelector      string   `json:"cssSelector,omitempty"`
		CFI              string   `json:"cfi,omitempty"`
	} `json:"locations"`
}

func (s *Storyteller) FetchState(ctx context.Context, m *domain.Mapping, _ *domain.ClientState, _ Bulk) (*domain.ClientState, error) {
	uuid := m.ExternalID(domain.ClientStoryteller)
	if uuid == "" {
		return nil, nil
	}

	var p storytellerPosition
	_, err := doJSON(ctx, s.http, http.MethodGet, s.cfg.URL+"/api/v2/books/"+uuid+"/positions", s.headers(), nil, &p)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := domain.TextPosition{
		Percentage:  p.Locator.Locations.TotalProgression,
		CSSSelector: p.Locator.Locations.CSSSelector,
		CFI:         p.Locator.Locations.CFI,
	}
	if len(p.Locator.Locations.Fragments) > 0 {
		pos.Fragment = p.Locator.Locations.Fragments[0]
	}
	return &domain.ClientState{
		BookID:      m.BookID,
		Client:      domain.ClientStoryteller,
		LastUpdated: float64(p.Timestamp) / 1000,
		Locator:     domain.Locator{Kind: domain.LocatorText, Text: &pos},
	}, nil
}

// Update puts a position. 204 is stored; 409 means the server already
// holds a newer timestamp, which is success for idempotence.
func (s *Storyteller) Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error) {
	if req.Locator.Kind != domain.LocatorText || req.Locator.Text == nil {
		return nil, errors.InvalidData("storyteller update requires a text locator")
	}
	uuid := m.ExternalID(domain.ClientStoryteller)
	if uuid == "" {
		return nil, errors.NotConfigured("mapping has no storyteller uuid")
	}

	pos := req.Locator.Text
	payload := storytellerPosition{
		UUID:      uuid,
		Timestamp: time.Now().UnixMilli(),
		Locator:   storytellerLocator{Type: "application/xhtml+xml"},
	}
	payload.Locator.Locations.TotalProgression = pos.Percentage
	payload.Locator.Locations.CSSSelector = pos.CSSSelector
	payload.Locator.Locations.CFI = pos.CFI
	if pos.Fragment != "" {
		payload.Locator.Locations.Fragments = []string{pos.Fragment}
	}

	_, err := doJSON(ctx, s.http, http.MethodPut, s.cfg.URL+"/api/v2/books/"+uuid+"/positions", s.headers(), payload, nil)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			s.log.Debug("storyteller holds a newer position", "book", m.BookID)
			return &UpdateResult{Pct: pos.Percentage, Locator: req.Locator}, nil
		}
		return nil, err
	}
	return &UpdateResult{Pct: pos.Percentage, Locator: req.Locator}, nil
}

func (s *Storyteller) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	return textAtPct(ctx, s.books, m, state)
}
