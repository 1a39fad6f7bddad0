// Package suggest proposes mappings for audiobooks the user is listening
// to but has not linked to an ebook yet. Candidates come from the local
// library and from Booklore; the user accepts, dismisses or ignores them.
package suggest

import (
	"context"
	"strings"

	"github.com/shelfsync/shelfsync-server/internal/client"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/id"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// AudioLister reports audiobooks with listening progress.
type AudioLister interface {
	InProgress(ctx context.Context, minProgress float64) ([]client.InProgressItem, error)
}

// Searcher finds ebook candidates for a title/author pair.
type Searcher interface {
	Find(ctx context.Context, title, author string) ([]domain.SuggestionMatch, error)
}

// Store is the persistence the service needs.
type Store interface {
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
	GetSuggestionBySource(ctx context.Context, sourceID string) (*domain.Suggestion, error)
	SaveSuggestion(ctx context.Context, sg *domain.Suggestion) error
	ListSuggestions(ctx context.Context, d domain.SuggestionDisposition) ([]*domain.Suggestion, error)
	DeleteSuggestionsBySource(ctx context.Context, sourceID string) error
}

// Service scans in-progress audiobooks and records mapping suggestions.
type Service struct {
	cfg       config.SuggestConfig
	audio     AudioLister
	searchers []Searcher
	store     Store
	log       *logger.Logger

	// OnSuggestion, when set, observes every newly recorded suggestion.
	OnSuggestion func(sg *domain.Suggestion)
}

// NewService creates the suggestion service. Searchers are consulted in
// order and their matches concatenated.
func NewService(cfg config.SuggestConfig, audio AudioLister, store Store, log *logger.Logger, searchers ...Searcher) *Service {
	return &Service{cfg: cfg, audio: audio, searchers: searchers, store: store, log: log}
}

// Scan walks every in-progress audiobook and records a suggestion for each
// unmapped one that has ebook candidates. Already-handled items are left
// alone: an existing suggestion in any disposition blocks a new one.
func (s *Service) Scan(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	items, err := s.audio.InProgress(ctx, s.cfg.MinProgress)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := s.consider(ctx, item); err != nil {
			s.log.Warn("suggestion check failed", "item", item.ID, "error", err)
		}
	}
	return s.prune(ctx, items)
}

// prune drops pending suggestions whose audiobook left the listening
// window: finished, removed, or past the progress ceiling.
func (s *Service) prune(ctx context.Context, items []client.InProgressItem) error {
	pending, err := s.store.ListSuggestions(ctx, domain.SuggestionPending)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Progress <= s.cfg.MaxProgress {
			live[item.ID] = true
		}
	}
	for _, sg := range pending {
		if live[sg.SourceID] {
			continue
		}
		if err := s.store.DeleteSuggestionsBySource(ctx, sg.SourceID); err != nil {
			s.log.Warn("stale suggestion cleanup failed", "item", sg.SourceID, "error", err)
			continue
		}
		s.log.Debug("stale suggestion removed", "item", sg.SourceID, "title", sg.Title)
	}
	return nil
}

// Check runs the suggestion logic for a single audiobook item, typically
// after a progress event for a book without a mapping.
func (s *Service) Check(ctx context.Context, sourceID string) error {
	if !s.cfg.Enabled {
		return nil
	}
	items, err := s.audio.InProgress(ctx, s.cfg.MinProgress)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID == sourceID {
			return s.consider(ctx, item)
		}
	}
	return nil
}

func (s *Service) consider(ctx context.Context, item client.InProgressItem) error {
	if item.Progress > s.cfg.MaxProgress {
		return nil
	}

	_, err := s.store.GetMapping(ctx, item.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	if _, err := s.store.GetSuggestionBySource(ctx, item.ID); err == nil {
		return nil
	} else if !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	var matches []domain.SuggestionMatch
	for _, sr := range s.searchers {
		found, err := sr.Find(ctx, item.Title, item.Author)
		if err != nil {
			s.log.Warn("candidate search failed", "item", item.ID, "error", err)
			continue
		}
		matches = append(matches, found...)
	}
	if len(matches) == 0 {
		return nil
	}

	sg := &domain.Suggestion{
		ID:          id.MustGenerate("sug"),
		SourceID:    item.ID,
		Title:       item.Title,
		Author:      item.Author,
		Progress:    item.Progress,
		Matches:     matches,
		Disposition: domain.SuggestionPending,
	}
	if err := s.store.SaveSuggestion(ctx, sg); err != nil {
		return err
	}
	s.log.Info("mapping suggested", "item", item.ID, "title", item.Title, "matches", len(matches))
	if s.OnSuggestion != nil {
		s.OnSuggestion(sg)
	}
	return nil
}

// Resolve drops the suggestions for an audiobook once it gains a mapping.
func (s *Service) Resolve(ctx context.Context, sourceID string) error {
	return s.store.DeleteSuggestionsBySource(ctx, sourceID)
}

// BookloreSearcher finds candidates in the Booklore catalog.
type BookloreSearcher struct {
	bl *client.Booklore
}

// NewBookloreSearcher wraps a Booklore client as a Searcher.
func NewBookloreSearcher(bl *client.Booklore) *BookloreSearcher {
	return &BookloreSearcher{bl: bl}
}

// Find searches Booklore by title. A hit whose title contains the query
// is high confidence; a filename-only hit is medium.
func (b *BookloreSearcher) Find(ctx context.Context, title, author string) ([]domain.SuggestionMatch, error) {
	if !b.bl.IsConfigured() {
		return nil, nil
	}
	hits, err := b.bl.Search(ctx, title)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(title)
	matches := make([]domain.SuggestionMatch, 0, len(hits))
	for _, h := range hits {
		confidence := "medium"
		if strings.Contains(strings.ToLower(h.Title), needle) {
			confidence = "high"
		}
		matches = append(matches, domain.SuggestionMatch{
			Source:     "booklore",
			Title:      h.Title,
			Author:     h.Author,
			Filename:   h.FileName,
			ExternalID: h.ID,
			Confidence: confidence,
		})
	}
	return matches, nil
}
