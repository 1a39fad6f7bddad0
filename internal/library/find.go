package library

import (
	"context"
	"strings"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

const findLimit = 5

// Find answers suggestion searches with indexed library epubs. A title
// that contains the audiobook's title verbatim is a high-confidence
// match; anything else the index scored is medium.
func (s *Service) Find(ctx context.Context, title, author string) ([]domain.SuggestionMatch, error) {
	if title == "" {
		return nil, nil
	}
	hits, err := s.idx.search(ctx, title, author, findLimit)
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
			Source:     "library",
			Title:      h.Title,
			Author:     h.Author,
			Filename:   h.Filename,
			Confidence: confidence,
		})
	}
	return matches, nil
}
