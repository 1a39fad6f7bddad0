package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/events"
	"github.com/shelfsync/shelfsync-server/internal/library"
)

func (s *Server) registerLibraryRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "scanLibrary",
		Method:      http.MethodPost,
		Path:        "/api/v1/library/scan",
		Summary:     "Rescan the ebook library",
		Tags:        []string{"Library"},
	}, s.handleScanLibrary)

	huma.Register(s.api, huma.Operation{
		OperationID: "searchLibrary",
		Method:      http.MethodGet,
		Path:        "/api/v1/library/search",
		Summary:     "Search indexed ebooks",
		Tags:        []string{"Library"},
	}, s.handleSearchLibrary)
}

// ScanOutput wraps scan statistics.
type ScanOutput struct {
	Body library.ScanStats
}

// SearchLibraryInput is a title/author lookup.
type SearchLibraryInput struct {
	Title  string `query:"title" minLength:"1" doc:"Title to search for"`
	Author string `query:"author" doc:"Optional author filter"`
}

// SearchLibraryOutput wraps search matches.
type SearchLibraryOutput struct {
	Body struct {
		Matches []domain.SuggestionMatch `json:"matches"`
	}
}

func (s *Server) handleScanLibrary(ctx context.Context, _ *struct{}) (*ScanOutput, error) {
	s.events.Emit(events.New(events.EventScanStarted, nil))
	stats, err := s.library.Scan(ctx)
	if err != nil {
		s.events.Emit(events.New(events.EventScanCompleted, map[string]string{"error": err.Error()}))
		return nil, err
	}
	s.events.Emit(events.New(events.EventScanCompleted, stats))
	return &ScanOutput{Body: stats}, nil
}

func (s *Server) handleSearchLibrary(ctx context.Context, in *SearchLibraryInput) (*SearchLibraryOutput, error) {
	matches, err := s.library.Find(ctx, in.Title, in.Author)
	if err != nil {
		return nil, err
	}
	out := &SearchLibraryOutput{}
	out.Body.Matches = matches
	return out, nil
}
