package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

func (s *Server) registerSuggestionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listSuggestions",
		Method:      http.MethodGet,
		Path:        "/api/v1/suggestions",
		Summary:     "List mapping suggestions",
		Tags:        []string{"Suggestions"},
	}, s.handleListSuggestions)

	huma.Register(s.api, huma.Operation{
		OperationID: "dismissSuggestion",
		Method:      http.MethodPost,
		Path:        "/api/v1/suggestions/{id}/dismiss",
		Summary:     "Dismiss a suggestion",
		Description: "Hides the suggestion; later sweeps do not suggest the book again.",
		Tags:        []string{"Suggestions"},
	}, s.handleDismissSuggestion)

	huma.Register(s.api, huma.Operation{
		OperationID: "ignoreSuggestion",
		Method:      http.MethodPost,
		Path:        "/api/v1/suggestions/{id}/ignore",
		Summary:     "Ignore a suggestion's book permanently",
		Tags:        []string{"Suggestions"},
	}, s.handleIgnoreSuggestion)

	huma.Register(s.api, huma.Operation{
		OperationID:   "scanSuggestions",
		Method:        http.MethodPost,
		Path:          "/api/v1/suggestions/scan",
		Summary:       "Run a suggestion sweep now",
		Tags:          []string{"Suggestions"},
		DefaultStatus: http.StatusOK,
	}, s.handleScanSuggestions)
}

// SuggestionsInput filters the suggestion list.
type SuggestionsInput struct {
	Disposition string `query:"disposition" enum:"pending,dismissed,ignored" default:"pending"`
}

// SuggestionsOutput wraps the suggestion list.
type SuggestionsOutput struct {
	Body struct {
		Suggestions []*domain.Suggestion `json:"suggestions"`
	}
}

type suggestionIDInput struct {
	ID string `path:"id" doc:"Suggestion ID"`
}

// SuggestionOutput wraps one suggestion.
type SuggestionOutput struct {
	Body *domain.Suggestion
}

func (s *Server) handleListSuggestions(ctx context.Context, in *SuggestionsInput) (*SuggestionsOutput, error) {
	d := domain.SuggestionDisposition(in.Disposition)
	if d == "" {
		d = domain.SuggestionPending
	}
	suggestions, err := s.store.ListSuggestions(ctx, d)
	if err != nil {
		return nil, err
	}
	out := &SuggestionsOutput{}
	out.Body.Suggestions = suggestions
	return out, nil
}

func (s *Server) setDisposition(ctx context.Context, id string, d domain.SuggestionDisposition) (*SuggestionOutput, error) {
	if err := s.store.SetSuggestionDisposition(ctx, id, d); err != nil {
		return nil, err
	}
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SuggestionOutput{Body: sg}, nil
}

func (s *Server) handleDismissSuggestion(ctx context.Context, in *suggestionIDInput) (*SuggestionOutput, error) {
	return s.setDisposition(ctx, in.ID, domain.SuggestionDismissed)
}

func (s *Server) handleIgnoreSuggestion(ctx context.Context, in *suggestionIDInput) (*SuggestionOutput, error) {
	return s.setDisposition(ctx, in.ID, domain.SuggestionIgnored)
}

func (s *Server) handleScanSuggestions(ctx context.Context, _ *struct{}) (*struct{}, error) {
	if s.suggestions == nil {
		return nil, errors.NotConfigured("suggestions are disabled")
	}
	if err := s.suggestions.Scan(ctx); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}
