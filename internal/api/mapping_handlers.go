package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/engine"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

func (s *Server) registerMappingRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listMappings",
		Method:      http.MethodGet,
		Path:        "/api/v1/mappings",
		Summary:     "List mappings",
		Tags:        []string{"Mappings"},
	}, s.handleListMappings)

	huma.Register(s.api, huma.Operation{
		OperationID: "getMapping",
		Method:      http.MethodGet,
		Path:        "/api/v1/mappings/{bookID}",
		Summary:     "Get a mapping",
		Tags:        []string{"Mappings"},
	}, s.handleGetMapping)

	huma.Register(s.api, huma.Operation{
		OperationID:   "createMapping",
		Method:        http.MethodPost,
		Path:          "/api/v1/mappings",
		Summary:       "Create a mapping",
		Description:   "Links an audiobook to its ebook representations. Any suggestion for the book is resolved and transcription is queued.",
		Tags:          []string{"Mappings"},
		DefaultStatus: http.StatusCreated,
	}, s.handleCreateMapping)

	huma.Register(s.api, huma.Operation{
		OperationID: "updateMapping",
		Method:      http.MethodPatch,
		Path:        "/api/v1/mappings/{bookID}",
		Summary:     "Update a mapping",
		Tags:        []string{"Mappings"},
	}, s.handleUpdateMapping)

	huma.Register(s.api, huma.Operation{
		OperationID:   "deleteMapping",
		Method:        http.MethodDelete,
		Path:          "/api/v1/mappings/{bookID}",
		Summary:       "Delete a mapping",
		Tags:          []string{"Mappings"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteMapping)

	huma.Register(s.api, huma.Operation{
		OperationID: "syncMapping",
		Method:      http.MethodPost,
		Path:        "/api/v1/mappings/{bookID}/sync",
		Summary:     "Queue an instant sync",
		Tags:        []string{"Mappings"},
	}, s.handleSyncMapping)

	huma.Register(s.api, huma.Operation{
		OperationID: "syncAll",
		Method:      http.MethodPost,
		Path:        "/api/v1/sync",
		Summary:     "Queue a sync for every active mapping",
		Tags:        []string{"Mappings"},
	}, s.handleSyncAll)

	huma.Register(s.api, huma.Operation{
		OperationID: "clearProgress",
		Method:      http.MethodPost,
		Path:        "/api/v1/mappings/{bookID}/clear-progress",
		Summary:     "Clear reading progress",
		Description: "Resets the book to 0% on every client and wipes stored positions, including the KoReader document record.",
		Tags:        []string{"Mappings"},
	}, s.handleClearProgress)

	huma.Register(s.api, huma.Operation{
		OperationID: "refreshHash",
		Method:      http.MethodPost,
		Path:        "/api/v1/mappings/{bookID}/refresh-hash",
		Summary:     "Recompute the KOReader document hash",
		Description: "For when the epub file was replaced. The stale document record is purged so the old hash cannot shadow the new one.",
		Tags:        []string{"Mappings"},
	}, s.handleRefreshHash)

	huma.Register(s.api, huma.Operation{
		OperationID: "listMappingStates",
		Method:      http.MethodGet,
		Path:        "/api/v1/mappings/{bookID}/states",
		Summary:     "List stored client positions",
		Tags:        []string{"Mappings"},
	}, s.handleListStates)
}

// === DTOs ===

type bookIDInput struct {
	BookID string `path:"bookID" doc:"Audiobook item ID"`
}

// MappingsOutput wraps the mapping list.
type MappingsOutput struct {
	Body struct {
		Mappings []*domain.Mapping `json:"mappings"`
	}
}

// MappingOutput wraps one mapping.
type MappingOutput struct {
	Body *domain.Mapping
}

// CreateMappingInput is the mapping creation request.
type CreateMappingInput struct {
	Body struct {
		BookID          string  `json:"book_id" minLength:"1" doc:"Audiobook item ID"`
		Title           string  `json:"title" minLength:"1"`
		Author          string  `json:"author,omitempty"`
		SyncMode        string  `json:"sync_mode,omitempty" enum:"audiobook,ebook_only" default:"audiobook"`
		EbookFilename   string  `json:"ebook_filename,omitempty"`
		KosyncDocID     string  `json:"kosync_doc_id,omitempty"`
		StorytellerUUID string  `json:"storyteller_uuid,omitempty"`
		BookloreID      string  `json:"booklore_id,omitempty"`
		HardcoverID     string  `json:"hardcover_id,omitempty"`
		Duration        float64 `json:"duration,omitempty" minimum:"0" doc:"Audiobook length in seconds"`
	}
}

// UpdateMappingInput carries partial mapping changes.
type UpdateMappingInput struct {
	BookID string `path:"bookID"`
	Body   struct {
		Title           *string  `json:"title,omitempty"`
		Author          *string  `json:"author,omitempty"`
		SyncMode        *string  `json:"sync_mode,omitempty" enum:"audiobook,ebook_only"`
		Status          *string  `json:"status,omitempty" enum:"pending,processing,active,failed_retry_later,failed_permanent,disabled"`
		EbookFilename   *string  `json:"ebook_filename,omitempty"`
		KosyncDocID     *string  `json:"kosync_doc_id,omitempty"`
		StorytellerUUID *string  `json:"storyteller_uuid,omitempty"`
		BookloreID      *string  `json:"booklore_id,omitempty"`
		HardcoverID     *string  `json:"hardcover_id,omitempty"`
		Duration        *float64 `json:"duration,omitempty" minimum:"0"`
	}
}

// SyncQueuedOutput reports whether the dispatcher accepted the request.
type SyncQueuedOutput struct {
	Body struct {
		Queued bool `json:"queued" doc:"False when a sync for the book is already waiting"`
	}
}

// SyncAllOutput reports how many cycles were queued.
type SyncAllOutput struct {
	Body struct {
		Queued int `json:"queued"`
	}
}

// ClearProgressOutput wraps the reset summary.
type ClearProgressOutput struct {
	Body *engine.ClearResult
}

// RefreshHashOutput reports the recomputed document hash.
type RefreshHashOutput struct {
	Body struct {
		BookID      string `json:"book_id"`
		KosyncDocID string `json:"kosync_doc_id"`
		Changed     bool   `json:"changed"`
	}
}

// StatesOutput wraps stored client positions.
type StatesOutput struct {
	Body struct {
		States []*domain.ClientState `json:"states"`
	}
}

// === Handlers ===

func (s *Server) handleListMappings(ctx context.Context, _ *struct{}) (*MappingsOutput, error) {
	mappings, err := s.store.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	out := &MappingsOutput{}
	out.Body.Mappings = mappings
	return out, nil
}

func (s *Server) handleGetMapping(ctx context.Context, in *bookIDInput) (*MappingOutput, error) {
	m, err := s.store.GetMapping(ctx, in.BookID)
	if err != nil {
		return nil, err
	}
	return &MappingOutput{Body: m}, nil
}

func (s *Server) handleCreateMapping(ctx context.Context, in *CreateMappingInput) (*MappingOutput, error) {
	mode := domain.SyncMode(in.Body.SyncMode)
	if mode == "" {
		mode = domain.SyncModeAudiobook
	}
	m := &domain.Mapping{
		BookID:          in.Body.BookID,
		Title:           in.Body.Title,
		Author:          in.Body.Author,
		SyncMode:        mode,
		Status:          domain.StatusPending,
		EbookFilename:   in.Body.EbookFilename,
		KosyncDocID:     in.Body.KosyncDocID,
		StorytellerUUID: in.Body.StorytellerUUID,
		BookloreID:      in.Body.BookloreID,
		HardcoverID:     in.Body.HardcoverID,
		Duration:        in.Body.Duration,
	}
	if err := s.store.CreateMapping(ctx, m); err != nil {
		return nil, err
	}

	if err := s.store.DeleteSuggestionsBySource(ctx, m.BookID); err != nil {
		s.log.Warn("resolve suggestions for new mapping", "book", m.BookID, "error", err)
	}
	if s.jobs != nil {
		if err := s.jobs.Enqueue(ctx, m.BookID); err != nil && !errors.Is(err, errors.ErrConflict) {
			s.log.Warn("queue transcription for new mapping", "book", m.BookID, "error", err)
		}
	}
	s.log.Info("mapping created", "book", m.BookID, "title", m.Title, "mode", m.SyncMode)
	return &MappingOutput{Body: m}, nil
}

func (s *Server) handleUpdateMapping(ctx context.Context, in *UpdateMappingInput) (*MappingOutput, error) {
	m, err := s.store.GetMapping(ctx, in.BookID)
	if err != nil {
		return nil, err
	}

	b := in.Body
	if b.Title != nil {
		m.Title = *b.Title
	}
	if b.Author != nil {
		m.Author = *b.Author
	}
	if b.SyncMode != nil {
		m.SyncMode = domain.SyncMode(*b.SyncMode)
	}
	if b.Status != nil {
		m.Status = domain.MappingStatus(*b.Status)
	}
	if b.EbookFilename != nil {
		m.EbookFilename = *b.EbookFilename
	}
	if b.KosyncDocID != nil {
		m.KosyncDocID = *b.KosyncDocID
	}
	if b.StorytellerUUID != nil {
		m.StorytellerUUID = *b.StorytellerUUID
	}
	if b.BookloreID != nil {
		m.BookloreID = *b.BookloreID
	}
	if b.HardcoverID != nil {
		m.HardcoverID = *b.HardcoverID
	}
	if b.Duration != nil {
		m.Duration = *b.Duration
	}

	if err := s.store.UpdateMapping(ctx, m); err != nil {
		return nil, err
	}
	return &MappingOutput{Body: m}, nil
}

func (s *Server) handleDeleteMapping(ctx context.Context, in *bookIDInput) (*struct{}, error) {
	if err := s.store.DeleteMapping(ctx, in.BookID); err != nil {
		return nil, err
	}
	if err := s.library.RemoveArtifacts(in.BookID); err != nil {
		s.log.Warn("removing mapping artifacts", "book", in.BookID, "error", err)
	}
	s.log.Info("mapping deleted", "book", in.BookID)
	return &struct{}{}, nil
}

func (s *Server) handleSyncMapping(ctx context.Context, in *bookIDInput) (*SyncQueuedOutput, error) {
	if _, err := s.store.GetMapping(ctx, in.BookID); err != nil {
		return nil, err
	}
	out := &SyncQueuedOutput{}
	out.Body.Queued = s.dispatcher.Enqueue(in.BookID, true)
	return out, nil
}

func (s *Server) handleSyncAll(ctx context.Context, _ *struct{}) (*SyncAllOutput, error) {
	mappings, err := s.store.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	out := &SyncAllOutput{}
	for _, m := range mappings {
		if m.Syncable() && s.dispatcher.Enqueue(m.BookID, false) {
			out.Body.Queued++
		}
	}
	return out, nil
}

func (s *Server) handleClearProgress(ctx context.Context, in *bookIDInput) (*ClearProgressOutput, error) {
	res, err := s.clearer.ClearProgress(ctx, in.BookID)
	if err != nil {
		return nil, err
	}
	return &ClearProgressOutput{Body: res}, nil
}

func (s *Server) handleRefreshHash(ctx context.Context, in *bookIDInput) (*RefreshHashOutput, error) {
	m, err := s.store.GetMapping(ctx, in.BookID)
	if err != nil {
		return nil, err
	}
	hash, err := s.library.RefreshHash(ctx, m)
	if err != nil {
		return nil, err
	}

	out := &RefreshHashOutput{}
	out.Body.BookID = m.BookID
	out.Body.KosyncDocID = hash
	if hash == m.KosyncDocID {
		return out, nil
	}

	if s.purger != nil && m.KosyncDocID != "" {
		if err := s.purger.PurgeDocument(ctx, m.KosyncDocID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			s.log.Warn("purge stale kosync document", "book", m.BookID, "error", err)
		}
	}
	m.KosyncDocID = hash
	if err := s.store.UpdateMapping(ctx, m); err != nil {
		return nil, err
	}
	out.Body.Changed = true
	s.log.Info("kosync document hash refreshed", "book", m.BookID)
	return out, nil
}

func (s *Server) handleListStates(ctx context.Context, in *bookIDInput) (*StatesOutput, error) {
	if _, err := s.store.GetMapping(ctx, in.BookID); err != nil {
		return nil, err
	}
	states, err := s.store.ListStates(ctx, in.BookID)
	if err != nil {
		return nil, err
	}
	out := &StatesOutput{}
	out.Body.States = states
	return out, nil
}
