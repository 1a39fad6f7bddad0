// Package store defines the persistence interface for the sync bridge.
package store

import (
	"context"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

// Store defines the interface for all persistence operations.
type Store interface {
	// Lifecycle
	Close() error

	// Mappings
	CreateMapping(ctx context.Context, m *domain.Mapping) error
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
	UpdateMapping(ctx context.Context, m *domain.Mapping) error
	DeleteMapping(ctx context.Context, bookID string) error
	ListMappings(ctx context.Context) ([]*domain.Mapping, error)
	ListMappingsByStatus(ctx context.Context, status domain.MappingStatus) ([]*domain.Mapping, error)
	FindMappingByKosyncDoc(ctx context.Context, docID string) (*domain.Mapping, error)

	// Client states
	GetState(ctx context.Context, bookID string, client domain.ClientName) (*domain.ClientState, error)
	ListStates(ctx context.Context, bookID string) ([]*domain.ClientState, error)
	UpsertState(ctx context.Context, s *domain.ClientState) error
	DeleteStates(ctx context.Context, bookID string) error
	ResetStates(ctx context.Context, bookID string) error

	// Transcription jobs
	CreateJob(ctx context.Context, j *domain.TranscriptionJob) error
	GetJob(ctx context.Context, id string) (*domain.TranscriptionJob, error)
	GetJobByBook(ctx context.Context, bookID string) (*domain.TranscriptionJob, error)
	UpdateJob(ctx context.Context, j *domain.TranscriptionJob) error
	ListJobs(ctx context.Context) ([]*domain.TranscriptionJob, error)
	ListJobsByState(ctx context.Context, state domain.JobState) ([]*domain.TranscriptionJob, error)

	// Suggestions
	SaveSuggestion(ctx context.Context, s *domain.Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error)
	GetSuggestionBySource(ctx context.Context, sourceID string) (*domain.Suggestion, error)
	ListSuggestions(ctx context.Context, disposition domain.SuggestionDisposition) ([]*domain.Suggestion, error)
	SetSuggestionDisposition(ctx context.Context, id string, d domain.SuggestionDisposition) error
	DeleteSuggestionsBySource(ctx context.Context, sourceID string) error

	// Settings
	InstanceID(ctx context.Context) (string, error)
	GetSetting(ctx context.Context, key string) (string, error)
	AllSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}
