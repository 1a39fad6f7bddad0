// Package api serves the admin HTTP surface: mapping management,
// suggestions, transcription jobs, library operations, bridge status and
// the event stream.
package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/engine"
	"github.com/shelfsync/shelfsync-server/internal/events"
	"github.com/shelfsync/shelfsync-server/internal/library"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Store is the persistence the admin surface needs.
type Store interface {
	InstanceID(ctx context.Context) (string, error)
	CreateMapping(ctx context.Context, m *domain.Mapping) error
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
	UpdateMapping(ctx context.Context, m *domain.Mapping) error
	DeleteMapping(ctx context.Context, bookID string) error
	ListMappings(ctx context.Context) ([]*domain.Mapping, error)
	ListStates(ctx context.Context, bookID string) ([]*domain.ClientState, error)
	GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error)
	ListSuggestions(ctx context.Context, d domain.SuggestionDisposition) ([]*domain.Suggestion, error)
	SetSuggestionDisposition(ctx context.Context, id string, d domain.SuggestionDisposition) error
	DeleteSuggestionsBySource(ctx context.Context, sourceID string) error
	GetJob(ctx context.Context, id string) (*domain.TranscriptionJob, error)
	ListJobs(ctx context.Context) ([]*domain.TranscriptionJob, error)
}

// Dispatcher coalesces sync requests.
type Dispatcher interface {
	Enqueue(bookID string, force bool) bool
}

// ProgressClearer resets a book's positions everywhere.
type ProgressClearer interface {
	ClearProgress(ctx context.Context, bookID string) (*engine.ClearResult, error)
}

// JobQueue accepts transcription work.
type JobQueue interface {
	Enqueue(ctx context.Context, bookID string) error
}

// SuggestScanner runs a suggestion sweep on demand.
type SuggestScanner interface {
	Scan(ctx context.Context) error
}

// Library is the ebook collection surface the handlers use.
type Library interface {
	Scan(ctx context.Context) (library.ScanStats, error)
	Find(ctx context.Context, title, author string) ([]domain.SuggestionMatch, error)
	IndexedCount() int
	RefreshHash(ctx context.Context, m *domain.Mapping) (string, error)
	RemoveArtifacts(bookID string) error
}

// DocPurger drops a KoReader document record, for hash refreshes.
type DocPurger interface {
	PurgeDocument(ctx context.Context, docID string) error
}

// Server wires the admin handlers. Optional dependencies may be nil;
// their operations answer 412 NOT_CONFIGURED.
type Server struct {
	store       Store
	dispatcher  Dispatcher
	clearer     ProgressClearer
	jobs        JobQueue // may be nil
	suggestions SuggestScanner
	library     Library
	purger      DocPurger // may be nil
	events      *events.Manager
	router      *chi.Mux
	api         huma.API
	log         *logger.Logger
}

// NewServer builds the admin HTTP server with all routes registered.
func NewServer(store Store, dispatcher Dispatcher, clearer ProgressClearer,
	jobs JobQueue, suggestions SuggestScanner, lib Library, purger DocPurger,
	ev *events.Manager, log *logger.Logger) *Server {
	s := &Server{
		store:       store,
		dispatcher:  dispatcher,
		clearer:     clearer,
		jobs:        jobs,
		suggestions: suggestions,
		library:     lib,
		purger:      purger,
		events:      ev,
		router:      chi.NewRouter(),
		log:         log,
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	config := huma.DefaultConfig("ShelfSync Bridge API", "1.0.0")
	s.api = humachi.New(s.router, config)
	RegisterErrorHandler()

	s.registerStatusRoutes()
	s.registerMappingRoutes()
	s.registerSuggestionRoutes()
	s.registerJobRoutes()
	s.registerLibraryRoutes()

	// SSE bypasses huma, which buffers responses.
	s.router.Get("/api/v1/events", events.NewHandler(ev, log).ServeHTTP)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
