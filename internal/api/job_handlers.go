package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

func (s *Server) registerJobRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listJobs",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs",
		Summary:     "List transcription jobs",
		Tags:        []string{"Jobs"},
	}, s.handleListJobs)

	huma.Register(s.api, huma.Operation{
		OperationID: "getJob",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get a transcription job",
		Tags:        []string{"Jobs"},
	}, s.handleGetJob)

	huma.Register(s.api, huma.Operation{
		OperationID:   "enqueueJob",
		Method:        http.MethodPost,
		Path:          "/api/v1/mappings/{bookID}/transcribe",
		Summary:       "Queue transcription for a book",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, s.handleEnqueueJob)
}

// JobsOutput wraps the job list.
type JobsOutput struct {
	Body struct {
		Jobs []*domain.TranscriptionJob `json:"jobs"`
	}
}

type jobIDInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// JobOutput wraps one job.
type JobOutput struct {
	Body *domain.TranscriptionJob
}

func (s *Server) handleListJobs(ctx context.Context, _ *struct{}) (*JobsOutput, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := &JobsOutput{}
	out.Body.Jobs = jobs
	return out, nil
}

func (s *Server) handleGetJob(ctx context.Context, in *jobIDInput) (*JobOutput, error) {
	job, err := s.store.GetJob(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return &JobOutput{Body: job}, nil
}

func (s *Server) handleEnqueueJob(ctx context.Context, in *bookIDInput) (*struct{}, error) {
	if s.jobs == nil {
		return nil, errors.NotConfigured("transcription is not configured")
	}
	if _, err := s.store.GetMapping(ctx, in.BookID); err != nil {
		return nil, err
	}
	if err := s.jobs.Enqueue(ctx, in.BookID); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}
