package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

func (s *Server) registerStatusRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
		Tags:        []string{"Status"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Bridge status overview",
		Tags:        []string{"Status"},
	}, s.handleStatus)
}

// HealthOutput is the liveness payload.
type HealthOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// BridgeStatus summarizes the bridge for dashboards.
type BridgeStatus struct {
	InstanceID         string         `json:"instance_id" doc:"Stable identity minted on first boot"`
	Mappings           map[string]int `json:"mappings" doc:"Mapping counts keyed by status"`
	PendingSuggestions int            `json:"pending_suggestions"`
	Jobs               map[string]int `json:"jobs" doc:"Transcription job counts keyed by state"`
	IndexedEbooks      int            `json:"indexed_ebooks"`
	EventClients       int            `json:"event_clients"`
}

// StatusOutput wraps the bridge status.
type StatusOutput struct {
	Body BridgeStatus
}

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	return out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	instanceID, err := s.store.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	mappings, err := s.store.ListMappings(ctx)
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int)
	for _, m := range mappings {
		byStatus[string(m.Status)]++
	}

	pending, err := s.store.ListSuggestions(ctx, domain.SuggestionPending)
	if err != nil {
		return nil, err
	}

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	byState := make(map[string]int)
	for _, j := range jobs {
		byState[string(j.State)]++
	}

	return &StatusOutput{Body: BridgeStatus{
		InstanceID:         instanceID,
		Mappings:           byStatus,
		PendingSuggestions: len(pending),
		Jobs:               byState,
		IndexedEbooks:      s.library.IndexedCount(),
		EventClients:       s.events.ClientCount(),
	}}, nil
}
