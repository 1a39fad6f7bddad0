package events

import (
	"encoding/json/v2"
	"fmt"
	"net/http"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Handler streams events to one HTTP client as Server-Sent Events.
type Handler struct {
	manager *Manager
	log     *logger.Logger
}

// NewHandler creates the SSE handler.
func NewHandler(manager *Manager, log *logger.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	client, err := h.manager.Connect()
	if err != nil {
		http.Error(w, "failed to establish stream", http.StatusInternalServerError)
		return
	}
	defer h.manager.Disconnect(client.ID)

	if err := h.send(w, rc, Event{
		Type:      "connected",
		Timestamp: time.Now(),
		Data:      map[string]string{"client_id": client.ID},
	}); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case ev := <-client.EventChan:
			if err := h.send(w, rc, ev); err != nil {
				return
			}
		case <-client.Done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) send(w http.ResponseWriter, rc *http.ResponseController, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	// Reset the keepalive deadline after each successful write.
	if err := rc.SetWriteDeadline(time.Now().Add(60 * time.Second)); err != nil {
		h.log.Debug("set write deadline", "error", err)
	}
	return nil
}
