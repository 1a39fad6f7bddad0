package events

import (
	"context"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/id"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

const (
	queueDepth        = 256
	clientBuffer      = 64
	heartbeatInterval = 30 * time.Second
)

// Client is one connected event stream.
type Client struct {
	ID          string
	EventChan   chan Event
	Done        chan struct{}
	ConnectedAt time.Time
}

// Manager fans events out to connected clients. Slow clients lose events
// rather than stalling the broadcast loop.
type Manager struct {
	events chan Event
	log    *logger.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewManager creates the broadcast manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		events:  make(chan Event, queueDepth),
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Run broadcasts queued events and heartbeats until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.events:
			m.broadcast(ev)
		case <-ticker.C:
			m.broadcast(New(EventHeartbeat, nil))
		case <-ctx.Done():
			m.closeAll()
			return
		}
	}
}

// Emit queues an event for broadcast. Full queue drops the event.
func (m *Manager) Emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event queue full, dropping", "type", ev.Type)
	}
}

func (m *Manager) broadcast(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		select {
		case c.EventChan <- ev:
		default:
			if ev.Type != EventHeartbeat {
				m.log.Warn("dropping event for slow client", "client", c.ID, "type", ev.Type)
			}
		}
	}
}

// Connect registers a new stream.
func (m *Manager) Connect() (*Client, error) {
	clientID, err := id.Generate("evt")
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:          clientID,
		EventChan:   make(chan Event, clientBuffer),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(c.Done)
		return c, nil
	}
	m.clients[c.ID] = c
	n := len(m.clients)
	m.mu.Unlock()

	m.log.Debug("event client connected", "client", c.ID, "total", n)
	return c, nil
}

// Disconnect removes a stream and closes its channels.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(c.Done)
	m.log.Debug("event client disconnected", "client", c.ID,
		"duration", time.Since(c.ConnectedAt))
}

// ClientCount returns how many streams are connected.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, c := range m.clients {
		close(c.Done)
	}
	m.clients = make(map[string]*Client)
}
