package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// MappingGetter resolves a book ID to its mapping, if one exists.
type MappingGetter interface {
	GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error)
}

// Listener maintains a Socket.IO connection to the audiobook server and
// turns user_item_progress_updated events into debounced sync requests.
// Events for books without a mapping go to the suggest hook instead.
type Listener struct {
	cfg      config.ABSConfig
	store    MappingGetter
	debounce *Debouncer
	suggest  func(bookID string)
	log      *logger.Logger
}

// NewListener creates the event listener. suggest may be nil.
func NewListener(cfg config.ABSConfig, store MappingGetter, debounce *Debouncer,
	suggest func(bookID string), log *logger.Logger) *Listener {
	return &Listener{cfg: cfg, store: store, debounce: debounce, suggest: suggest, log: log}
}

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 60 * time.Second
)

// Run connects and listens until the context ends. Transient connection
// failures reconnect with backoff. An authentication rejection returns an
// unauthorized error so the caller can fall back to tick-only scheduling.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && errors.KindOf(err) == errors.KindUnauthorized {
			l.log.Warn("event stream rejected credentials, falling back to periodic sync", "error", err)
			return err
		}
		if err != nil {
			l.log.Debug("event stream disconnected", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	endpoint, err := socketURL(l.cfg.URL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "dial event stream")
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return errors.Wrap(err, errors.KindTransient, "read event stream")
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		switch data[0] {
		case '0': // engine.io open, join the default namespace
			if err := conn.Write(ctx, websocket.MessageText, []byte("40")); err != nil {
				return errors.Wrap(err, errors.KindTransient, "join namespace")
			}
		case '2': // engine.io ping
			if err := conn.Write(ctx, websocket.MessageText, []byte("3")); err != nil {
				return errors.Wrap(err, errors.KindTransient, "pong")
			}
		case '4': // socket.io packet
			if err := l.handlePacket(ctx, conn, data[1:]); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) handlePacket(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	switch payload[0] {
	case '0': // namespace connected, authenticate
		auth, err := json.Marshal([]any{"auth", l.cfg.Token})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, append([]byte("42"), auth...)); err != nil {
			return errors.Wrap(err, errors.KindTransient, "send auth")
		}
	case '2': // event
		var event []json.RawMessage
		if err := json.Unmarshal(payload[1:], &event); err != nil || len(event) == 0 {
			return nil
		}
		var name string
		if err := json.Unmarshal(event[0], &name); err != nil {
			return nil
		}
		switch name {
		case "init":
			l.log.Info("event stream connected and authenticated")
		case "auth_failed":
			return errors.Unauthorized("event stream auth rejected")
		case "user_item_progress_updated":
			if len(event) > 1 {
				l.handleProgress(ctx, event[1])
			}
		}
	}
	return nil
}

// progressEvent mirrors the wire shape of a progress update. The book ID
// lives in the nested data object on current servers, top level on older
// ones.
type progressEvent struct {
	LibraryItemID string `json:"libraryItemId"`
	MediaItemID   string `json:"mediaItemId"`
	Data          struct {
		LibraryItemID string `json:"libraryItemId"`
		MediaItemID   string `json:"mediaItemId"`
	} `json:"data"`
}

func (e progressEvent) bookID() string {
	for _, id := range []string{e.Data.LibraryItemID, e.Data.MediaItemID, e.LibraryItemID, e.MediaItemID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (l *Listener) handleProgress(ctx context.Context, raw json.RawMessage) {
	var ev progressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	bookID := ev.bookID()
	if bookID == "" {
		l.log.Debug("progress event without an item id, ignoring")
		return
	}
	m, err := l.store.GetMapping(ctx, bookID)
	if errors.Is(err, errors.ErrNotFound) {
		if l.suggest != nil {
			l.log.Debug("progress event for unmapped book", "book", bookID)
			l.suggest(bookID)
		}
		return
	}
	if err != nil {
		l.log.Warn("progress event lookup failed", "book", bookID, "error", err)
		return
	}
	if !m.Syncable() {
		return
	}
	l.debounce.Trigger(bookID)
}

// socketURL turns the configured server URL into the websocket endpoint.
func socketURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", errors.Wrapf(err, errors.KindInvalidData, "parse server url %q", server)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.InvalidData(fmt.Sprintf("unsupported server url scheme %q", u.Scheme))
	}
	u.Path += "/socket.io/"
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}
