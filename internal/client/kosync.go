package client

import (
	"context"
	"crypto/md5" //nolint:gosec // the kosync protocol authenticates with md5 keys
	"encoding/hex"
	"net/http"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// kosyncAccept is the media type KOReader sends; some servers require it
// on every request, healthcheck included.
const kosyncAccept = "application/vnd.koreader.v1+json"

// KoSync talks to a remote KoSync-compatible progress server. When no
// remote server is configured the bridge serves the protocol itself and
// this adapter stays out of the registry.
type KoSync struct {
	cfg   config.KoSyncConfig
	http  *http.Client
	log   *logger.Logger
	books BookOpener
	key   string // md5 of the password, per protocol
}

// NewKoSync creates the remote KoSync adapter.
func NewKoSync(cfg config.KoSyncConfig, books BookOpener, log *logger.Logger) *KoSync {
	sum := md5.Sum([]byte(cfg.Password)) //nolint:gosec
	return &KoSync{
		cfg:   cfg,
		http:  newHTTPClient(),
		log:   log,
		books: books,
		key:   hex.EncodeToString(sum[:]),
	}
}

func (k *KoSync) Name() domain.ClientName { return domain.ClientKoSync }
func (k *KoSync) IsConfigured() bool      { return k.cfg.Configured() && k.cfg.Username != "" }
func (k *KoSync) CanLead() bool           { return true }

func (k *KoSync) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

func (k *KoSync) headers() map[string]string {
	return map[string]string{
		"x-auth-user": k.cfg.Username,
		"x-auth-key":  k.key,
		"Accept":      kosyncAccept,
	}
}

func (k *KoSync) CheckConnection(ctx context.Context) error {
	_, err := doJSON(ctx, k.http, http.MethodGet, k.cfg.URL+"/healthcheck", k.headers(), nil, nil)
	return err
}

// FetchBulk is unsupported; the protocol has no listing endpoint.
func (k *KoSync) FetchBulk(_ context.Context) (Bulk, error) { return nil, nil }

// kosyncProgress is the wire document of the protocol. progress carries
// the reader's xpath string; percentage is the authoritative position.
type kosyncProgress struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

func (k *KoSync) FetchState(ctx context.Context, m *domain.Mapping, _ *domain.ClientState, _ Bulk) (*domain.ClientState, error) {
	docID := m.ExternalID(domain.ClientKoSync)
	if docID == "" {
		return nil, nil
	}

	var p kosyncProgress
	_, err := doJSON(ctx, k.http, http.MethodGet, k.cfg.URL+"/syncs/progress/"+docID, k.headers(), nil, &p)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := domain.TextPosition{Percentage: p.Percentage, XPath: p.Progress}
	return &domain.ClientState{
		BookID:      m.BookID,
		Client:      domain.ClientKoSync,
		LastUpdated: float64(p.Timestamp),
		DeviceID:    p.DeviceID,
		Locator:     domain.Locator{Kind: domain.LocatorText, Text: &pos},
	}, nil
}

func (k *KoSync) Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error) {
	if req.Locator.Kind != domain.LocatorText || req.Locator.Text == nil {
		return nil, errors.InvalidData("kosync update requires a text locator")
	}
	docID := m.ExternalID(domain.ClientKoSync)
	if docID == "" {
		return nil, errors.NotConfigured("mapping has no kosync document id")
	}

	payload := kosyncProgress{
		Document:   docID,
		Progress:   req.Locator.Text.XPath,
		Percentage: req.Locator.Text.Percentage,
		Device:     "shelfsync",
		DeviceID:   "shelfsync",
		Timestamp:  time.Now().Unix(),
	}
	if _, err := doJSON(ctx, k.http, http.MethodPut, k.cfg.URL+"/syncs/progress", k.headers(), payload, nil); err != nil {
		return nil, err
	}
	return &UpdateResult{Pct: req.Locator.Text.Percentage, Locator: req.Locator}, nil
}

// TextAt reads the page under the state's percentage from our own copy of
// the ebook.
func (k *KoSync) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	return textAtPct(ctx, k.books, m, state)
}

// textAtPct is the shared text extraction for percentage-reporting ebook
// clients.
func textAtPct(ctx context.Context, books BookOpener, m *domain.Mapping, state *domain.ClientState) (string, error) {
	if state == nil || state.Locator.Text == nil || books == nil {
		return "", nil
	}
	book, err := books.Open(ctx, m)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return book.TextAt(state.Locator.Text.Percentage), nil
}
