package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// ABS talks to an Audiobookshelf server. It is the audio-coordinate
// client: positions are seconds into the book.
type ABS struct {
	cfg         config.ABSConfig
	http        *http.Client
	log         *logger.Logger
	transcripts TranscriptSource
}

// NewABS creates the Audiobookshelf adapter.
func NewABS(cfg config.ABSConfig, transcripts TranscriptSource, log *logger.Logger) *ABS {
	return &ABS{
		cfg:         cfg,
		http:        newHTTPClient(),
		log:         log,
		transcripts: transcripts,
	}
}

func (a *ABS) Name() domain.ClientName { return domain.ClientABS }
func (a *ABS) IsConfigured() bool      { return a.cfg.Configured() }
func (a *ABS) CanLead() bool           { return true }

func (a *ABS) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook}
}

func (a *ABS) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.Token}
}

// CheckConnection verifies the token against /api/me.
func (a *ABS) CheckConnection(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	if _, err := doJSON(ctx, a.http, http.MethodGet, a.cfg.URL+"/api/me", a.headers(), nil, &me); err != nil {
		return err
	}
	a.log.Debug("audiobookshelf connection ok", "user", me.Username)
	return nil
}

// absProgress is the media-progress shape shared by the single and bulk
// endpoints.
type absProgress struct {
	LibraryItemID string  `json:"libraryItemId"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	Progress      float64 `json:"progress"`
	IsFinished    bool    `json:"isFinished"`
	LastUpdate    int64   `json:"lastUpdate"` // ms since epoch
}

// FetchBulk grabs all in-progress items in one call. Older servers lack
// /api/me/progress; fall back to the media progress list on /api/me.
func (a *ABS) FetchBulk(ctx context.Context) (Bulk, error) {
	var list struct {
		Items []absProgress `json:"libraryItemsInProgress"`
	}
	_, err := doJSON(ctx, a.http, http.MethodGet, a.cfg.URL+"/api/me/progress", a.headers(), nil, &list)
	if err != nil && errors.Is(err, errors.ErrNotFound) {
		var me struct {
			MediaProgress []absProgress `json:"mediaProgress"`
		}
		if _, err := doJSON(ctx, a.http, http.MethodGet, a.cfg.URL+"/api/me", a.headers(), nil, &me); err != nil {
			return nil, err
		}
		list.Items = me.MediaProgress
	} else if err != nil {
		return nil, err
	}

	byItem := make(map[string]absProgress, len(list.Items))
	for _, p := range list.Items {
		if p.LibraryItemID != "" {
			byItem[p.LibraryItemID] = p
		}
	}
	return byItem, nil
}

func (a *ABS) FetchState(ctx context.Context, m *domain.Mapping, _ *domain.ClientState, bulk Bulk) (*domain.ClientState, error) {
	itemID := m.ExternalID(domain.ClientABS)
	if itemID == "" {
		return nil, nil
	}

	var p absProgress
	if byItem, ok := bulk.(map[string]absProgress); ok {
		cached, found := byItem[itemID]
		if !found {
			return nil, nil
		}
		p = cached
	} else {
		url := fmt.Sprintf("%s/api/me/progress/%s", a.cfg.URL, itemID)
		_, err := doJSON(ctx, a.http, http.MethodGet, url, a.headers(), nil, &p)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	return &domain.ClientState{
		BookID:      m.BookID,
		Client:      domain.ClientABS,
		LastUpdated: float64(p.LastUpdate) / 1000,
		Locator:     domain.NewAudioLocator(p.CurrentTime, p.Duration),
	}, nil
}

// Update writes a timestamp through the session flow: open a play
// session, sync it, close it. timeListened is the forward distance from
// the previous known position, never negative.
func (a *ABS) Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error) {
	if req.Locator.Kind != domain.LocatorAudio || req.Locator.Audio == nil {
		return nil, errors.InvalidData("abs update requires an audio locator")
	}
	itemID := m.ExternalID(domain.ClientABS)
	if itemID == "" {
		return nil, errors.NotConfigured("mapping has no abs item id")
	}

	ts := req.Locator.Audio.Timestamp
	var listened float64
	if req.Previous != nil && req.Previous.Locator.Audio != nil {
		listened = ts - req.Previous.Locator.Audio.Timestamp
	}
	if listened < 0 {
		listened = 0
	}

	sessionID, err := a.openSession(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer a.closeSession(sessionID)

	payload := map[string]float64{"currentTime": ts, "timeListened": listened}
	url := fmt.Sprintf("%s/api/session/%s/sync", a.cfg.URL, sessionID)
	if _, err := doJSON(ctx, a.http, http.MethodPost, url, a.headers(), payload, nil); err != nil {
		return nil, err
	}

	pct := 0.0
	if d := req.Locator.Audio.Duration; d > 0 {
		pct = ts / d
	}
	return &UpdateResult{Pct: pct, Locator: req.Locator}, nil
}

func (a *ABS) openSession(ctx context.Context, itemID string) (string, error) {
	payload := map[string]any{
		"deviceInfo": map[string]string{
			"id":         "shelfsync",
			"deviceId":   "shelfsync",
			"clientName": "ShelfSync",
		},
		"mediaPlayer":        "ShelfSync",
		"supportedMimeTypes": []string{"audio/mpeg", "audio/mp4"},
		"forceDirectPlay":    true,
	}
	var session struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/api/items/%s/play", a.cfg.URL, itemID)
	if _, err := doJSON(ctx, a.http, http.MethodPost, url, a.headers(), payload, &session); err != nil {
		return "", err
	}
	if session.ID == "" {
		return "", errors.InvalidData("abs play response has no session id")
	}
	return session.ID, nil
}

// closeSession is best-effort; a leaked session expires server-side.
func (a *ABS) closeSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("%s/api/session/%s/close", a.cfg.URL, sessionID)
	if _, err := doJSON(ctx, a.http, http.MethodPost, url, a.headers(), nil, nil); err != nil {
		a.log.Debug("abs session close failed", "session", sessionID, "error", err)
	}
}

// TextAt slices the transcript around the state's timestamp.
func (a *ABS) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	if state == nil || state.Locator.Audio == nil || a.transcripts == nil {
		return "", nil
	}
	tokens, err := a.transcripts.Tokens(ctx, m.BookID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return align.SnippetAt(tokens, state.Locator.Audio.Timestamp), nil
}

// InProgressItem is one listening-in-progress entry, used to suggest new
// mappings.
type InProgressItem struct {
	ID       string
	Title    string
	Author   string
	Progress float64
	Duration float64
}

// InProgress lists unfinished audiobooks above a minimum progress.
func (a *ABS) InProgress(ctx context.Context, minProgress float64) ([]InProgressItem, error) {
	var list struct {
		Items []struct {
			absProgress
			MediaType string `json:"mediaType"`
			Metadata  struct {
				Title      string `json:"title"`
				AuthorName string `json:"authorName"`
			} `json:"metadata"`
		} `json:"libraryItemsInProgress"`
	}
	if _, err := doJSON(ctx, a.http, http.MethodGet, a.cfg.URL+"/api/me/progress", a.headers(), nil, &list); err != nil {
		return nil, err
	}

	var items []InProgressItem
	for _, it := range list.Items {
		if it.MediaType != "" && it.MediaType != "audiobook" {
			continue
		}
		if it.Duration <= 0 || it.IsFinished {
			continue
		}
		pct := it.CurrentTime / it.Duration
		if pct < minProgress {
			continue
		}
		items = append(items, InProgressItem{
			ID:       it.LibraryItemID,
			Title:    it.Metadata.Title,
			Author:   it.Metadata.AuthorName,
			Progress: pct,
			Duration: it.Duration,
		})
	}
	return items, nil
}

// AudioFile is one downloadable audio track of an item.
type AudioFile struct {
	Ino string
	Ext string
}

// AudioFiles lists an item's tracks in play order, for transcription.
func (a *ABS) AudioFiles(ctx context.Context, itemID string) ([]AudioFile, error) {
	var item struct {
		Media struct {
			AudioFiles []struct {
				Ino   string `json:"ino"`
				Ext   string `json:"ext"`
				Disc  int    `json:"disc"`
				Track int    `json:"track"`
			} `json:"audioFiles"`
		} `json:"media"`
	}
	url := fmt.Sprintf("%s/api/items/%s", a.cfg.URL, itemID)
	if _, err := doJSON(ctx, a.http, http.MethodGet, url, a.headers(), nil, &item); err != nil {
		return nil, err
	}

	files := make([]AudioFile, 0, len(item.Media.AudioFiles))
	for _, af := range item.Media.AudioFiles {
		files = append(files, AudioFile{Ino: af.Ino, Ext: af.Ext})
	}
	return files, nil
}

// DownloadFile streams one file of an item to dest.
func (a *ABS) DownloadFile(ctx context.Context, itemID, ino, dest string) error {
	url := fmt.Sprintf("%s/api/items/%s/file/%s", a.cfg.URL, itemID, ino)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindFatal, "create download request")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	// Audio files are large; the shared 20s deadline does not apply.
	hc := &http.Client{}
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "download audio")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.New(http.StatusText(resp.StatusCode)),
			errors.FromHTTPStatus(resp.StatusCode), "download %s: status %d", ino, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, errors.KindFatal, "create audio file")
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return errors.Wrap(err, errors.KindTransient, "write audio file")
	}
	return f.Sync()
}
