package client

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Booklore talks to a Booklore server. Auth is a JWT from the login
// endpoint, refreshed on 401.
type Booklore struct {
	cfg   config.BookloreConfig
	http  *http.Client
	log   *logger.Logger
	books BookOpener

	mu    sync.Mutex
	token string
}

// NewBooklore creates the Booklore adapter.
func NewBooklore(cfg config.BookloreConfig, books BookOpener, log *logger.Logger) *Booklore {
	return &Booklore{cfg: cfg, http: newHTTPClient(), log: log, books: books}
}

func (b *Booklore) Name() domain.ClientName { return domain.ClientBooklore }
func (b *Booklore) IsConfigured() bool      { return b.cfg.Configured() }
func (b *Booklore) CanLead() bool           { return true }

func (b *Booklore) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

func (b *Booklore) login(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" {
		return b.token, nil
	}

	payload := map[string]string{"username": b.cfg.Username, "password": b.cfg.Password}
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	if _, err := doJSON(ctx, b.http, http.MethodPost, b.cfg.URL+"/api/v1/auth/login", nil, payload, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.Unauthorized("booklore login returned no token")
	}
	b.token = resp.AccessToken
	return b.token, nil
}

func (b *Booklore) dropToken() {
	b.mu.Lock()
	b.token = ""
	b.mu.Unlock()
}

// do runs one authenticated request, retrying once after a token refresh
// when the server rejects the JWT.
func (b *Booklore) do(ctx context.Context, method, url string, in, out any) error {
	token, err := b.login(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	_, err = doJSON(ctx, b.http, method, url, headers, in, out)
	if err != nil && errors.Is(err, errors.ErrUnauthorized) {
		b.dropToken()
		token, err = b.login(ctx)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
		_, err = doJSON(ctx, b.http, method, url, headers, in, out)
	}
	return err
}

func (b *Booklore) CheckConnection(ctx context.Context) error {
	_, err := b.login(ctx)
	return err
}

type bookloreBook struct {
	ID           int     `json:"id"`
	FileName     string  `json:"fileName"`
	EpubProgress *struct {
		Percentage float64 `json:"percentage"` // 0-100 on the wire
	} `json:"epubProgress"`
	LastReadTime string `json:"lastReadTime"`
}

// FetchBulk lists all books with their progress in one call.
func (b *Booklore) FetchBulk(ctx context.Context) (Bulk, error) {
	var books []bookloreBook
	if err := b.do(ctx, http.MethodGet, b.cfg.URL+"/api/v1/books", nil, &books); err != nil {
		return nil, err
	}
	byID := make(map[string]bookloreBook, len(books))
	for _, bk := range books {
		byID[strconv.Itoa(bk.ID)] = bk
	}
	return byID, nil
}

func (b *Booklore) FetchState(ctx context.Context, m *domain.Mapping, _ *domain.ClientState, bulk Bulk) (*domain.ClientState, error) {
	id := m.ExternalID(domain.ClientBooklore)
	if id == "" {
		return nil, nil
	}

	var bk bookloreBook
	if byID, ok := bulk.(map[string]bookloreBook); ok {
		cached, found := byID[id]
		if !found {
			return nil, nil
		}
		bk = cached
	} else {
		err := b.do(ctx, http.MethodGet, b.cfg.URL+"/api/v1/books/"+id, nil, &bk)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if bk.EpubProgress == nil {
		return nil, nil
	}
	return &domain.ClientState{
		BookID:  m.BookID,
		Client:  domain.ClientBooklore,
		Locator: domain.NewTextLocator(bk.EpubProgress.Percentage / 100),
	}, nil
}

func (b *Booklore) Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error) {
	if req.Locator.Kind != domain.LocatorText || req.Locator.Text == nil {
		return nil, errors.InvalidData("booklore update requires a text locator")
	}
	id := m.ExternalID(domain.ClientBooklore)
	if id == "" {
		return nil, errors.NotConfigured("mapping has no booklore id")
	}
	bookID, err := strconv.Atoi(id)
	if err != nil {
		return nil, errors.InvalidDataf("booklore id %q is not numeric", id)
	}

	progress := map[string]any{"percentage": req.Locator.Text.Percentage * 100}
	if cfi := req.Locator.Text.CFI; cfi != "" {
		progress["cfi"] = cfi
	}
	payload := map[string]any{"bookId": bookID, "epubProgress": progress}
	if err := b.do(ctx, http.MethodPost, b.cfg.URL+"/api/v1/books/progress", payload, nil); err != nil {
		return nil, err
	}
	return &UpdateResult{Pct: req.Locator.Text.Percentage, Locator: req.Locator}, nil
}

func (b *Booklore) TextAt(ctx context.Context, m *domain.Mapping, state *domain.ClientState) (string, error) {
	return textAtPct(ctx, b.books, m, state)
}

// DownloadEpub fetches the ebook file for local parsing.
func (b *Booklore) DownloadEpub(ctx context.Context, bookloreID, dest string) error {
	token, err := b.login(ctx)
	if err != nil {
		return err
	}

	url := b.cfg.URL + "/api/v1/books/" + bookloreID + "/download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindFatal, "create download request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "download epub")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.New(http.StatusText(resp.StatusCode)),
			errors.FromHTTPStatus(resp.StatusCode), "download book %s: status %d", bookloreID, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, errors.KindFatal, "create epub file")
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return errors.Wrap(err, errors.KindTransient, "write epub file")
	}
	return f.Sync()
}

// BookloreMatch is one search hit from the Booklore catalog.
type BookloreMatch struct {
	ID       string
	FileName string
	Title    string
	Author   string
}

// Search lists epubs whose title, author or filename contains the term.
// The server has no search endpoint, so matching happens client-side over
// the full book list.
func (b *Booklore) Search(ctx context.Context, term string) ([]BookloreMatch, error) {
	var books []struct {
		ID       int    `json:"id"`
		FileName string `json:"fileName"`
		Title    string `json:"title"`
		Metadata *struct {
			Title   string   `json:"title"`
			Authors []string `json:"authors"`
		} `json:"metadata"`
	}
	if err := b.do(ctx, http.MethodGet, b.cfg.URL+"/api/v1/books", nil, &books); err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(term))
	var out []BookloreMatch
	for _, bk := range books {
		if !strings.HasSuffix(strings.ToLower(bk.FileName), ".epub") {
			continue
		}
		title := bk.Title
		var author string
		if bk.Metadata != nil {
			if bk.Metadata.Title != "" {
				title = bk.Metadata.Title
			}
			author = strings.Join(bk.Metadata.Authors, ", ")
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(title), needle) &&
			!strings.Contains(strings.ToLower(author), needle) &&
			!strings.Contains(strings.ToLower(bk.FileName), needle) {
			continue
		}
		out = append(out, BookloreMatch{
			ID:       strconv.Itoa(bk.ID),
			FileName: bk.FileName,
			Title:    title,
			Author:   author,
		})
	}
	return out, nil
}
