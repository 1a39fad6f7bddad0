package client

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/ratelimit"
	"github.com/shelfsync/shelfsync-server/internal/util"
)

const hardcoverAPI = "https://api.hardcover.app/v1/graphql"

// Hardcover reading statuses.
const (
	hcWantToRead       = 1
	hcCurrentlyReading = 2
	hcRead             = 3
)

// hardcoverMinDelta gates writes: the public API is rate limited, so a
// position must move at least 1% before we send it again.
const hardcoverMinDelta = 0.01

// Hardcover pushes progress to the hardcover.app tracker. It is
// write-only: it never reports positions and can never lead.
type Hardcover struct {
	cfg      config.HardcoverConfig
	api      string
	http     *http.Client
	log      *logger.Logger
	limiter  *ratelimit.KeyedRateLimiter
	lastSent *util.SyncMap[string, float64] // bookID -> last pushed pct
}

// NewHardcover creates the Hardcover adapter.
func NewHardcover(cfg config.HardcoverConfig, log *logger.Logger) *Hardcover {
	return &Hardcover{
		cfg:      cfg,
		api:      hardcoverAPI,
		http:     newHTTPClient(),
		log:      log,
		limiter:  ratelimit.New(1, 3),
		lastSent: util.NewSyncMap[string, float64](),
	}
}

// Close stops the rate limiter.
func (h *Hardcover) Close() { h.limiter.Stop() }

func (h *Hardcover) Name() domain.ClientName { return domain.ClientHardcover }
func (h *Hardcover) IsConfigured() bool      { return h.cfg.Configured() }
func (h *Hardcover) CanLead() bool           { return false }

func (h *Hardcover) SupportedModes() []domain.SyncMode {
	return []domain.SyncMode{domain.SyncModeAudiobook, domain.SyncModeEbookOnly}
}

// query runs one GraphQL operation against the Hardcover API.
func (h *Hardcover) query(ctx context.Context, q string, vars map[string]any, out any) error {
	if err := h.limiter.Wait(ctx, "hardcover"); err != nil {
		return errors.Wrap(err, errors.KindTransient, "rate limit wait")
	}

	payload := map[string]any{"query": q, "variables": vars}
	var resp struct {
		Data   any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	resp.Data = out

	headers := map[string]string{"Authorization": "Bearer " + h.cfg.Token}
	if _, err := doJSON(ctx, h.http, http.MethodPost, h.api, headers, payload, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return errors.InvalidDataf("hardcover: %s", resp.Errors[0].Message)
	}
	return nil
}

func (h *Hardcover) CheckConnection(ctx context.Context) error {
	var data struct {
		Me []struct {
			ID int `json:"id"`
		} `json:"me"`
	}
	if err := h.query(ctx, "{ me { id } }", nil, &data); err != nil {
		return err
	}
	if len(data.Me) == 0 {
		return errors.Unauthorized("hardcover token rejected")
	}
	return nil
}

func (h *Hardcover) FetchBulk(_ context.Context) (Bulk, error) { return nil, nil }

// FetchState is always absent: Hardcover positions are page counts with
// no locator value for the bridge.
func (h *Hardcover) FetchState(_ context.Context, _ *domain.Mapping, _ *domain.ClientState, _ Bulk) (*domain.ClientState, error) {
	return nil, nil
}

func (h *Hardcover) TextAt(_ context.Context, _ *domain.Mapping, _ *domain.ClientState) (string, error) {
	return "", nil
}

type hardcoverUserBook struct {
	ID       int `json:"id"`
	StatusID int `json:"status_id"`
	Edition  *struct {
		ID    int `json:"id"`
		Pages int `json:"pages"`
	} `json:"edition"`
}

// Update converts the percentage to a page number and pushes it,
// promoting the reading status along the way. Idempotent and delta-gated
// at 1% against the last sent value.
func (h *Hardcover) Update(ctx context.Context, m *domain.Mapping, req *UpdateRequest) (*UpdateResult, error) {
	bookID := m.ExternalID(domain.ClientHardcover)
	if bookID == "" {
		return nil, errors.NotConfigured("mapping has no hardcover book id")
	}
	pct, ok := pctOf(req.Locator)
	if !ok {
		return nil, errors.InvalidData("hardcover update requires a position")
	}

	if last, found := h.lastSent.Load(m.BookID); found && abs(pct-last) < hardcoverMinDelta {
		return &UpdateResult{Pct: last, Locator: req.Locator}, nil
	}

	ub, err := h.userBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if ub.Edition == nil || ub.Edition.Pages == 0 {
		return nil, errors.InvalidDataf("hardcover book %s has no page count", bookID)
	}

	finished := pct > 0.99
	if err := h.promoteStatus(ctx, bookID, ub, pct, finished); err != nil {
		return nil, err
	}

	page := int(float64(ub.Edition.Pages) * pct)
	if err := h.writeProgress(ctx, ub, page, finished); err != nil {
		return nil, err
	}

	actual := float64(page) / float64(ub.Edition.Pages)
	h.lastSent.Store(m.BookID, actual)
	return &UpdateResult{Pct: actual, Locator: req.Locator}, nil
}

func (h *Hardcover) userBook(ctx context.Context, bookID string) (*hardcoverUserBook, error) {
	const q = `query ($bookId: Int!) {
  user_books(where: { book_id: { _eq: $bookId } }, limit: 1) {
    id status_id edition { id pages }
  }
}`
	var data struct {
		UserBooks []hardcoverUserBook `json:"user_books"`
	}
	if err := h.query(ctx, q, map[string]any{"bookId": atoiSafe(bookID)}, &data); err != nil {
		return nil, err
	}
	if len(data.UserBooks) == 0 {
		return nil, errors.NotFoundf("hardcover book %s is not on the user's shelves", bookID)
	}
	return &data.UserBooks[0], nil
}

// promoteStatus moves Want to Read forward as progress arrives: past 2%
// to Currently Reading, finished to Read. Statuses never move backward.
func (h *Hardcover) promoteStatus(ctx context.Context, bookID string, ub *hardcoverUserBook, pct float64, finished bool) error {
	target := 0
	switch {
	case finished && ub.StatusID != hcRead:
		target = hcRead
	case pct > 0.02 && ub.StatusID == hcWantToRead:
		target = hcCurrentlyReading
	}
	if target == 0 {
		return nil
	}

	const q = `mutation ($object: UserBookCreateInput!) {
  insert_user_book(object: $object) { error }
}`
	vars := map[string]any{"object": map[string]any{
		"book_id":   atoiSafe(bookID),
		"status_id": target,
	}}
	if err := h.query(ctx, q, vars, nil); err != nil {
		return err
	}
	h.log.Info("hardcover status updated", "book", bookID, "status", target)
	ub.StatusID = target
	return nil
}

func (h *Hardcover) writeProgress(ctx context.Context, ub *hardcoverUserBook, page int, finished bool) error {
	read := map[string]any{
		"progress_pages": page,
		"edition_id":     ub.Edition.ID,
		"started_at":     time.Now().Format("2006-01-02"),
	}
	if finished {
		read["finished_at"] = time.Now().Format("2006-01-02")
	}

	const q = `mutation ($userBookId: Int!, $read: DatesReadInput!) {
  insert_user_book_read(user_book_id: $userBookId, user_book_read: $read) { error }
}`
	return h.query(ctx, q, map[string]any{"userBookId": ub.ID, "read": read}, nil)
}

func pctOf(loc domain.Locator) (float64, bool) {
	switch loc.Kind {
	case domain.LocatorText:
		if loc.Text != nil {
			return loc.Text.Percentage, true
		}
	case domain.LocatorAudio:
		if loc.Audio != nil && loc.Audio.Duration > 0 {
			return loc.Audio.Timestamp / loc.Audio.Duration, true
		}
	}
	return 0, false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
