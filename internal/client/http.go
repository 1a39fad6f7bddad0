package client

import (
	"bytes"
	"context"
	"encoding/json/v2"
	"io"
	"net/http"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// callTimeout is the per-request deadline shared by every adapter.
const callTimeout = 20 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: callTimeout}
}

// doJSON executes one JSON request and decodes the response into out (out
// may be nil). Non-2xx statuses map onto error kinds so the engine can
// tell transient from fatal failures; the status code is returned
// alongside for adapters that branch on specific statuses.
func doJSON(ctx context.Context, hc *http.Client, method, url string, headers map[string]string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, errors.KindFatal, "encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindFatal, "create request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ShelfSync/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindTransient, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, errors.KindTransient, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := errors.FromHTTPStatus(resp.StatusCode)
		return resp.StatusCode, errors.Wrapf(errors.New(http.StatusText(resp.StatusCode)), kind,
			"%s %s: status %d", method, url, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, errors.KindInvalidData, "decode %s response", url)
		}
	}
	return resp.StatusCode, nil
}
