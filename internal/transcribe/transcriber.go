// Package transcribe runs audiobook transcription as resumable background
// jobs and exposes the resulting transcripts to the position translators.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json/v2"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

// Transcriber converts one audio chunk into timed tokens. Timestamps are
// relative to the chunk start; the job runner shifts them to book time.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, modelHint string) ([]align.Token, error)
}

// Whisper talks to an OpenAI-compatible transcription endpoint, as served
// by whisper.cpp and faster-whisper servers.
type Whisper struct {
	base  string
	model string
	http  *http.Client
	log   *logger.Logger
}

// NewWhisper creates a remote transcriber. An hour per chunk is generous;
// slow CPU boxes transcribe well under real time.
func NewWhisper(baseURL, model string, log *logger.Logger) *Whisper {
	return &Whisper{
		base:  strings.TrimRight(baseURL, "/"),
		model: model,
		http:  &http.Client{Timeout: time.Hour},
		log:   log,
	}
}

type whisperResponse struct {
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe uploads the chunk and parses the verbose response. Word
// timestamps are preferred; segment granularity is good enough for
// anchoring when the server does not emit words.
func (w *Whisper) Transcribe(ctx context.Context, audioPath, modelHint string) ([]align.Token, error) {
	model := modelHint
	if model == "" {
		model = w.model
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindFatal, "open audio chunk %s", audioPath)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, errors.Wrap(err, errors.KindFatal, "read audio chunk")
	}
	for k, v := range map[string]string{
		"model":                     model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "word",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "transcription request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errors.Error{
			Kind:    errors.FromHTTPStatus(resp.StatusCode),
			Message: fmt.Sprintf("transcription server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var out whisperResponse
	if err := json.UnmarshalRead(resp.Body, &out); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidData, "decode transcription response")
	}

	if len(out.Words) > 0 {
		tokens := make([]align.Token, 0, len(out.Words))
		for _, wd := range out.Words {
			if t := strings.TrimSpace(wd.Word); t != "" {
				tokens = append(tokens, align.Token{Start: wd.Start, End: wd.End, Text: t})
			}
		}
		return tokens, nil
	}
	tokens := make([]align.Token, 0, len(out.Segments))
	for _, seg := range out.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			tokens = append(tokens, align.Token{Start: seg.Start, End: seg.End, Text: t})
		}
	}
	if len(tokens) == 0 {
		return nil, errors.InvalidData("transcription response carried no words or segments")
	}
	return tokens, nil
}
