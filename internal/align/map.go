// Package align builds and queries the audio-to-text alignment map for a
// book. The map is a sorted list of anchors, each tying an offset in the
// ebook's normalized text to a timestamp in the audio; positions between
// anchors are linearly interpolated.
package align

import (
	"encoding/json/v2"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// Anchor ties one ebook text offset to one audio timestamp.
type Anchor struct {
	CharOffset int     `json:"char"`
	AudioTS    float64 `json:"ts"`
}

// Map is the piecewise-linear alignment between a book's audio and its
// normalized ebook text. Anchors are sorted by CharOffset, and AudioTS is
// strictly increasing across them.
type Map struct {
	BookID     string                 `json:"book_id"`
	Source     domain.AlignmentSource `json:"source"`
	TextLength int                    `json:"text_length"`
	Duration   float64                `json:"duration"`
	Anchors    []Anchor               `json:"anchors"`
}

// TimeToChar converts an audio timestamp to an ebook char offset hint.
// Before the first anchor it clamps to 0; past the last it clamps to the
// last anchor's offset.
func (m *Map) TimeToChar(ts float64) int {
	n := len(m.Anchors)
	if n == 0 {
		return 0
	}
	if ts < m.Anchors[0].AudioTS {
		return 0
	}
	if ts >= m.Anchors[n-1].AudioTS {
		return m.Anchors[n-1].CharOffset
	}

	// First anchor strictly after ts.
	i := sort.Search(n, func(i int) bool { return m.Anchors[i].AudioTS > ts })
	lo, hi := m.Anchors[i-1], m.Anchors[i]
	frac := (ts - lo.AudioTS) / (hi.AudioTS - lo.AudioTS)
	return lo.CharOffset + int(frac*float64(hi.CharOffset-lo.CharOffset))
}

// CharToTime converts an ebook char offset to an audio timestamp.
// Symmetric clamping to TimeToChar.
func (m *Map) CharToTime(ch int) float64 {
	n := len(m.Anchors)
	if n == 0 {
		return 0
	}
	if ch < m.Anchors[0].CharOffset {
		return 0
	}
	if ch >= m.Anchors[n-1].CharOffset {
		return m.Anchors[n-1].AudioTS
	}

	i := sort.Search(n, func(i int) bool { return m.Anchors[i].CharOffset > ch })
	lo, hi := m.Anchors[i-1], m.Anchors[i]
	frac := float64(ch-lo.CharOffset) / float64(hi.CharOffset-lo.CharOffset)
	return lo.AudioTS + frac*(hi.AudioTS-lo.AudioTS)
}

// mapPath returns the on-disk location of a book's alignment map.
func mapPath(dir, bookID string) string {
	return filepath.Join(dir, bookID+".json")
}

// Save writes the map to dir as JSON, creating the directory if needed.
func (m *Map) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create alignment dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal alignment map: %w", err)
	}
	return os.WriteFile(mapPath(dir, m.BookID), data, 0o640)
}

// Load reads a book's alignment map from dir.
func Load(dir, bookID string) (*Map, error) {
	data, err := os.ReadFile(mapPath(dir, bookID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("no alignment map for %s", bookID)
		}
		return nil, fmt.Errorf("read alignment map: %w", err)
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidData, "parse alignment map for %s", bookID)
	}
	return &m, nil
}

// Delete removes a book's alignment map, ignoring a missing file.
func Delete(dir, bookID string) error {
	err := os.Remove(mapPath(dir, bookID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
