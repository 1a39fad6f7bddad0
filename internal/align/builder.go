package align

import (
	"sort"
	"strings"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/normalize"
)

const (
	// anchorWindow is the token window for the global anchoring pass.
	anchorWindow = 12
	// backfillWindow is the smaller window used to densify the start.
	backfillWindow = 6
	// backfillCutoff triggers the backfill pass when the first anchor
	// lands later than this many seconds into the audio.
	backfillCutoff = 30.0
	// minAnchors is the floor below which a map is rejected.
	minAnchors = 3
)

// Token is one transcribed word with its audio timestamps.
type Token struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Build anchors an ordered transcript against the ebook's normalized full
// text and returns the alignment map. The transcript and the book are the
// same narrative but not identical text, so anchoring looks for unique
// occurrences of token n-grams rather than exact global alignment.
func Build(bookID string, tokens []Token, ebookNormText string, duration float64) (*Map, error) {
	anchors := anchorPass(tokens, ebookNormText, anchorWindow, 0)

	// Densify the beginning when the first anchor lands late.
	if len(anchors) > 0 && anchors[0].AudioTS > backfillCutoff {
		limit := anchors[0].AudioTS
		var head []Token
		for _, tok := range tokens {
			if tok.End >= limit {
				break
			}
			head = append(head, tok)
		}
		anchors = append(anchors, anchorPass(head, ebookNormText, backfillWindow, anchors[0].CharOffset)...)
	}

	sort.Slice(anchors, func(i, j int) bool { return anchors[i].CharOffset < anchors[j].CharOffset })
	anchors = enforceMonotonic(anchors)

	if len(anchors) < minAnchors {
		return nil, errors.InvalidDataf("alignment for %s found %d anchors, need %d", bookID, len(anchors), minAnchors)
	}

	return &Map{
		BookID:     bookID,
		Source:     domain.AlignmentTranscript,
		TextLength: len(ebookNormText),
		Duration:   duration,
		Anchors:    anchors,
	}, nil
}

// anchorPass slides non-overlapping windows of n tokens across the
// transcript and emits an anchor for every window whose normalized text
// occurs exactly once in the ebook. maxChar restricts matches to the text
// before it (0 means unrestricted).
func anchorPass(tokens []Token, ebookNormText string, n, maxChar int) []Anchor {
	searchText := ebookNormText
	if maxChar > 0 && maxChar < len(ebookNormText) {
		searchText = ebookNormText[:maxChar]
	}

	var anchors []Anchor
	for i := 0; i+n <= len(tokens); i += n {
		window := tokens[i : i+n]

		parts := make([]string, 0, n)
		for _, tok := range window {
			if t := normalize.Text(tok.Text); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) < n/2 {
			continue
		}
		query := strings.Join(parts, " ")

		offset, unique := uniqueIndex(searchText, query)
		if !unique {
			continue
		}
		anchors = append(anchors, Anchor{
			CharOffset: offset,
			AudioTS:    window[len(window)-1].End,
		})
	}
	return anchors
}

// uniqueIndex reports the offset of query in text iff it occurs exactly once.
func uniqueIndex(text, query string) (int, bool) {
	first := strings.Index(text, query)
	if first < 0 {
		return 0, false
	}
	if strings.Index(text[first+1:], query) >= 0 {
		return 0, false
	}
	return first, true
}

// enforceMonotonic drops every anchor whose timestamp does not strictly
// increase over its predecessor. Downstream lookups assume progress is a
// function of position.
func enforceMonotonic(anchors []Anchor) []Anchor {
	out := anchors[:0]
	lastTS := -1.0
	for _, a := range anchors {
		if a.AudioTS <= lastTS {
			continue
		}
		out = append(out, a)
		lastTS = a.AudioTS
	}
	return out
}
