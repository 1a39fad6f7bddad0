package align

import (
	"sort"
	"strings"

	"github.com/shelfsync/shelfsync-server/internal/normalize"
)

// snippetChars is the target length of a transcript snippet handed to the
// text locator. Long enough to be unique, short enough to sit on one page.
const snippetChars = 800

// SnippetAt extracts a normalized transcript snippet centered on ts. It
// grows outward from the token under the timestamp until the target length
// is reached or the transcript is exhausted. Returns "" only when there
// are no tokens; a ts past the last token centers on the final token.
func SnippetAt(tokens []Token, ts float64) string {
	if len(tokens) == 0 {
		return ""
	}

	// First token ending at or after ts.
	center := sort.Search(len(tokens), func(i int) bool { return tokens[i].End >= ts })
	if center == len(tokens) {
		center = len(tokens) - 1
	}

	lo, hi := center, center+1
	length := 0
	for length < snippetChars && (lo > 0 || hi < len(tokens)) {
		if lo > 0 {
			lo--
			length += len(tokens[lo].Text) + 1
		}
		if length >= snippetChars {
			break
		}
		if hi < len(tokens) {
			length += len(tokens[hi].Text) + 1
			hi++
		}
	}

	parts := make([]string, 0, hi-lo)
	for _, tok := range tokens[lo:hi] {
		if t := normalize.Text(tok.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
