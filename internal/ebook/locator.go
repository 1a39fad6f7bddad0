package ebook

import (
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

const (
	// fuzzyThreshold is the 0-100 score a window must reach to count as
	// a match.
	fuzzyThreshold = 80
	// hintWindowFraction bounds the search region around a hint to this
	// fraction of the text on each side.
	hintWindowFraction = 0.15
)

// Match is a located snippet inside a book.
type Match struct {
	CharOffset int
	Score      int
	Position   domain.TextPosition
}

// Finder locates text snippets inside a parsed book.
type Finder struct {
	book *Book
	dice *metrics.SorensenDice
}

// NewFinder creates a finder for one book.
func NewFinder(book *Book) *Finder {
	return &Finder{book: book, dice: metrics.NewSorensenDice()}
}

// Find locates the best occurrence of a normalized snippet. hintPct, when
// in [0,1], restricts the search to a window around that point; pass a
// negative hint to search the whole text. Returns ErrNotFound when no
// window reaches the score threshold.
func (f *Finder) Find(snippet string, hintPct float64) (*Match, error) {
	text := f.book.NormText()
	if snippet == "" || len(text) == 0 {
		return nil, errors.NotFound("empty snippet or text")
	}

	window := len(snippet)
	if window > len(text) {
		window = len(text)
	}

	start, end := 0, len(text)
	if hintPct >= 0 && hintPct <= 1 {
		span := int(hintWindowFraction * float64(len(text)))
		center := int(hintPct * float64(len(text)))
		start = max(0, center-span)
		end = min(len(text), center+span+window)
	}

	// Coarse scan with quarter-window steps, then refine around the
	// best hit with a fine step.
	step := max(1, window/4)
	bestOff, bestScore := f.scan(snippet, text, start, end, window, step)
	if bestScore >= 0 {
		fineStart := max(start, bestOff-step)
		fineEnd := min(end, bestOff+window+step)
		if off, score := f.scan(snippet, text, fineStart, fineEnd, window, max(1, window/32)); score > bestScore {
			bestOff, bestScore = off, score
		}
	}

	if bestScore < fuzzyThreshold {
		return nil, errors.NotFoundf("no match above threshold (best %d)", bestScore)
	}

	return &Match{
		CharOffset: bestOff,
		Score:      bestScore,
		Position:   f.book.PositionAt(bestOff),
	}, nil
}

// scan slides a fixed-size window over text[start:end] and returns the
// best-scoring offset. Returns score -1 when the region is empty.
func (f *Finder) scan(snippet, text string, start, end, window, step int) (int, int) {
	bestOff, bestScore := 0, -1
	for off := start; off+window <= end; off += step {
		score := f.tokenSetScore(snippet, text[off:off+window])
		if score > bestScore {
			bestOff, bestScore = off, score
		}
		if score == 100 {
			break
		}
	}
	return bestOff, bestScore
}

// tokenSetScore compares the unique word sets of two strings, ignoring
// order and duplication. Narration repeats and re-reads words; the set
// comparison is robust to that.
func (f *Finder) tokenSetScore(a, b string) int {
	return int(strutil.Similarity(tokenSet(a), tokenSet(b), f.dice) * 100)
}

func tokenSet(s string) string {
	words := strings.Fields(s)
	seen := make(map[string]bool, len(words))
	uniq := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			uniq = append(uniq, w)
		}
	}
	sort.Strings(uniq)
	return strings.Join(uniq, " ")
}
