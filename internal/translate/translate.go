// Package translate converts a leader position into follower locators
// across the audio and text coordinate systems. Same-coordinate pairs
// pass through; cross-coordinate pairs go through the alignment map and
// the fuzzy text locator.
package translate

import (
	"github.com/shelfsync/shelfsync-server/internal/align"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/ebook"
	"github.com/shelfsync/shelfsync-server/internal/errors"
)

// Context carries the per-book artifacts a translation may need. The sync
// engine assembles one per cycle; nil fields mean the artifact does not
// exist for this book.
type Context struct {
	Mapping *domain.Mapping
	Map     *align.Map    // time<->char alignment
	Book    *ebook.Book   // parsed ebook
	Tokens  []align.Token // transcript tokens of the audio edition
}

// Translate converts the leader's position into the target coordinate
// system. Returns KindNotConfigured when the book lacks the artifacts the
// conversion needs, and KindNotFound when the fuzzy locate stays below
// threshold so the caller can skip just this follower.
func Translate(c *Context, leader domain.Locator, target domain.LocatorKind) (domain.Locator, error) {
	switch {
	case leader.Kind == domain.LocatorAudio && target == domain.LocatorAudio:
		return passThroughAudio(c, leader)
	case leader.Kind == domain.LocatorText && target == domain.LocatorText:
		return passThroughText(c, leader)
	case leader.Kind == domain.LocatorAudio && target == domain.LocatorText:
		return audioToText(c, leader)
	case leader.Kind == domain.LocatorText && target == domain.LocatorAudio:
		return textToAudio(c, leader)
	default:
		return domain.Locator{}, errors.InvalidDataf("cannot translate %s to %s", leader.Kind, target)
	}
}

func passThroughAudio(c *Context, leader domain.Locator) (domain.Locator, error) {
	if leader.Audio == nil {
		return domain.Locator{}, errors.InvalidData("audio locator missing position")
	}
	return domain.NewAudioLocator(leader.Audio.Timestamp, duration(c, leader.Audio)), nil
}

// passThroughText keeps the leader's percentage but rebuilds the rich
// locator payloads from our own parsed ebook when one is available, so a
// percentage-only report still yields xpath and CFI for followers that
// want them.
func passThroughText(c *Context, leader domain.Locator) (domain.Locator, error) {
	if leader.Text == nil {
		return domain.Locator{}, errors.InvalidData("text locator missing position")
	}
	if c.Book == nil {
		return domain.NewTextLocator(leader.Text.Percentage), nil
	}
	pos := c.Book.PositionAt(int(leader.Text.Percentage * float64(c.Book.Length())))
	return domain.Locator{Kind: domain.LocatorText, Text: &pos}, nil
}

func audioToText(c *Context, leader domain.Locator) (domain.Locator, error) {
	if leader.Audio == nil {
		return domain.Locator{}, errors.InvalidData("audio locator missing position")
	}
	if c.Map == nil {
		return domain.Locator{}, errors.NotConfigured("no alignment map for book")
	}
	char := c.Map.TimeToChar(leader.Audio.Timestamp)

	if c.Book == nil {
		if c.Map.TextLength == 0 {
			return domain.Locator{}, errors.NotConfigured("alignment map has no text length")
		}
		return domain.NewTextLocator(float64(char) / float64(c.Map.TextLength)), nil
	}

	// Alignment produced by the follower's own forced-alignment data is
	// already char-exact; skip the fuzzy locate.
	if c.Mapping != nil && c.Mapping.AlignmentSource == domain.AlignmentStoryteller {
		pos := c.Book.PositionAt(char)
		return domain.Locator{Kind: domain.LocatorText, Text: &pos}, nil
	}

	hint := float64(char) / float64(c.Book.Length())
	snippet := align.SnippetAt(c.Tokens, leader.Audio.Timestamp)
	if snippet == "" {
		snippet = c.Book.TextAt(hint)
	}
	m, err := ebook.NewFinder(c.Book).Find(snippet, hint)
	if err != nil {
		return domain.Locator{}, err
	}
	return domain.Locator{Kind: domain.LocatorText, Text: &m.Position}, nil
}

func textToAudio(c *Context, leader domain.Locator) (domain.Locator, error) {
	if leader.Text == nil {
		return domain.Locator{}, errors.InvalidData("text locator missing position")
	}
	if c.Map == nil {
		return domain.Locator{}, errors.NotConfigured("no alignment map for book")
	}

	char := int(leader.Text.Percentage * float64(c.Map.TextLength))
	if c.Book != nil && !(c.Mapping != nil && c.Mapping.AlignmentSource == domain.AlignmentStoryteller) {
		// Snap the interpolated offset onto the actual text before
		// converting to time. The snippet comes from our own parsed
		// ebook, so a miss here means degenerate text; fall back to the
		// raw offset instead of skipping the follower.
		pct := leader.Text.Percentage
		if m, err := ebook.NewFinder(c.Book).Find(c.Book.TextAt(pct), pct); err == nil {
			char = m.CharOffset
		}
	}

	ts := c.Map.CharToTime(char)
	return domain.NewAudioLocator(ts, duration(c, nil)), nil
}

// duration picks the best-known audio length: the leader's own report,
// then the mapping, then the alignment map.
func duration(c *Context, leader *domain.AudioPosition) float64 {
	if leader != nil && leader.Duration > 0 {
		return leader.Duration
	}
	if c.Mapping != nil && c.Mapping.Duration > 0 {
		return c.Mapping.Duration
	}
	if c.Map != nil {
		return c.Map.Duration
	}
	return 0
}
