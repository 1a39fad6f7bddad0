package align

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

// tokensFromText builds a transcript of one token per word, each word
// taking one second of audio.
func tokensFromText(text string, startTS float64) []Token {
	words := strings.Fields(text)
	tokens := make([]Token, len(words))
	for i, w := range words {
		tokens[i] = Token{
			Start: startTS + float64(i),
			End:   startTS + float64(i) + 1,
			Text:  w,
		}
	}
	return tokens
}

// uniqueText generates n distinct words so every n-gram is unique.
func uniqueText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%04d", i)
	}
	return strings.Join(words, " ")
}

func TestBuildProducesInterpolatableMap(t *testing.T) {
	text := uniqueText(120)
	tokens := tokensFromText(text, 0)

	m, err := Build("book-1", tokens, text, 120)
	require.NoError(t, err)

	assert.Equal(t, domain.AlignmentTranscript, m.Source)
	assert.GreaterOrEqual(t, len(m.Anchors), minAnchors)

	// Anchors sorted by char offset with strictly increasing timestamps.
	for i := 1; i < len(m.Anchors); i++ {
		assert.Greater(t, m.Anchors[i].CharOffset, m.Anchors[i-1].CharOffset)
		assert.Greater(t, m.Anchors[i].AudioTS, m.Anchors[i-1].AudioTS)
	}

	// Interpolation stays within the anchored range and is monotone.
	prev := -1
	for ts := 0.0; ts <= 120; ts += 10 {
		ch := m.TimeToChar(ts)
		assert.GreaterOrEqual(t, ch, prev)
		prev = ch
	}
}

func TestBuildRejectsTooFewAnchors(t *testing.T) {
	// A transcript that never matches the ebook text.
	tokens := tokensFromText(uniqueText(60), 0)
	_, err := Build("book-1", tokens, "completely different narrative text", 60)
	assert.Error(t, err)
}

func TestBuildBackfillsLateStart(t *testing.T) {
	text := uniqueText(200)
	tokens := tokensFromText(text, 0)

	// Drop the first 96 tokens' worth of matches from pass 1 by making
	// those words ambiguous in the ebook: the text contains them twice.
	words := strings.Fields(text)
	dupes := strings.Join(words[:96], " ")
	ebook := dupes + " " + text

	m, err := Build("book-1", tokens, ebook, 200)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(m.Anchors), minAnchors)
}

func TestTimeToCharClamps(t *testing.T) {
	m := &Map{Anchors: []Anchor{{CharOffset: 100, AudioTS: 10}, {CharOffset: 300, AudioTS: 30}}}

	assert.Equal(t, 0, m.TimeToChar(5), "before first anchor clamps to 0")
	assert.Equal(t, 300, m.TimeToChar(99), "past last anchor clamps to its offset")
	assert.Equal(t, 200, m.TimeToChar(20), "midpoint interpolates")
}

func TestCharToTimeClamps(t *testing.T) {
	m := &Map{Anchors: []Anchor{{CharOffset: 100, AudioTS: 10}, {CharOffset: 300, AudioTS: 30}}}

	assert.Equal(t, 0.0, m.CharToTime(50))
	assert.Equal(t, 30.0, m.CharToTime(9999))
	assert.InDelta(t, 20.0, m.CharToTime(200), 0.001)
}

func TestMapSaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	m := &Map{
		BookID:     "book-1",
		Source:     domain.AlignmentTranscript,
		TextLength: 1000,
		Duration:   3600,
		Anchors:    []Anchor{{100, 10}, {300, 30}, {900, 90}},
	}
	require.NoError(t, m.Save(dir))

	got, err := Load(dir, "book-1")
	require.NoError(t, err)
	assert.Equal(t, m.Anchors, got.Anchors)
	assert.Equal(t, m.Duration, got.Duration)

	_, err = Load(dir, "book-2")
	assert.Error(t, err)

	require.NoError(t, Delete(dir, "book-1"))
	require.NoError(t, Delete(dir, "book-1"), "double delete is fine")
}

func TestSnippetAt(t *testing.T) {
	tokens := tokensFromText(uniqueText(500), 0)

	snippet := SnippetAt(tokens, 250)
	assert.NotEmpty(t, snippet)
	assert.Contains(t, snippet, "word0250")
	assert.GreaterOrEqual(t, len(snippet), 700)

	assert.Equal(t, "", SnippetAt(nil, 10))

	// Past the end: anchored to the final token.
	tail := SnippetAt(tokens, 10000)
	assert.Contains(t, tail, "word0499")
}
