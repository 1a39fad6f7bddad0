// Package normalize provides utilities for normalizing text before fuzzy
// matching. Transcripts and ebook text describe the same narrative but
// differ in case, punctuation, and accents; matching happens in a reduced
// alphabet where those differences disappear.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer strips diacritical marks: decompose, drop combining
// marks, recompose.
//
//nolint:gochecknoglobals // Static transformer chain, safe for concurrent use
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Text reduces a string to the matching alphabet: lowercase letters,
// digits, and single spaces. Everything else is dropped or collapsed.
func Text(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokens splits a string into normalized word tokens.
func Tokens(s string) []string {
	t := Text(s)
	if t == "" {
		return nil
	}
	return strings.Split(t, " ")
}

// WordCount returns the number of normalized word tokens in s.
func WordCount(s string) int {
	return len(Tokens(s))
}

// SanitizeString removes null bytes from strings, which can cause
// issues in databases and JSON parsing. Some metadata parsers include
// null terminators in strings.
func SanitizeString(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 { // null byte
			return -1 // drop it
		}
		return r
	}, s)
}
