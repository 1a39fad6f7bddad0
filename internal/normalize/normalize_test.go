package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "Hello World", "hello world"},
		{"punctuation dropped", "don't stop -- now!", "don t stop now"},
		{"whitespace collapsed", "a \t b\n\nc", "a b c"},
		{"accents folded", "Café Señor", "cafe senor"},
		{"digits kept", "Chapter 12", "chapter 12"},
		{"empty", "", ""},
		{"only punctuation", "...!?", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Text(tt.input))
		})
	}
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokens("The quick, brown fox."))
	assert.Nil(t, Tokens("  ...  "))
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 4, WordCount("The quick, brown fox."))
	assert.Equal(t, 0, WordCount(""))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("a\x00b\x00c"))
}
