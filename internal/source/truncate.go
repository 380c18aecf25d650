package source

import (
	"strings"
	"unicode"
)

// Truncate shortens text to at most limit runes.
//
// It prefers the last sentence end at or past 70% of the limit, then the last
// whitespace at or past 80%, and hard-cuts otherwise. The bool reports whether
// anything was cut.
func Truncate(text string, limit int) (string, bool) {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text, false
	}

	window := runes[:limit]

	// A sentence ends at . ! or ? followed by whitespace or the end of the text
	sentenceMin := limit * 7 / 10
	for i := limit - 1; i >= 0; i-- {
		end := i + 1
		if end < sentenceMin {
			break
		}
		if !isSentenceEnd(window[i]) {
			continue
		}
		if end == len(runes) || unicode.IsSpace(runes[end]) {
			return strings.TrimSpace(string(window[:end])), true
		}
	}

	wordMin := limit * 8 / 10
	for i := limit; i >= wordMin; i-- {
		if i < len(runes) && unicode.IsSpace(runes[i]) {
			return strings.TrimSpace(string(runes[:i])), true
		}
	}

	return strings.TrimSpace(string(window)), true
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
