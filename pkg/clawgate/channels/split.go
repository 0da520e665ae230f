package channels

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize keeps chunks under Telegram's 4096 character limit.
const DefaultChunkSize = 4000

// Split breaks text into chunks of at most max characters. A chunk ends at
// the last newline inside the window when that newline is at or past half
// of it; otherwise the window is cut hard. Empty text yields no chunks.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	var chunks []string
	for utf8.RuneCountInString(text) > max {
		window := prefixRunes(text, max)
		cut := len(window)
		if nl := strings.LastIndexByte(window, '\n'); nl >= 0 && utf8.RuneCountInString(window[:nl]) >= max/2 {
			cut = nl
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// prefixRunes returns the longest prefix of s with at most n runes.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
