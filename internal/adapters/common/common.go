// Package common holds small helpers shared by the platform adapters.
package common

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens text to limit bytes on a valid UTF-8 rune boundary,
// appending "..." when truncation occurs.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	const suffix = "..."
	cut := limit - len(suffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + suffix
}

// Summarize collapses text into a short single-line form for log output.
func Summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return Truncate(text, 80)
}
