// Package sanitize cleans client-supplied text before it reaches logs,
// storage, or API responses.
package sanitize

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var htmlPolicy = bluemonday.StrictPolicy()

// Text sanitizes a client-supplied string (progress messages, result
// error text): control characters are removed, HTML tags stripped,
// entities decoded, and the result trimmed and truncated to maxLen
// runes.
func Text(s string, maxLen int) string {
	// Control characters go first; the HTML tokenizer would otherwise
	// rewrite NUL bytes into replacement runes.
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	s = htmlPolicy.Sanitize(s)

	// Decode entities the policy may have encoded.
	s = html.UnescapeString(s)

	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > maxLen {
		s = string(runes[:maxLen])
	}
	return s
}
