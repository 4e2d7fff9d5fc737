package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeName collapses whitespace, drops control characters and caps the
// result at maxRunes runes. Profile names are stored as entered otherwise.
func SanitizeName(s string, maxRunes int) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteRune(' ')
			}
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = string([]rune(out)[:maxRunes])
	}
	return strings.TrimSpace(out)
}
