package policy

import "unicode/utf8"

// SafeTruncate trims s to at most max bytes without splitting a multi-byte
// UTF-8 sequence. Invalid input bytes are passed through untouched.
func SafeTruncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
