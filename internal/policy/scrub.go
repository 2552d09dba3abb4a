package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// ScrubPII masks common high-risk PII patterns before content is stored.
// Scrubbing is irreversible; the original text never reaches the store.
func ScrubPII(input string) (scrubbed string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[EMAIL]")
	changed = changed || next != out
	out = next

	next = ssnPattern.ReplaceAllString(out, "[SSN]")
	changed = changed || next != out
	out = next

	// Run card scrubbing before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}
