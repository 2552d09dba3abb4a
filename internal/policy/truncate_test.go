package policy

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSafeTruncateASCII(t *testing.T) {
	if got := SafeTruncate("hello world", 5); got != "hello" {
		t.Fatalf("SafeTruncate = %q, want %q", got, "hello")
	}
	if got := SafeTruncate("short", 100); got != "short" {
		t.Fatalf("SafeTruncate = %q, want %q", got, "short")
	}
	if got := SafeTruncate("anything", 0); got != "" {
		t.Fatalf("SafeTruncate with max 0 = %q, want empty", got)
	}
}

func TestSafeTruncateNeverSplitsRunes(t *testing.T) {
	s := strings.Repeat("héllo wörld 日本語 ", 8)
	for max := 0; max <= len(s); max++ {
		got := SafeTruncate(s, max)
		if len(got) > max {
			t.Fatalf("SafeTruncate(max=%d) produced %d bytes", max, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("SafeTruncate(max=%d) produced invalid UTF-8: %q", max, got)
		}
	}
}
