package extract

import (
	"strings"
	"testing"

	"github.com/mferrante/greenroom/internal/memory"
)

func uiTurn(content string) memory.Turn {
	return memory.NewTurn(content, memory.SourceUI, "", nil)
}

func TestExtractRename(t *testing.T) {
	sig := NewKeywordExtractor().Extract(uiTurn("Let's change John to be called Marcus instead"), 0.6)
	if !sig.Decision {
		t.Fatalf("decision = false (score %v), want true", sig.Score)
	}
	if got := sig.Renames["John"]; got != "Marcus" {
		t.Fatalf("rename John = %q, want %q (renames: %v)", got, "Marcus", sig.Renames)
	}
}

func TestExtractStyleAndFacts(t *testing.T) {
	e := NewKeywordExtractor()

	sig := e.Extract(uiTurn("Please adjust the pacing and make it more dramatic"), 0.6)
	if !sig.Decision {
		t.Fatalf("style turn not a decision (score %v)", sig.Score)
	}
	found := false
	for _, f := range sig.StyleFlags {
		if f == "more dramatic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("style flags = %v, want to contain %q", sig.StyleFlags, "more dramatic")
	}

	sig = e.Extract(uiTurn("Update the character sheet: Marcus is a retired detective."), 0.6)
	if len(sig.CharacterFacts) == 0 || !strings.HasPrefix(sig.CharacterFacts[0], "Marcus:") {
		t.Fatalf("character facts = %v", sig.CharacterFacts)
	}

	sig = e.Extract(uiTurn("Change the setting: the story takes place in rainy Oslo."), 0.6)
	if len(sig.SettingFacts) == 0 || !strings.Contains(sig.SettingFacts[0], "Oslo") {
		t.Fatalf("setting facts = %v", sig.SettingFacts)
	}
}

func TestExtractGenericSummaryFallback(t *testing.T) {
	content := "We should replace and fix the whole second act, it drags and the stakes never land for anyone"
	sig := NewKeywordExtractor().Extract(uiTurn(content), 0.6)
	if !sig.Decision {
		t.Fatalf("decision = false (score %v), want true", sig.Score)
	}
	if !strings.HasPrefix(sig.Summary, "Decision: ") {
		t.Fatalf("summary = %q, want generic decision entry", sig.Summary)
	}
	if len(sig.Summary) > len("Decision: ")+80 {
		t.Fatalf("summary too long: %d bytes", len(sig.Summary))
	}
}

func TestScoreComponents(t *testing.T) {
	e := NewKeywordExtractor()

	cases := []struct {
		name string
		turn memory.Turn
		min  float64
		max  float64
	}{
		{"plain sse chatter", memory.NewTurn("ok", memory.SourceSSE, "", nil), 0, 0.05},
		{"ui source only", memory.NewTurn("hello there friend", memory.SourceUI, "", nil), 0.3, 0.3},
		{"api with keyword", memory.NewTurn("replace it", memory.SourceAPI, "", nil), 0.4, 0.4},
		{
			"selection context counts",
			memory.NewTurn("fix this line", memory.SourceUI, "", map[string]any{"scene": "3"}),
			0.7, 0.7,
		},
	}
	for _, tc := range cases {
		got := e.Score(tc.turn)
		if got < tc.min-1e-9 || got > tc.max+1e-9 {
			t.Fatalf("%s: score = %v, want within [%v, %v]", tc.name, got, tc.min, tc.max)
		}
	}
}

func TestScoreClamped(t *testing.T) {
	content := strings.Repeat("change rename replace update modify adjust fix tone style character scene setting ", 3)
	turn := memory.NewTurn(content, memory.SourceUI, "", map[string]any{"sel": true})
	if got := NewKeywordExtractor().Score(turn); got != 1 {
		t.Fatalf("score = %v, want clamped to 1", got)
	}
}
