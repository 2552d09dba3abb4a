package prompt

import (
	"strings"
	"testing"

	"github.com/mferrante/greenroom/internal/memory"
)

func testBudget(t *testing.T, total int) Budget {
	t.Helper()
	b, err := NewBudget(total, memory.DefaultCompressionPolicy())
	if err != nil {
		t.Fatalf("NewBudget() error = %v", err)
	}
	return b
}

func stateWithHistory(contents ...string) memory.State {
	state := memory.NewState(memory.Key{ProjectID: "p1", EpisodeID: "e1"})
	for _, c := range contents {
		state = state.WithTurn(memory.NewTurn(c, memory.SourceUI, "", nil))
	}
	return state
}

func TestBuildAssemblyOrder(t *testing.T) {
	state := stateWithHistory("we renamed the lead last week", "keep the noir mood going")
	_ = state.EntityMemory.SetRename("John", "Marcus")
	state.EntityMemory.AddStyleFlag("noir")

	b := NewBuilder(testBudget(t, 4000), 0.25, 0.35)
	out, usage := b.Build(Request{
		SystemPrompt: "You are a screenwriting assistant.",
		State:        state,
		DecisionLog:  []string{"Rename: John -> Marcus"},
		RAGContext:   "Prior episode synopsis: the heist went wrong.",
		UserPrompt:   "Write the opening scene of episode 4.",
	})

	idxSystem := strings.Index(out, "screenwriting assistant")
	idxEntity := strings.Index(out, "John is now Marcus")
	idxRAG := strings.Index(out, "heist went wrong")
	idxConv := strings.Index(out, "Recent conversation:")
	idxUser := strings.Index(out, "opening scene of episode 4")
	for name, idx := range map[string]int{
		"system": idxSystem, "entity": idxEntity, "rag": idxRAG, "conversation": idxConv, "user": idxUser,
	} {
		if idx < 0 {
			t.Fatalf("section %s missing from prompt:\n%s", name, out)
		}
	}
	if !(idxSystem < idxEntity && idxEntity < idxRAG && idxRAG < idxConv && idxConv < idxUser) {
		t.Fatalf("sections out of order: %d %d %d %d %d", idxSystem, idxEntity, idxRAG, idxConv, idxUser)
	}

	if usage.Total <= 0 || usage.Remaining != 4000-usage.Total {
		t.Fatalf("usage accounting off: %+v", usage)
	}
	if usage.BudgetExceeded {
		t.Fatalf("small prompt flagged as exceeded")
	}
	if usage.MemorySafetyEvent != "" {
		t.Fatalf("unexpected safety event %q", usage.MemorySafetyEvent)
	}
}

func TestBuildSafetyGateDisablesMemory(t *testing.T) {
	// Four distinct ~2000-byte turns are ~2000 tokens against 4000: 50% > 35%.
	big := strings.Repeat("the lead detective keeps monologuing about the rain ", 140)
	state := stateWithHistory("a "+big, "b "+big, "c "+big, "d "+big)

	b := NewBuilder(testBudget(t, 4000), 0.25, 0.35)
	out, usage := b.Build(Request{
		SystemPrompt: "system",
		State:        state,
		UserPrompt:   "user ask",
	})

	if usage.MemorySafetyEvent != EventMemorySkipped {
		t.Fatalf("safety event = %q, want %q", usage.MemorySafetyEvent, EventMemorySkipped)
	}
	if usage.Sections[SectionConversation] != 0 || usage.Sections[SectionEntityMemory] != 0 {
		t.Fatalf("memory sections present despite skip: %+v", usage.Sections)
	}
	if strings.Contains(out, "Recent conversation:") {
		t.Fatalf("prompt contains memory despite skip")
	}
}

func TestBuildSafetyGateWarnsOnly(t *testing.T) {
	// ~1150 tokens of memory against 4000: between 25% and 35%.
	chunk := strings.Repeat("dialogue polish notes for the second act scene ", 24)
	state := stateWithHistory(chunk, chunk+" more", chunk+" again", chunk+" final")

	b := NewBuilder(testBudget(t, 4000), 0.25, 0.35)
	_, usage := b.Build(Request{SystemPrompt: "system", State: state, UserPrompt: "user ask"})

	if usage.MemorySafetyEvent != EventMemoryUsageHigh {
		t.Fatalf("safety event = %q, want %q", usage.MemorySafetyEvent, EventMemoryUsageHigh)
	}
	if usage.Sections[SectionConversation] == 0 {
		t.Fatalf("warned build should still include memory")
	}
}

func TestBuildUserMinimumGuaranteed(t *testing.T) {
	state := stateWithHistory("short note")
	b := NewBuilder(testBudget(t, 400), 0.25, 0.9)

	user := strings.Repeat("user guidance that must survive truncation ", 40)
	_, usage := b.Build(Request{
		SystemPrompt: strings.Repeat("system ", 400),
		State:        state,
		RAGContext:   strings.Repeat("rag ", 500),
		UserPrompt:   user,
	})

	if usage.Sections[SectionUser] < 100 {
		t.Fatalf("user section = %d tokens, want at least the 100-token minimum", usage.Sections[SectionUser])
	}
	if usage.Sections[SectionSystem] > 100 {
		t.Fatalf("system section = %d tokens, want truncated to its sub-budget", usage.Sections[SectionSystem])
	}
}

func TestBuildDisabledMemoryState(t *testing.T) {
	state := stateWithHistory("note one", "note two")
	state.MemoryEnabled = false

	b := NewBuilder(testBudget(t, 4000), 0.25, 0.35)
	out, usage := b.Build(Request{SystemPrompt: "system", State: state, UserPrompt: "ask"})
	if strings.Contains(out, "Recent conversation:") || usage.Sections[SectionConversation] != 0 {
		t.Fatalf("disabled memory leaked into prompt")
	}
}

func TestSuggestAdjustments(t *testing.T) {
	usage := Usage{
		BudgetExceeded: true,
		Sections: map[string]int{
			SectionConversation: 900,
			SectionRAG:          1200,
		},
	}
	hints := SuggestAdjustments(usage)
	if len(hints) != 2 {
		t.Fatalf("hints = %v, want compress-memory and reduce-RAG", hints)
	}
	if SuggestAdjustments(Usage{}) != nil {
		t.Fatalf("hints for non-exceeded usage should be nil")
	}
}
