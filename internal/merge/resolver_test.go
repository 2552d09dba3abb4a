package merge

import (
	"testing"
	"time"

	"github.com/mferrante/greenroom/internal/memory"
)

func turnAt(content string, source memory.Source, at time.Time) memory.Turn {
	t := memory.NewTurn(content, source, "", nil)
	t.CreatedAt = at
	return t
}

func TestResolveVersionMonotonic(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	local := memory.NewState(key)
	local.MemoryVersion = 2
	remote := memory.NewState(key)
	remote.MemoryVersion = 3

	_, res := NewResolver(StrategyServerWins).Resolve(local, remote)
	if res.ResolvedVersion != 4 {
		t.Fatalf("resolved version = %d, want 4", res.ResolvedVersion)
	}
	if res.ClientVersion != 2 || res.ServerVersion != 3 {
		t.Fatalf("versions = client %d server %d, want 2/3", res.ClientVersion, res.ServerVersion)
	}

	// The guarantee holds when the client is ahead too.
	local.MemoryVersion = 9
	merged, res := NewResolver(StrategyServerWins).Resolve(local, remote)
	if res.ResolvedVersion <= 9 || merged.MemoryVersion != res.ResolvedVersion {
		t.Fatalf("resolved version = %d, want > 9", res.ResolvedVersion)
	}
}

func TestResolveHistoryUnionDedup(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	shared := turnAt("shared turn", memory.SourceUI, base)
	sharedLater := shared
	sharedLater.TurnID = "later-copy"
	sharedLater.CreatedAt = base.Add(time.Minute)

	local := memory.NewState(key).WithTurn(shared).WithTurn(turnAt("local only", memory.SourceUI, base.Add(2*time.Minute)))
	remote := memory.NewState(key).WithTurn(sharedLater).WithTurn(turnAt("remote only", memory.SourceAPI, base.Add(3*time.Minute)))

	merged, _ := NewResolver(StrategyServerWins).Resolve(local, remote)

	if len(merged.History) != 3 {
		t.Fatalf("merged history length = %d, want 3", len(merged.History))
	}
	seen := make(map[string]bool)
	for _, turn := range merged.History {
		if seen[turn.ContentHash] {
			t.Fatalf("duplicate hash in merged history")
		}
		seen[turn.ContentHash] = true
	}
	// Hash collision resolved toward the later CreatedAt.
	for _, turn := range merged.History {
		if turn.ContentHash == shared.ContentHash && turn.TurnID != "later-copy" {
			t.Fatalf("kept turn %q, want later duplicate", turn.TurnID)
		}
	}
	// Chronological total order.
	for i := 1; i < len(merged.History); i++ {
		if merged.History[i].CreatedAt.Before(merged.History[i-1].CreatedAt) {
			t.Fatalf("merged history out of order")
		}
	}
}

func TestResolveDeterministicOrder(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := memory.Turn{TurnID: "a", Source: memory.SourceUI, Content: "alpha", ContentHash: memory.HashContent("alpha"), CreatedAt: at}
	b := memory.Turn{TurnID: "b", Source: memory.SourceAPI, Content: "beta", ContentHash: memory.HashContent("beta"), CreatedAt: at}

	local := memory.NewState(key).WithTurn(a)
	remote := memory.NewState(key).WithTurn(b)

	m1, _ := NewResolver(StrategyServerWins).Resolve(local, remote)
	m2, _ := NewResolver(StrategyServerWins).Resolve(local.Clone(), remote.Clone())
	for i := range m1.History {
		if m1.History[i].TurnID != m2.History[i].TurnID {
			t.Fatalf("merge order not deterministic")
		}
	}
	// Same timestamp: API sorts before UI.
	if m1.History[0].TurnID != "b" {
		t.Fatalf("first turn = %q, want %q", m1.History[0].TurnID, "b")
	}
}

func TestResolveServerWinsRenameConflict(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	local := memory.NewState(key)
	remote := memory.NewState(key)
	if err := local.EntityMemory.SetRename("John", "Marcus"); err != nil {
		t.Fatalf("SetRename() error = %v", err)
	}
	if err := local.EntityMemory.SetRename("Anna", "Vera"); err != nil {
		t.Fatalf("SetRename() error = %v", err)
	}
	if err := remote.EntityMemory.SetRename("John", "Elias"); err != nil {
		t.Fatalf("SetRename() error = %v", err)
	}

	merged, res := NewResolver(StrategyServerWins).Resolve(local, remote)

	if got := merged.EntityMemory.RenameMap["John"]; got != "Elias" {
		t.Fatalf("conflicting rename = %q, want server value %q", got, "Elias")
	}
	if got := merged.EntityMemory.RenameMap["Anna"]; got != "Vera" {
		t.Fatalf("non-conflicting local rename lost: %q", got)
	}
	if res.ClientChangesDiscarded != 1 || res.ClientChangesPreserved != 1 {
		t.Fatalf("preserved/discarded = %d/%d, want 1/1", res.ClientChangesPreserved, res.ClientChangesDiscarded)
	}
	if len(res.MergeWarnings) != 1 {
		t.Fatalf("merge warnings = %v, want one entry", res.MergeWarnings)
	}
}

func TestResolveNotCommutative(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	a := memory.NewState(key)
	b := memory.NewState(key)
	_ = a.EntityMemory.SetRename("John", "Marcus")
	_ = b.EntityMemory.SetRename("John", "Elias")

	r := NewResolver(StrategyServerWins)
	ab, _ := r.Resolve(a, b)
	ba, _ := r.Resolve(b, a)
	if ab.EntityMemory.RenameMap["John"] == ba.EntityMemory.RenameMap["John"] {
		t.Fatalf("server-wins merge should favor the second argument")
	}
}

func TestResolveLastWriterWins(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	local := memory.NewState(key)
	remote := memory.NewState(key)
	_ = local.EntityMemory.SetRename("John", "Marcus")
	_ = remote.EntityMemory.SetRename("John", "Elias")
	local.UpdatedAt = remote.UpdatedAt.Add(time.Minute)

	merged, res := NewResolver(StrategyLastWriterWins).Resolve(local, remote)
	if got := merged.EntityMemory.RenameMap["John"]; got != "Marcus" {
		t.Fatalf("last-writer rename = %q, want client value %q", got, "Marcus")
	}
	if res.ClientChangesPreserved != 1 {
		t.Fatalf("client changes preserved = %d, want 1", res.ClientChangesPreserved)
	}
}

func TestResolveManualReviewFlags(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	local := memory.NewState(key)
	remote := memory.NewState(key)
	_ = local.EntityMemory.SetRename("John", "Marcus")
	_ = remote.EntityMemory.SetRename("John", "Elias")

	merged, res := NewResolver(StrategyManualReview).Resolve(local, remote)
	if got := merged.EntityMemory.RenameMap["John"]; got != "Elias" {
		t.Fatalf("manual-review rename = %q, want server value kept", got)
	}
	if len(res.MergeWarnings) != 1 {
		t.Fatalf("merge warnings = %v, want review entry", res.MergeWarnings)
	}
}

func TestResolveStyleFactsRemoteFirstUnion(t *testing.T) {
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	local := memory.NewState(key)
	remote := memory.NewState(key)
	local.EntityMemory.AddStyleFlag("more dramatic")
	local.EntityMemory.AddStyleFlag("noir")
	remote.EntityMemory.AddStyleFlag("noir")
	remote.EntityMemory.AddStyleFlag("fast paced")

	merged, _ := NewResolver(StrategyServerWins).Resolve(local, remote)
	want := []string{"noir", "fast paced", "more dramatic"}
	if len(merged.EntityMemory.StyleFlags) != len(want) {
		t.Fatalf("style flags = %v, want %v", merged.EntityMemory.StyleFlags, want)
	}
	for i, flag := range want {
		if merged.EntityMemory.StyleFlags[i] != flag {
			t.Fatalf("style flags = %v, want %v", merged.EntityMemory.StyleFlags, want)
		}
	}
}
