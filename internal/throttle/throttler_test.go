package throttle

import (
	"testing"
	"time"

	"github.com/mferrante/greenroom/internal/memory"
)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestCanWriteDebounce(t *testing.T) {
	th := New(300 * time.Millisecond)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th.SetClock(fixedClock(&now))
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}

	if !th.CanWrite(key) {
		t.Fatalf("first write rejected")
	}
	now = now.Add(100 * time.Millisecond)
	if th.CanWrite(key) {
		t.Fatalf("write inside interval accepted")
	}
	now = now.Add(250 * time.Millisecond)
	if !th.CanWrite(key) {
		t.Fatalf("write after interval rejected")
	}
}

func TestCanWriteIndependentKeys(t *testing.T) {
	th := New(300 * time.Millisecond)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th.SetClock(fixedClock(&now))

	if !th.CanWrite(memory.Key{ProjectID: "p1", EpisodeID: "e1"}) {
		t.Fatalf("first key rejected")
	}
	if !th.CanWrite(memory.Key{ProjectID: "p1", EpisodeID: "e2"}) {
		t.Fatalf("second key throttled by first key's write")
	}
}

func TestPendingKeysAfterSchedule(t *testing.T) {
	th := New(300 * time.Millisecond)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th.SetClock(fixedClock(&now))
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}

	th.CanWrite(key)
	now = now.Add(50 * time.Millisecond)
	if th.CanWrite(key) {
		t.Fatalf("write inside interval accepted")
	}

	if got := th.PendingKeys(); len(got) != 0 {
		t.Fatalf("pending before deadline = %v, want none", got)
	}
	now = now.Add(300 * time.Millisecond)
	got := th.PendingKeys()
	if len(got) != 1 || got[0] != key {
		t.Fatalf("pending after deadline = %v, want [%v]", got, key)
	}
	// Schedule is consumed.
	if got := th.PendingKeys(); len(got) != 0 {
		t.Fatalf("pending keys returned twice: %v", got)
	}
}

func TestDrainFoldsQueuedOps(t *testing.T) {
	th := New(300 * time.Millisecond)
	key := memory.Key{ProjectID: "p1", EpisodeID: "e1"}

	turnA := memory.NewTurn("first draft note", memory.SourceUI, "", nil)
	turnADup := turnA
	turnB := memory.NewTurn("second distinct note", memory.SourceUI, "", nil)
	em1 := memory.EntityMemory{StyleFlags: []string{"noir"}}
	em2 := memory.EntityMemory{StyleFlags: []string{"fast paced"}}

	th.Enqueue(Op{Key: key, Turn: &turnA, EntityMemory: &em1})
	th.Enqueue(Op{Key: key, Turn: &turnADup})
	th.Enqueue(Op{Key: key, Turn: &turnB, EntityMemory: &em2})

	folded, ok := th.Drain(key)
	if !ok {
		t.Fatalf("Drain() found nothing")
	}
	if got := len(folded.Turns()); got != 2 {
		t.Fatalf("folded turns = %d, want 2 (deduped)", got)
	}
	// Entity fields are last-write-wins.
	if folded.EntityMemory == nil || folded.EntityMemory.StyleFlags[0] != "fast paced" {
		t.Fatalf("folded entity memory = %+v, want last write", folded.EntityMemory)
	}

	if _, ok := th.Drain(key); ok {
		t.Fatalf("Drain() returned ops twice")
	}
}

func TestBatchMergeGroupsByKey(t *testing.T) {
	k1 := memory.Key{ProjectID: "p1", EpisodeID: "e1"}
	k2 := memory.Key{ProjectID: "p1", EpisodeID: "e2"}
	t1 := memory.NewTurn("alpha", memory.SourceUI, "", nil)
	t2 := memory.NewTurn("beta", memory.SourceAPI, "", nil)
	t3 := memory.NewTurn("gamma", memory.SourceSSE, "", nil)

	early := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Second)

	out := BatchMerge([]Op{
		{Key: k1, Turn: &t1, Timestamp: late},
		{Key: k2, Turn: &t3, Timestamp: early},
		{Key: k1, Turn: &t2, Timestamp: early},
	})

	if len(out) != 2 {
		t.Fatalf("batch merge produced %d ops, want 2", len(out))
	}
	if out[0].Key != k1 || len(out[0].Turns()) != 2 {
		t.Fatalf("first group = %+v", out[0])
	}
	// Max timestamp is retained.
	if !out[0].Timestamp.Equal(late) {
		t.Fatalf("folded timestamp = %v, want %v", out[0].Timestamp, late)
	}
	if out[1].Key != k2 || len(out[1].Turns()) != 1 {
		t.Fatalf("second group = %+v", out[1])
	}
}
