// Package throttle debounces per-episode write traffic so bursty multi-tab
// editing collapses into a bounded number of store operations.
package throttle

import (
	"sync"
	"time"

	"github.com/mferrante/greenroom/internal/memory"
)

// Op is one queued write: a turn addition, an entity-memory update, or both.
type Op struct {
	Key          memory.Key
	Turn         *memory.Turn
	EntityMemory *memory.EntityMemory
	Timestamp    time.Time

	// ExtraTurns holds additional deduplicated turns when a fold collapses
	// several distinct turn additions into one op.
	ExtraTurns []memory.Turn
}

// Turns returns every turn carried by the op in queue order.
func (o Op) Turns() []memory.Turn {
	if o.Turn == nil {
		return nil
	}
	out := make([]memory.Turn, 0, 1+len(o.ExtraTurns))
	out = append(out, *o.Turn)
	out = append(out, o.ExtraTurns...)
	return out
}

// Throttler debounces writes per key. A rejected write is scheduled for the
// next interval boundary; callers poll PendingKeys to flush.
type Throttler struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastWrite   map[memory.Key]time.Time
	pendingAt   map[memory.Key]time.Time
	queued      map[memory.Key][]Op
	now         func() time.Time
}

func New(minInterval time.Duration) *Throttler {
	if minInterval <= 0 {
		minInterval = 300 * time.Millisecond
	}
	return &Throttler{
		minInterval: minInterval,
		lastWrite:   make(map[memory.Key]time.Time),
		pendingAt:   make(map[memory.Key]time.Time),
		queued:      make(map[memory.Key][]Op),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// CanWrite reports whether a write for key may proceed now. On true the
// write slot is consumed; on false a pending flush is scheduled at
// lastWrite + minInterval.
func (t *Throttler) CanWrite(key memory.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, ok := t.lastWrite[key]
	if ok && now.Sub(last) < t.minInterval {
		if _, scheduled := t.pendingAt[key]; !scheduled {
			t.pendingAt[key] = last.Add(t.minInterval)
		}
		return false
	}
	t.lastWrite[key] = now
	return true
}

// Enqueue queues an op for a throttled key, folded later by a flush.
func (t *Throttler) Enqueue(op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op.Timestamp.IsZero() {
		op.Timestamp = t.now()
	}
	t.queued[op.Key] = append(t.queued[op.Key], op)
}

// PendingKeys returns keys whose scheduled flush time has elapsed and clears
// their schedule. The queued ops stay put until Drain.
func (t *Throttler) PendingKeys() []memory.Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var due []memory.Key
	for key, at := range t.pendingAt {
		if !at.After(now) {
			due = append(due, key)
			delete(t.pendingAt, key)
		}
	}
	return due
}

// Drain removes and folds every op queued for key. The write slot for the
// key is consumed so the flush itself respects the debounce interval.
func (t *Throttler) Drain(key memory.Key) (Op, bool) {
	t.mu.Lock()
	ops := t.queued[key]
	delete(t.queued, key)
	if len(ops) > 0 {
		t.lastWrite[key] = t.now()
	}
	t.mu.Unlock()

	if len(ops) == 0 {
		return Op{}, false
	}
	return foldOps(key, ops), true
}

// BatchMerge groups ops by key and folds each group into one op, bounding
// write amplification before anything reaches the merger.
func BatchMerge(ops []Op) []Op {
	grouped := make(map[memory.Key][]Op)
	var order []memory.Key
	for _, op := range ops {
		if _, seen := grouped[op.Key]; !seen {
			order = append(order, op.Key)
		}
		grouped[op.Key] = append(grouped[op.Key], op)
	}

	out := make([]Op, 0, len(order))
	for _, key := range order {
		out = append(out, foldOps(key, grouped[key]))
	}
	return out
}

// foldOps collapses queued ops for one key: turn additions dedup by content
// hash, entity fields are last-write-wins, and the max timestamp is kept.
func foldOps(key memory.Key, ops []Op) Op {
	folded := Op{Key: key}
	seenHashes := make(map[string]bool)
	var turns []memory.Turn

	for _, op := range ops {
		if op.Timestamp.After(folded.Timestamp) {
			folded.Timestamp = op.Timestamp
		}
		if op.Turn != nil && !seenHashes[op.Turn.ContentHash] {
			seenHashes[op.Turn.ContentHash] = true
			turns = append(turns, *op.Turn)
		}
		if op.EntityMemory != nil {
			em := op.EntityMemory.Clone()
			folded.EntityMemory = &em
		}
	}

	if len(turns) == 1 {
		folded.Turn = &turns[0]
	} else if len(turns) > 1 {
		folded.Turn = &turns[0]
		folded.ExtraTurns = turns[1:]
	}
	return folded
}
