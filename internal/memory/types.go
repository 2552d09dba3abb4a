package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mferrante/greenroom/internal/policy"
)

// Source identifies which client surface produced a turn.
type Source string

const (
	SourceUI  Source = "ui"
	SourceAPI Source = "api"
	SourceSSE Source = "sse"
)

const (
	// MaxTurnContentBytes bounds stored turn content; longer content is
	// truncated UTF-8-safely at turn creation time.
	MaxTurnContentBytes = 2000

	maxStyleFlags = 15
	maxFacts      = 25
)

var (
	ErrEmptyRename = errors.New("rename entries must be non-empty")
	ErrSelfRename  = errors.New("rename must change the name")
)

// Turn is one immutable conversation message. Content is PII-scrubbed and
// bounded at construction; ContentHash is the dedup identity of the turn.
type Turn struct {
	TurnID      string         `json:"turn_id"`
	Source      Source         `json:"source"`
	JobID       string         `json:"job_id,omitempty"`
	Selection   map[string]any `json:"selection,omitempty"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewTurn builds a turn from raw client content: scrub PII, truncate to the
// content bound, then hash the stored form.
func NewTurn(content string, source Source, jobID string, selection map[string]any) Turn {
	scrubbed, _ := policy.ScrubPII(content)
	scrubbed = policy.SafeTruncate(scrubbed, MaxTurnContentBytes)
	return Turn{
		TurnID:      uuid.NewString(),
		Source:      source,
		JobID:       jobID,
		Selection:   selection,
		Content:     scrubbed,
		ContentHash: HashContent(scrubbed),
		CreatedAt:   time.Now().UTC(),
	}
}

// HashContent computes the deterministic dedup hash of turn content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// EntityMemory holds knowledge distilled from compressed history.
type EntityMemory struct {
	RenameMap  map[string]string `json:"rename_map,omitempty"`
	StyleFlags []string          `json:"style_flags,omitempty"`
	Facts      []string          `json:"facts,omitempty"`
}

// SetRename records old -> new. Empty names and self-mappings are rejected;
// a newer mapping for the same old name overwrites the previous one.
func (em *EntityMemory) SetRename(oldName, newName string) error {
	if oldName == "" || newName == "" {
		return ErrEmptyRename
	}
	if oldName == newName {
		return ErrSelfRename
	}
	if em.RenameMap == nil {
		em.RenameMap = make(map[string]string)
	}
	em.RenameMap[oldName] = newName
	return nil
}

// AddStyleFlag appends a deduplicated style preference, dropping the oldest
// entry once the bound is reached.
func (em *EntityMemory) AddStyleFlag(flag string) {
	if flag == "" {
		return
	}
	em.StyleFlags = appendBounded(em.StyleFlags, flag, maxStyleFlags)
}

// AddFact appends a deduplicated fact, dropping the oldest once bounded.
func (em *EntityMemory) AddFact(fact string) {
	if fact == "" {
		return
	}
	em.Facts = appendBounded(em.Facts, fact, maxFacts)
}

// IsEmpty reports whether no entity knowledge has been recorded.
func (em EntityMemory) IsEmpty() bool {
	return len(em.RenameMap) == 0 && len(em.StyleFlags) == 0 && len(em.Facts) == 0
}

// Clone returns a deep copy.
func (em EntityMemory) Clone() EntityMemory {
	out := EntityMemory{}
	if len(em.RenameMap) > 0 {
		out.RenameMap = make(map[string]string, len(em.RenameMap))
		for k, v := range em.RenameMap {
			out.RenameMap[k] = v
		}
	}
	if len(em.StyleFlags) > 0 {
		out.StyleFlags = append([]string(nil), em.StyleFlags...)
	}
	if len(em.Facts) > 0 {
		out.Facts = append([]string(nil), em.Facts...)
	}
	return out
}

func appendBounded(list []string, entry string, max int) []string {
	for _, existing := range list {
		if existing == entry {
			return list
		}
	}
	list = append(list, entry)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// CompressionPolicy controls when history is compacted and how the prompt
// token budget is split.
type CompressionPolicy struct {
	MaxTurns            int     `json:"max_turns"`
	PreserveRecentTurns int     `json:"preserve_recent_turns"`
	MinDecisionScore    float64 `json:"min_decision_score"`
	MemoryPct           int     `json:"memory_pct"`
	RAGPct              int     `json:"rag_pct"`
	UserPromptMinPct    int     `json:"user_prompt_min_pct"`
}

// DefaultCompressionPolicy returns the service-wide defaults.
func DefaultCompressionPolicy() CompressionPolicy {
	return CompressionPolicy{
		MaxTurns:            30,
		PreserveRecentTurns: 10,
		MinDecisionScore:    0.6,
		MemoryPct:           20,
		RAGPct:              30,
		UserPromptMinPct:    25,
	}
}

// Validate rejects policies whose budget split cannot be honored.
func (p CompressionPolicy) Validate() error {
	if p.MaxTurns <= 0 {
		return errors.New("max_turns must be positive")
	}
	if p.PreserveRecentTurns < 0 || p.PreserveRecentTurns > p.MaxTurns {
		return errors.New("preserve_recent_turns must be within [0, max_turns]")
	}
	if p.MinDecisionScore < 0 || p.MinDecisionScore > 1 {
		return errors.New("min_decision_score must be within [0, 1]")
	}
	if p.MemoryPct < 0 || p.RAGPct < 0 || p.UserPromptMinPct < 0 {
		return errors.New("budget percentages must be non-negative")
	}
	if p.MemoryPct+p.RAGPct > 100-p.UserPromptMinPct {
		return errors.New("memory_pct + rag_pct must leave room for user_prompt_min_pct")
	}
	return nil
}

// Key identifies one episode's generation state.
type Key struct {
	ProjectID string `json:"project_id"`
	EpisodeID string `json:"episode_id"`
}

// State is the per-episode conversation memory. It is treated as a value:
// mutating operations return a new State with MemoryVersion incremented.
type State struct {
	Key              Key               `json:"key"`
	History          []Turn            `json:"history"`
	LastSeq          int64             `json:"last_seq"`
	EntityMemory     EntityMemory      `json:"entity_memory"`
	HistoryCompacted bool              `json:"history_compacted"`
	MemoryEnabled    bool              `json:"memory_enabled"`
	HistoryDepth     int               `json:"history_depth"`
	Policy           CompressionPolicy `json:"compression_policy"`
	MemoryVersion    int64             `json:"memory_version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewState creates the lazily-initialized state for a key.
func NewState(key Key) State {
	now := time.Now().UTC()
	return State{
		Key:           key,
		MemoryEnabled: true,
		Policy:        DefaultCompressionPolicy(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.History = append([]Turn(nil), s.History...)
	out.EntityMemory = s.EntityMemory.Clone()
	return out
}

// WithTurn returns a new state with the turn inserted. Turns sharing a
// content hash are duplicates; the one with the later CreatedAt wins.
func (s State) WithTurn(t Turn) State {
	out := s.Clone()
	replaced := false
	for i, existing := range out.History {
		if existing.ContentHash == t.ContentHash {
			if t.CreatedAt.After(existing.CreatedAt) {
				out.History[i] = t
			}
			replaced = true
			break
		}
	}
	if !replaced {
		out.History = append(out.History, t)
	}
	SortTurns(out.History)
	out.LastSeq++
	out.HistoryDepth = len(out.History)
	return out.bumped()
}

// WithHistory returns a new state whose history is replaced wholesale.
func (s State) WithHistory(history []Turn) State {
	out := s.Clone()
	out.History = append([]Turn(nil), history...)
	SortTurns(out.History)
	out.HistoryDepth = len(out.History)
	return out.bumped()
}

func (s State) bumped() State {
	s.MemoryVersion++
	s.UpdatedAt = time.Now().UTC()
	return s
}

// SortTurns orders turns by the deterministic (CreatedAt, Source, TurnID)
// key, a total order independent of arrival sequence.
func SortTurns(turns []Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.TurnID < b.TurnID
	})
}

// EstimateTokens approximates LLM token usage as len/4. Non-ASCII content
// counts UTF-8 bytes, not runes.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// HistoryTokens estimates the token cost of the full history.
func HistoryTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t.Content)
	}
	return total
}

// MemoryTokens estimates the token cost of history plus entity memory.
func (s State) MemoryTokens() int {
	total := HistoryTokens(s.History)
	for old, renamed := range s.EntityMemory.RenameMap {
		total += EstimateTokens(old) + EstimateTokens(renamed)
	}
	for _, f := range s.EntityMemory.StyleFlags {
		total += EstimateTokens(f)
	}
	for _, f := range s.EntityMemory.Facts {
		total += EstimateTokens(f)
	}
	return total
}
