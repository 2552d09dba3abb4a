// Package compress shrinks long conversation histories into a preserved
// recent tail plus entity memory extracted from the older turns.
package compress

import (
	"sort"

	"github.com/mferrante/greenroom/internal/extract"
	"github.com/mferrante/greenroom/internal/memory"
)

// Result reports what one compression pass did.
type Result struct {
	DecisionLog         []string            `json:"decision_log"`
	CompressedTurnCount int                 `json:"compressed_turn_count"`
	EntityMemory        memory.EntityMemory `json:"updated_entity_memory"`
	TokensBefore        int                 `json:"tokens_before"`
	TokensAfter         int                 `json:"tokens_after"`
	TokensSaved         int                 `json:"tokens_saved"`
}

// Compressor folds older turns into entity memory according to the state's
// compression policy.
type Compressor struct {
	extractor extract.Extractor
}

func New(extractor extract.Extractor) *Compressor {
	if extractor == nil {
		extractor = extract.NewKeywordExtractor()
	}
	return &Compressor{extractor: extractor}
}

// NeedsCompression reports whether the state's history exceeds policy bounds.
func (c *Compressor) NeedsCompression(state memory.State) bool {
	return state.MemoryEnabled && len(state.History) > state.Policy.MaxTurns
}

// Compress replaces state.History with the preserved recent tail and merges
// extracted signals into entity memory. Short histories are a no-op: the
// input state is returned with a zero-effect result, never an error.
func (c *Compressor) Compress(state memory.State) (memory.State, Result) {
	older, recent, result := c.split(state)
	if len(older) == 0 {
		return state, result
	}

	em := state.EntityMemory.Clone()
	result.DecisionLog = c.fold(older, state.Policy.MinDecisionScore, &em)
	result.EntityMemory = em.Clone()
	result.CompressedTurnCount = len(older)

	out := state.WithHistory(recent)
	out.EntityMemory = em
	out.HistoryCompacted = true

	result.TokensAfter = out.MemoryTokens()
	result.TokensSaved = result.TokensBefore - result.TokensAfter
	if result.TokensSaved < 0 {
		result.TokensSaved = 0
	}
	return out, result
}

// Preview computes the compression result without mutating any state.
func (c *Compressor) Preview(state memory.State) Result {
	_, result := c.Compress(state.Clone())
	return result
}

func (c *Compressor) split(state memory.State) (older, recent []memory.Turn, result Result) {
	result.TokensBefore = state.MemoryTokens()
	result.TokensAfter = result.TokensBefore

	history := append([]memory.Turn(nil), state.History...)
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	preserve := state.Policy.PreserveRecentTurns
	if preserve >= len(history) {
		return nil, history, result
	}
	return history[:len(history)-preserve], history[len(history)-preserve:], result
}

func (c *Compressor) fold(older []memory.Turn, minScore float64, em *memory.EntityMemory) []string {
	var decisionLog []string
	for _, turn := range older {
		sig := c.extractor.Extract(turn, minScore)
		if !sig.Decision {
			continue
		}
		for oldName, newName := range sig.Renames {
			if err := em.SetRename(oldName, newName); err != nil {
				continue
			}
			decisionLog = append(decisionLog, "Rename: "+oldName+" -> "+newName)
		}
		for _, flag := range sig.StyleFlags {
			em.AddStyleFlag(flag)
			decisionLog = append(decisionLog, "Style: "+flag)
		}
		for _, fact := range sig.CharacterFacts {
			em.AddFact(fact)
			decisionLog = append(decisionLog, fact)
		}
		for _, fact := range sig.SettingFacts {
			em.AddFact(fact)
			decisionLog = append(decisionLog, fact)
		}
		if sig.Summary != "" {
			em.AddFact(sig.Summary)
			decisionLog = append(decisionLog, sig.Summary)
		}
	}
	return decisionLog
}
