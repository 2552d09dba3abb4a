// Package prompt allocates token budgets across prompt sections and
// assembles the final LLM prompt under those bounds.
package prompt

import (
	"fmt"

	"github.com/mferrante/greenroom/internal/memory"
)

// Budget is the token split for one prompt build. The four sections always
// sum exactly to Total; System absorbs the integer rounding remainder.
type Budget struct {
	Total   int `json:"total"`
	Memory  int `json:"memory"`
	RAG     int `json:"rag"`
	UserMin int `json:"user_min"`
	System  int `json:"system"`
}

// NewBudget derives section budgets from the policy percentages.
func NewBudget(total int, policy memory.CompressionPolicy) (Budget, error) {
	if total <= 0 {
		return Budget{}, fmt.Errorf("total budget must be positive, got %d", total)
	}
	if err := policy.Validate(); err != nil {
		return Budget{}, fmt.Errorf("invalid policy: %w", err)
	}

	b := Budget{
		Total:   total,
		Memory:  total * policy.MemoryPct / 100,
		RAG:     total * policy.RAGPct / 100,
		UserMin: total * policy.UserPromptMinPct / 100,
	}
	b.System = total - b.Memory - b.RAG - b.UserMin
	return b, nil
}

// SuggestAdjustments returns human-readable hints for a build whose total
// exceeded the budget.
func SuggestAdjustments(usage Usage) []string {
	if !usage.BudgetExceeded {
		return nil
	}
	var hints []string
	if usage.Sections[SectionEntityMemory]+usage.Sections[SectionConversation] > 0 {
		hints = append(hints, "compress memory: run compaction to shrink history and entity summaries")
	}
	if usage.Sections[SectionRAG] > 0 {
		hints = append(hints, "reduce RAG context: fewer or shorter retrieved passages")
	}
	if usage.Sections[SectionSystem] > 0 {
		hints = append(hints, "shorten the system prompt")
	}
	if len(hints) == 0 {
		hints = append(hints, "raise the total token budget")
	}
	return hints
}
