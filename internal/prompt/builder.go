package prompt

import (
	"sort"
	"strings"

	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/policy"
)

// Section names used as keys in the usage map.
const (
	SectionSystem       = "system"
	SectionEntityMemory = "entity_memory"
	SectionRAG          = "rag"
	SectionConversation = "conversation"
	SectionUser         = "user"
)

// Safety events reported in the usage map. Informational, never errors.
const (
	EventMemorySkipped   = "memory_skipped_due_to_budget"
	EventMemoryUsageHigh = "memory_usage_high"
)

// Usage reports per-section token counts for one build.
type Usage struct {
	Sections          map[string]int `json:"sections"`
	Total             int            `json:"total"`
	Remaining         int            `json:"remaining"`
	BudgetExceeded    bool           `json:"budget_exceeded"`
	MemorySafetyEvent string         `json:"memory_safety_event,omitempty"`
}

// Request carries the inputs for one prompt build.
type Request struct {
	SystemPrompt           string
	State                  memory.State
	DecisionLog            []string
	RAGContext             string
	UserPrompt             string
	AdditionalInstructions string
}

// Builder assembles prompts under a token budget. The memory safety gate
// disables memory for a request whose state alone would eat too much of the
// total budget.
type Builder struct {
	budget           Budget
	warnThreshold    float64
	disableThreshold float64
}

func NewBuilder(budget Budget, warnThreshold, disableThreshold float64) *Builder {
	if warnThreshold <= 0 {
		warnThreshold = 0.25
	}
	if disableThreshold <= 0 {
		disableThreshold = 0.35
	}
	return &Builder{
		budget:           budget,
		warnThreshold:    warnThreshold,
		disableThreshold: disableThreshold,
	}
}

// Build assembles the prompt in fixed order: system, entity memory, RAG,
// conversation (decision log + recent turns), user guidance. Each section is
// truncated to its sub-budget; the user section is guaranteed its minimum.
func (b *Builder) Build(req Request) (string, Usage) {
	usage := Usage{Sections: make(map[string]int)}

	memoryEnabled := req.State.MemoryEnabled
	if memoryEnabled {
		fraction := float64(req.State.MemoryTokens()) / float64(b.budget.Total)
		switch {
		case fraction > b.disableThreshold:
			memoryEnabled = false
			usage.MemorySafetyEvent = EventMemorySkipped
		case fraction > b.warnThreshold:
			usage.MemorySafetyEvent = EventMemoryUsageHigh
		}
	}

	var sections []string

	system := truncateToTokens(req.SystemPrompt, b.budget.System)
	sections = appendSection(sections, system)
	usage.Sections[SectionSystem] = memory.EstimateTokens(system)

	memoryBudget := b.budget.Memory
	entity := ""
	conversation := ""
	if memoryEnabled {
		entity = truncateToTokens(formatEntityMemory(req.State.EntityMemory), memoryBudget/2)
		remaining := memoryBudget - memory.EstimateTokens(entity)
		conversation = truncateToTokens(formatConversation(req.State, req.DecisionLog), remaining)
	}
	rag := truncateToTokens(req.RAGContext, b.budget.RAG)
	sections = appendSection(sections, entity)
	sections = appendSection(sections, rag)
	sections = appendSection(sections, conversation)
	usage.Sections[SectionEntityMemory] = memory.EstimateTokens(entity)
	usage.Sections[SectionRAG] = memory.EstimateTokens(rag)
	usage.Sections[SectionConversation] = memory.EstimateTokens(conversation)

	user := req.UserPrompt
	if req.AdditionalInstructions != "" {
		user = user + "\n\n" + req.AdditionalInstructions
	}
	userBudget := b.budget.Total - usage.Sections[SectionSystem] - usage.Sections[SectionEntityMemory] -
		usage.Sections[SectionRAG] - usage.Sections[SectionConversation]
	if userBudget < b.budget.UserMin {
		userBudget = b.budget.UserMin
	}
	user = truncateToTokens(user, userBudget)
	sections = appendSection(sections, user)
	usage.Sections[SectionUser] = memory.EstimateTokens(user)

	out := strings.Join(sections, "\n\n")
	usage.Total = memory.EstimateTokens(out)
	usage.Remaining = b.budget.Total - usage.Total
	usage.BudgetExceeded = usage.Total > b.budget.Total
	return out, usage
}

func appendSection(sections []string, s string) []string {
	if strings.TrimSpace(s) == "" {
		return sections
	}
	return append(sections, s)
}

func truncateToTokens(s string, budgetTokens int) string {
	if budgetTokens <= 0 {
		return ""
	}
	maxBytes := budgetTokens * 4
	if len(s) <= maxBytes {
		return s
	}
	return policy.SafeTruncate(s, maxBytes)
}

func formatEntityMemory(em memory.EntityMemory) string {
	if em.IsEmpty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Established decisions:\n")
	for _, fact := range em.Facts {
		sb.WriteString("- " + fact + "\n")
	}
	if len(em.RenameMap) > 0 {
		sb.WriteString("Character renames:\n")
		for _, old := range sortedKeys(em.RenameMap) {
			sb.WriteString("- " + old + " is now " + em.RenameMap[old] + "\n")
		}
	}
	if len(em.StyleFlags) > 0 {
		sb.WriteString("Style preferences: " + strings.Join(em.StyleFlags, ", ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatConversation(state memory.State, decisionLog []string) string {
	var sb strings.Builder
	if len(decisionLog) > 0 {
		sb.WriteString("Earlier decisions (compressed):\n")
		for _, entry := range decisionLog {
			sb.WriteString("- " + entry + "\n")
		}
	}
	if len(state.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, turn := range state.History {
			sb.WriteString("[" + string(turn.Source) + "] " + turn.Content + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
