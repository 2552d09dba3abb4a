// Package extract classifies conversation turns that carry durable creative
// decisions and pulls structured signals (renames, style preferences, facts)
// out of them.
package extract

import (
	"regexp"
	"strings"

	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/policy"
)

// Signals is the classification result for one turn.
type Signals struct {
	Score          float64           `json:"score"`
	Decision       bool              `json:"decision"`
	Renames        map[string]string `json:"renames,omitempty"`
	StyleFlags     []string          `json:"style_flags,omitempty"`
	CharacterFacts []string          `json:"character_facts,omitempty"`
	SettingFacts   []string          `json:"setting_facts,omitempty"`
	Summary        string            `json:"summary,omitempty"`
}

// Extractor scores turns and extracts decision signals. The keyword
// implementation is heuristic; alternatives can be swapped in behind this
// interface without touching the compressor.
type Extractor interface {
	Extract(turn memory.Turn, minScore float64) Signals
}

var decisionKeywords = []string{
	"change", "rename", "call", "should be", "instead",
	"replace", "update", "modify", "adjust", "fix",
}

var styleKeywords = []string{
	"tone", "style", "mood", "pacing", "dialogue", "dramatic", "comedic",
}

var entityKeywords = []string{
	"character", "scene", "setting", "location", "protagonist", "villain",
}

var (
	renamePattern = regexp.MustCompile(
		`\b(?i:change|rename|call)\s+"?([A-Z][a-zA-Z]+)"?\s+(?i:to|as)\s+(?i:be\s+)?(?i:called\s+|named\s+)?"?([A-Z][a-zA-Z]+)"?`)
	styleMorePattern = regexp.MustCompile(
		`(?i)\bmake\s+(?:it|this|the\s+\w+)\s+(more|less)\s+([a-z][a-z\-]+)`)
	styleShouldPattern = regexp.MustCompile(
		`(?i)\b(?:tone|style)\s+should\s+be\s+([a-z][a-z\-]+)`)
	characterFactPattern = regexp.MustCompile(
		`\b([A-Z][a-z]+)\s+(?:is|should be)\s+(?:a\s+|an\s+|the\s+)?([a-z][a-z\- ]{2,40}?)(?:[.,;!?]|$)`)
	settingFactPattern = regexp.MustCompile(
		`\b(?i:set in|takes place in)\s+([A-Za-z][A-Za-z0-9,\- ]{1,60}?)(?:[.;!?]|$)`)
)

const (
	summaryPrefixLen = 80

	maxDecisionKeywordBonus = 0.4
	maxStyleKeywordBonus    = 0.3
	maxEntityKeywordBonus   = 0.2
)

// KeywordExtractor is the default keyword/regex implementation.
type KeywordExtractor struct{}

func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// Score computes the turn importance in [0, 1].
func (e *KeywordExtractor) Score(turn memory.Turn) float64 {
	score := 0.0
	switch turn.Source {
	case memory.SourceUI:
		score += 0.3
	case memory.SourceAPI:
		score += 0.2
	}

	lower := strings.ToLower(turn.Content)
	score += keywordBonus(lower, decisionKeywords, 0.2, maxDecisionKeywordBonus)
	score += keywordBonus(lower, styleKeywords, 0.15, maxStyleKeywordBonus)
	score += keywordBonus(lower, entityKeywords, 0.1, maxEntityKeywordBonus)

	switch {
	case len(turn.Content) > 100:
		score += 0.1
	case len(turn.Content) > 50:
		score += 0.05
	}
	if len(turn.Selection) > 0 {
		score += 0.2
	}

	if score > 1 {
		score = 1
	}
	return score
}

// Extract classifies the turn and, for decision turns, pulls structured
// signals. Pattern matching is best-effort: a decision turn that matches no
// pattern still yields a generic summary entry.
func (e *KeywordExtractor) Extract(turn memory.Turn, minScore float64) Signals {
	sig := Signals{Score: e.Score(turn)}
	if sig.Score < minScore {
		return sig
	}
	sig.Decision = true

	matched := false
	for _, m := range renamePattern.FindAllStringSubmatch(turn.Content, -1) {
		if m[1] == m[2] {
			continue
		}
		if sig.Renames == nil {
			sig.Renames = make(map[string]string)
		}
		sig.Renames[m[1]] = m[2]
		matched = true
	}
	for _, m := range styleMorePattern.FindAllStringSubmatch(turn.Content, -1) {
		sig.StyleFlags = append(sig.StyleFlags, strings.ToLower(m[1]+" "+m[2]))
		matched = true
	}
	for _, m := range styleShouldPattern.FindAllStringSubmatch(turn.Content, -1) {
		sig.StyleFlags = append(sig.StyleFlags, strings.ToLower(m[1]))
		matched = true
	}
	for _, m := range characterFactPattern.FindAllStringSubmatch(turn.Content, -1) {
		sig.CharacterFacts = append(sig.CharacterFacts, m[1]+": "+strings.TrimSpace(m[2]))
		matched = true
	}
	for _, m := range settingFactPattern.FindAllStringSubmatch(turn.Content, -1) {
		sig.SettingFacts = append(sig.SettingFacts, "Setting: "+strings.TrimSpace(m[1]))
		matched = true
	}

	if !matched {
		sig.Summary = "Decision: " + summaryPrefix(turn.Content)
	}
	return sig
}

func keywordBonus(lower string, keywords []string, per, limit float64) float64 {
	bonus := 0.0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			bonus += per
			if bonus >= limit {
				return limit
			}
		}
	}
	return bonus
}

func summaryPrefix(content string) string {
	return policy.SafeTruncate(strings.TrimSpace(content), summaryPrefixLen)
}
