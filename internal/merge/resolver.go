// Package merge reconciles two divergent generation states into one.
// Resolution is deterministic: the same two inputs always produce the same
// output, regardless of where or when the merge runs.
package merge

import (
	"fmt"

	"github.com/mferrante/greenroom/internal/memory"
)

// Strategy selects how rename conflicts between local and remote are settled.
type Strategy string

const (
	// StrategyServerWins keeps the remote value on any rename conflict and
	// records a warning. Not commutative: merge(A,B) != merge(B,A).
	StrategyServerWins Strategy = "server_wins"
	// StrategyLastWriterWins keeps the value from whichever state was
	// updated more recently.
	StrategyLastWriterWins Strategy = "last_writer_wins"
	// StrategyManualReview keeps the remote value but flags every conflict
	// for out-of-band review.
	StrategyManualReview Strategy = "manual_review"
)

// Resolution records how a version conflict was settled.
type Resolution struct {
	ConflictDetected       bool                `json:"conflict_detected"`
	ResolutionStrategy     string              `json:"resolution_strategy"`
	ClientVersion          int64               `json:"client_version"`
	ServerVersion          int64               `json:"server_version"`
	ResolvedVersion        int64               `json:"resolved_version"`
	ServerChangesApplied   bool                `json:"server_changes_applied"`
	ClientChangesPreserved int                 `json:"client_changes_preserved"`
	ClientChangesDiscarded int                 `json:"client_changes_discarded"`
	MergedEntityMemory     memory.EntityMemory `json:"merged_entity_memory"`
	MergeWarnings          []string            `json:"merge_warnings,omitempty"`
}

// Resolver merges a stale caller view into the authoritative stored state.
type Resolver struct {
	strategy Strategy
}

func NewResolver(strategy Strategy) *Resolver {
	switch strategy {
	case StrategyServerWins, StrategyLastWriterWins, StrategyManualReview:
	default:
		strategy = StrategyServerWins
	}
	return &Resolver{strategy: strategy}
}

// Resolve merges local (the caller's view) into remote (the authoritative
// state). It always succeeds; in the worst case every conflicting local
// change is discarded and the resolution record says so. The returned state
// carries ResolvedVersion > max(local, remote).
func (r *Resolver) Resolve(local, remote memory.State) (memory.State, Resolution) {
	res := Resolution{
		ConflictDetected:     true,
		ResolutionStrategy:   "deterministic_merge",
		ClientVersion:        local.MemoryVersion,
		ServerVersion:        remote.MemoryVersion,
		ServerChangesApplied: true,
	}

	merged := remote.Clone()
	merged.History = r.mergeHistory(local.History, remote.History)
	merged.HistoryDepth = len(merged.History)
	merged.EntityMemory = r.mergeEntityMemory(local, remote, &res)
	res.MergedEntityMemory = merged.EntityMemory.Clone()

	resolved := remote.MemoryVersion + 1
	if resolved <= local.MemoryVersion {
		resolved = local.MemoryVersion + 1
	}
	merged.MemoryVersion = resolved
	res.ResolvedVersion = resolved

	if merged.LastSeq < local.LastSeq {
		merged.LastSeq = local.LastSeq
	}
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}
	return merged, res
}

// mergeHistory unions both histories, dedups by content hash (later
// CreatedAt wins on collision) and restores the deterministic total order.
func (r *Resolver) mergeHistory(local, remote []memory.Turn) []memory.Turn {
	byHash := make(map[string]memory.Turn, len(local)+len(remote))
	for _, t := range remote {
		byHash[t.ContentHash] = t
	}
	for _, t := range local {
		existing, ok := byHash[t.ContentHash]
		if !ok || t.CreatedAt.After(existing.CreatedAt) {
			byHash[t.ContentHash] = t
		}
	}

	out := make([]memory.Turn, 0, len(byHash))
	for _, t := range byHash {
		out = append(out, t)
	}
	memory.SortTurns(out)
	return out
}

func (r *Resolver) mergeEntityMemory(local, remote memory.State, res *Resolution) memory.EntityMemory {
	out := remote.EntityMemory.Clone()

	for oldName, localNew := range local.EntityMemory.RenameMap {
		remoteNew, conflict := out.RenameMap[oldName]
		if !conflict {
			if err := out.SetRename(oldName, localNew); err == nil {
				res.ClientChangesPreserved++
			}
			continue
		}
		if remoteNew == localNew {
			continue
		}

		keep := remoteNew
		switch r.strategy {
		case StrategyLastWriterWins:
			if local.UpdatedAt.After(remote.UpdatedAt) {
				keep = localNew
			}
		case StrategyManualReview:
			res.MergeWarnings = append(res.MergeWarnings, fmt.Sprintf(
				"rename %q needs manual review: client %q vs server %q", oldName, localNew, remoteNew))
		}
		if keep == localNew {
			out.RenameMap[oldName] = localNew
			res.ClientChangesPreserved++
		} else {
			res.ClientChangesDiscarded++
			if r.strategy == StrategyServerWins {
				res.MergeWarnings = append(res.MergeWarnings, fmt.Sprintf(
					"rename conflict on %q: kept server value %q, discarded client value %q",
					oldName, remoteNew, localNew))
			}
		}
	}

	// Remote-first union keeps server ordering stable; bounds apply as usual.
	for _, flag := range local.EntityMemory.StyleFlags {
		out.AddStyleFlag(flag)
	}
	for _, fact := range local.EntityMemory.Facts {
		out.AddFact(fact)
	}
	return out
}
