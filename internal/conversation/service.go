// Package conversation orchestrates the memory pipeline: throttled turn
// ingestion, optimistic-version conflict resolution, compaction, circuit
// breaking and prompt assembly.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mferrante/greenroom/internal/alerting"
	"github.com/mferrante/greenroom/internal/compress"
	"github.com/mferrante/greenroom/internal/extract"
	"github.com/mferrante/greenroom/internal/memory"
	"github.com/mferrante/greenroom/internal/merge"
	"github.com/mferrante/greenroom/internal/observability"
	"github.com/mferrante/greenroom/internal/prompt"
	"github.com/mferrante/greenroom/internal/recovery"
	"github.com/mferrante/greenroom/internal/reliability"
	"github.com/mferrante/greenroom/internal/throttle"
)

// SyncStatus reports how a submission reconciled with the stored state.
type SyncStatus string

const (
	SyncSynchronized     SyncStatus = "synchronized"
	SyncConflictResolved SyncStatus = "conflict_resolved"
	SyncConflictDetected SyncStatus = "conflict_detected"
)

// Config tunes the service.
type Config struct {
	ThrottleInterval time.Duration
	FlushInterval    time.Duration
	MergeStrategy    merge.Strategy
	Recovery         recovery.Config
	TotalTokenBudget int
	WarnThreshold    float64
	DisableThreshold float64
}

// SubmitRequest is one turn submission from the transport layer.
type SubmitRequest struct {
	ProjectID       string         `json:"project_id"`
	EpisodeID       string         `json:"episode_id"`
	Content         string         `json:"content"`
	Source          memory.Source  `json:"source"`
	JobID           string         `json:"job_id,omitempty"`
	Selection       map[string]any `json:"selection,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`

	// Renames carries explicit character rename decisions made alongside the
	// turn, applied to entity memory in the same write.
	Renames map[string]string `json:"renames,omitempty"`
}

// StateSummary is the caller-facing view of a state after an operation.
type StateSummary struct {
	ProjectID        string `json:"project_id"`
	EpisodeID        string `json:"episode_id"`
	MemoryVersion    int64  `json:"memory_version"`
	HistoryDepth     int    `json:"history_depth"`
	HistoryCompacted bool   `json:"history_compacted"`
	MemoryEnabled    bool   `json:"memory_enabled"`
	MemoryTokens     int    `json:"memory_tokens"`
}

// SubmitResult is the outcome of one submission.
type SubmitResult struct {
	State             StateSummary      `json:"state"`
	SyncStatus        SyncStatus        `json:"sync_status"`
	Resolution        *merge.Resolution `json:"resolution,omitempty"`
	Compressed        bool              `json:"compressed"`
	TokensSaved       int               `json:"tokens_saved,omitempty"`
	Throttled         bool              `json:"throttled"`
	RetryAfter        time.Duration     `json:"retry_after_ms,omitempty"`
	MemoryUnavailable bool              `json:"memory_unavailable"`
}

// SyncEvent is broadcast to subscribed clients after every applied write.
type SyncEvent struct {
	ProjectID     string     `json:"project_id"`
	EpisodeID     string     `json:"episode_id"`
	SyncStatus    SyncStatus `json:"sync_status"`
	MemoryVersion int64      `json:"memory_version"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Service wires the memory pipeline together. Per-key mutual exclusion is
// provided here; the merger handles the residual conflicts from callers
// that cached a stale version.
type Service struct {
	cfg        Config
	store      memory.Store
	throttler  *throttle.Throttler
	resolver   *merge.Resolver
	compressor *compress.Compressor
	breaker    *recovery.Manager
	metrics    *observability.Metrics
	alerts     *alerting.Aggregator

	mu       sync.Mutex
	keyLocks map[memory.Key]*sync.Mutex

	subMu       sync.Mutex
	subscribers map[memory.Key]map[int]chan SyncEvent
	nextSubID   int
}

func New(cfg Config, store memory.Store, metrics *observability.Metrics, alerts *alerting.Aggregator) *Service {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.TotalTokenBudget <= 0 {
		cfg.TotalTokenBudget = 8000
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		throttler:   throttle.New(cfg.ThrottleInterval),
		resolver:    merge.NewResolver(cfg.MergeStrategy),
		compressor:  compress.New(extract.NewKeywordExtractor()),
		breaker:     recovery.NewManager(cfg.Recovery),
		metrics:     metrics,
		alerts:      alerts,
		keyLocks:    make(map[memory.Key]*sync.Mutex),
		subscribers: make(map[memory.Key]map[int]chan SyncEvent),
	}
}

// SubmitTurn runs the full ingestion pipeline for one turn.
func (s *Service) SubmitTurn(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	started := time.Now()
	key, err := keyFrom(req.ProjectID, req.EpisodeID)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		s.breaker.RecordFailure(key, recovery.FailureValidation)
		s.recordFailureSignals(key, recovery.FailureValidation)
		return SubmitResult{}, fmt.Errorf("turn content is required")
	}

	if !s.breaker.Allow(key) {
		s.alerts.RecordMemoryUnavailable()
		s.updateBreakerGauges(key)
		return SubmitResult{
			State:             StateSummary{ProjectID: key.ProjectID, EpisodeID: key.EpisodeID},
			MemoryUnavailable: true,
		}, nil
	}

	turn := memory.NewTurn(req.Content, req.Source, req.JobID, req.Selection)

	if !s.throttler.CanWrite(key) {
		s.throttler.Enqueue(throttle.Op{Key: key, Turn: &turn, Timestamp: turn.CreatedAt})
		s.metrics.ThrottledWrites.Inc()
		s.alerts.RecordThrottled()
		return SubmitResult{
			State:      StateSummary{ProjectID: key.ProjectID, EpisodeID: key.EpisodeID},
			SyncStatus: SyncSynchronized,
			Throttled:  true,
			RetryAfter: s.cfg.ThrottleInterval,
		}, nil
	}

	result, err := s.applyTurns(ctx, key, []memory.Turn{turn}, req.Renames, req.ExpectedVersion)
	if err != nil {
		return SubmitResult{}, err
	}

	s.metrics.TurnsIngested.WithLabelValues(string(req.Source)).Inc()
	s.metrics.SyncOutcomes.WithLabelValues(string(result.SyncStatus)).Inc()
	s.metrics.ObserveSubmitLatency(time.Since(started))
	s.alerts.RecordTurn()
	s.alerts.ObserveSubmit(time.Since(started))
	return result, nil
}

// applyTurns loads, mutates and persists the state for key under its lock.
func (s *Service) applyTurns(ctx context.Context, key memory.Key, turns []memory.Turn, renames map[string]string, expectedVersion *int64) (SubmitResult, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, found, err := s.store.Get(ctx, key)
	if err != nil {
		kind := reliability.Classify(err)
		s.breaker.RecordFailure(key, kind)
		s.recordFailureSignals(key, kind)
		return SubmitResult{}, fmt.Errorf("load state: %w", err)
	}
	if !found {
		state = memory.NewState(key)
	}

	result := SubmitResult{SyncStatus: SyncSynchronized}

	if expectedVersion != nil && *expectedVersion != state.MemoryVersion {
		// Stale client: rebuild its view on top of the expected version and
		// reconcile against the authoritative state.
		local := state.Clone()
		local.MemoryVersion = *expectedVersion
		for _, t := range turns {
			local = local.WithTurn(t)
		}
		local.EntityMemory = local.EntityMemory.Clone()
		for oldName, newName := range renames {
			_ = local.EntityMemory.SetRename(oldName, newName)
		}
		merged, resolution := s.resolver.Resolve(local, state)
		state = merged
		result.SyncStatus = SyncConflictResolved
		if s.cfg.MergeStrategy == merge.StrategyManualReview && len(resolution.MergeWarnings) > 0 {
			// Flagged conflicts still merge deterministically, but the caller
			// is told review is outstanding.
			result.SyncStatus = SyncConflictDetected
		}
		result.Resolution = &resolution
		s.alerts.RecordConflict(result.SyncStatus == SyncConflictResolved)
	} else {
		for _, t := range turns {
			state = state.WithTurn(t)
		}
		if len(renames) > 0 {
			next := state.Clone()
			for oldName, newName := range renames {
				_ = next.EntityMemory.SetRename(oldName, newName)
			}
			state = next.WithHistory(next.History)
		}
	}

	if s.compressor.NeedsCompression(state) {
		s.breaker.TakeSnapshot(key, state)
		compressed, report := s.compressor.Compress(state)
		state = compressed
		result.Compressed = true
		result.TokensSaved = report.TokensSaved
		s.metrics.CompressionRuns.Inc()
		s.metrics.TokensSaved.Add(float64(report.TokensSaved))
		s.alerts.RecordCompression(report.TokensSaved)
	}

	if err := s.store.Put(ctx, state); err != nil {
		kind := reliability.Classify(err)
		s.breaker.RecordFailure(key, kind)
		s.recordFailureSignals(key, kind)
		if restored, ok := s.breaker.Rollback(key); ok {
			// Best effort: keep the pre-compression state available in the
			// store for the next caller.
			_ = s.store.Put(ctx, restored)
		}
		return SubmitResult{}, fmt.Errorf("save state: %w", err)
	}

	s.breaker.RecordSuccess(key)
	s.updateBreakerGauges(key)
	result.State = summarize(state)
	s.broadcast(SyncEvent{
		ProjectID:     key.ProjectID,
		EpisodeID:     key.EpisodeID,
		SyncStatus:    result.SyncStatus,
		MemoryVersion: state.MemoryVersion,
		Timestamp:     time.Now().UTC(),
	})
	return result, nil
}

// FlushPending drains queued throttled writes whose debounce deadline has
// elapsed and applies each folded op. Returns the number of flushed keys.
func (s *Service) FlushPending(ctx context.Context) int {
	flushed := 0
	for _, key := range s.throttler.PendingKeys() {
		op, ok := s.throttler.Drain(key)
		if !ok {
			continue
		}
		turns := op.Turns()
		if len(turns) == 0 && op.EntityMemory == nil {
			continue
		}
		if _, err := s.applyFold(ctx, key, op); err == nil {
			flushed++
		}
	}
	return flushed
}

func (s *Service) applyFold(ctx context.Context, key memory.Key, op throttle.Op) (SubmitResult, error) {
	if !s.breaker.Allow(key) {
		s.alerts.RecordMemoryUnavailable()
		return SubmitResult{MemoryUnavailable: true}, nil
	}
	result, err := s.applyTurns(ctx, key, op.Turns(), nil, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	if op.EntityMemory != nil {
		if err := s.mergeEntityUpdate(ctx, key, *op.EntityMemory); err != nil {
			return result, err
		}
	}
	for _, t := range op.Turns() {
		s.metrics.TurnsIngested.WithLabelValues(string(t.Source)).Inc()
		s.alerts.RecordTurn()
	}
	return result, nil
}

func (s *Service) mergeEntityUpdate(ctx context.Context, key memory.Key, em memory.EntityMemory) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, found, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		state = memory.NewState(key)
	}
	next := state.Clone()
	for oldName, newName := range em.RenameMap {
		_ = next.EntityMemory.SetRename(oldName, newName)
	}
	for _, flag := range em.StyleFlags {
		next.EntityMemory.AddStyleFlag(flag)
	}
	for _, fact := range em.Facts {
		next.EntityMemory.AddFact(fact)
	}
	next = next.WithHistory(next.History)
	if err := s.store.Put(ctx, next); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// RunFlushLoop drains pending throttled writes until ctx is canceled.
func (s *Service) RunFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.FlushPending(ctx)
		}
	}
}

// GetState returns the caller-facing state for a key, creating it lazily.
func (s *Service) GetState(ctx context.Context, projectID, episodeID string) (memory.State, error) {
	key, err := keyFrom(projectID, episodeID)
	if err != nil {
		return memory.State{}, err
	}
	state, found, err := s.store.Get(ctx, key)
	if err != nil {
		return memory.State{}, fmt.Errorf("load state: %w", err)
	}
	if !found {
		state = memory.NewState(key)
		if err := s.store.Put(ctx, state); err != nil {
			return memory.State{}, fmt.Errorf("save state: %w", err)
		}
	}
	return state, nil
}

// PreviewCompression runs a compaction dry-run without mutating state.
func (s *Service) PreviewCompression(ctx context.Context, projectID, episodeID string) (compress.Result, error) {
	state, err := s.GetState(ctx, projectID, episodeID)
	if err != nil {
		return compress.Result{}, err
	}
	return s.compressor.Preview(state), nil
}

// PromptRequest carries the transport inputs for one prompt build.
type PromptRequest struct {
	ProjectID              string `json:"project_id"`
	EpisodeID              string `json:"episode_id"`
	SystemPrompt           string `json:"system_prompt"`
	RAGContext             string `json:"rag_context"`
	UserPrompt             string `json:"user_prompt"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
}

// BuildPrompt assembles the budgeted prompt for an episode.
func (s *Service) BuildPrompt(ctx context.Context, req PromptRequest) (string, prompt.Usage, error) {
	started := time.Now()
	state, err := s.GetState(ctx, req.ProjectID, req.EpisodeID)
	if err != nil {
		return "", prompt.Usage{}, err
	}

	budget, err := prompt.NewBudget(s.cfg.TotalTokenBudget, state.Policy)
	if err != nil {
		return "", prompt.Usage{}, fmt.Errorf("derive budget: %w", err)
	}

	var decisionLog []string
	if state.HistoryCompacted {
		decisionLog = state.EntityMemory.Facts
	}
	builder := prompt.NewBuilder(budget, s.cfg.WarnThreshold, s.cfg.DisableThreshold)
	out, usage := builder.Build(prompt.Request{
		SystemPrompt:           req.SystemPrompt,
		State:                  state,
		DecisionLog:            decisionLog,
		RAGContext:             req.RAGContext,
		UserPrompt:             req.UserPrompt,
		AdditionalInstructions: req.AdditionalInstructions,
	})

	s.metrics.PromptTokens.Observe(float64(usage.Total))
	s.alerts.ObservePromptBuild(time.Since(started))
	return out, usage, nil
}

// Subscribe delivers sync events for a key until the returned cancel func
// runs. Slow subscribers drop events rather than block the pipeline.
func (s *Service) Subscribe(projectID, episodeID string) (<-chan SyncEvent, func()) {
	key, err := keyFrom(projectID, episodeID)
	if err != nil {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan SyncEvent, 64)
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[key]; !ok {
		s.subscribers[key] = make(map[int]chan SyncEvent)
	}
	s.subscribers[key][id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subscribers[key]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, key)
		}
	}
}

// Alerts evaluates threshold alerts for a scope and counts emissions.
func (s *Service) Alerts(projectID, episodeID string) []alerting.Alert {
	alerts := s.alerts.Evaluate(projectID, episodeID)
	for _, a := range alerts {
		s.metrics.AlertsFired.WithLabelValues(string(a.Severity)).Inc()
	}
	return alerts
}

// MetricsSnapshot exposes the aggregate health record.
func (s *Service) MetricsSnapshot() alerting.MemoryMetrics {
	return s.alerts.Snapshot()
}

func (s *Service) broadcast(ev SyncEvent) {
	key := memory.Key{ProjectID: ev.ProjectID, EpisodeID: ev.EpisodeID}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers[key] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Service) lockFor(key memory.Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[key] = lock
	}
	return lock
}

func (s *Service) recordFailureSignals(key memory.Key, kind recovery.FailureKind) {
	s.metrics.MemoryFailures.WithLabelValues(string(kind)).Inc()
	s.alerts.RecordFailure()
	s.updateBreakerGauges(key)
}

func (s *Service) updateBreakerGauges(key memory.Key) {
	keyOpen := 0.0
	if st := s.breaker.State(key); st == recovery.StateOpen || st == recovery.StateDisabled {
		keyOpen = 1
	}
	globalOpen := 0.0
	if st := s.breaker.GlobalState(); st == recovery.StateOpen || st == recovery.StateDisabled {
		globalOpen = 1
	}
	s.metrics.BreakerOpen.WithLabelValues("episode").Set(keyOpen)
	s.metrics.BreakerOpen.WithLabelValues("global").Set(globalOpen)
}

func summarize(state memory.State) StateSummary {
	return StateSummary{
		ProjectID:        state.Key.ProjectID,
		EpisodeID:        state.Key.EpisodeID,
		MemoryVersion:    state.MemoryVersion,
		HistoryDepth:     len(state.History),
		HistoryCompacted: state.HistoryCompacted,
		MemoryEnabled:    state.MemoryEnabled,
		MemoryTokens:     state.MemoryTokens(),
	}
}

func keyFrom(projectID, episodeID string) (memory.Key, error) {
	projectID = strings.TrimSpace(projectID)
	episodeID = strings.TrimSpace(episodeID)
	if projectID == "" || episodeID == "" {
		return memory.Key{}, fmt.Errorf("project_id and episode_id are required")
	}
	return memory.Key{ProjectID: projectID, EpisodeID: episodeID}, nil
}
