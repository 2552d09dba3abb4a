// Package alerting aggregates health and usage signals from the memory
// pipeline into a metrics record and threshold-based alerts.
package alerting

import (
	"fmt"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach.
type Alert struct {
	AlertType      string    `json:"alert_type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	MetricName     string    `json:"metric_name"`
	CurrentValue   float64   `json:"current_value"`
	ThresholdValue float64   `json:"threshold_value"`
	Timestamp      time.Time `json:"timestamp"`
	ProjectID      string    `json:"project_id,omitempty"`
	EpisodeID      string    `json:"episode_id,omitempty"`
}

// MemoryMetrics is the aggregate health record exported to sinks.
type MemoryMetrics struct {
	GeneratedAt          time.Time `json:"generated_at"`
	TurnsIngested        int64     `json:"turns_ingested"`
	ConflictsDetected    int64     `json:"conflicts_detected"`
	ConflictsResolved    int64     `json:"conflicts_resolved"`
	CompressionRuns      int64     `json:"compression_runs"`
	TokensSaved          int64     `json:"tokens_saved"`
	FailuresRecorded     int64     `json:"failures_recorded"`
	MemoryUnavailable    int64     `json:"memory_unavailable"`
	ThrottledWrites      int64     `json:"throttled_writes"`
	ConflictRatio        float64   `json:"conflict_ratio"`
	FailureRatio         float64   `json:"failure_ratio"`
	AvgSubmitMS          float64   `json:"avg_submit_ms"`
	AvgPromptBuildMS     float64   `json:"avg_prompt_build_ms"`
	HealthScore          float64   `json:"health_score"`
	ActiveAlertCooldowns int       `json:"active_alert_cooldowns"`
}

// Thresholds gate alert emission.
type Thresholds struct {
	ConflictRatioWarn     float64
	FailureRatioWarn      float64
	FailureRatioCritical  float64
	MemoryUnavailableWarn int64
}

// DefaultThresholds returns the production alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConflictRatioWarn:     0.2,
		FailureRatioWarn:      0.05,
		FailureRatioCritical:  0.2,
		MemoryUnavailableWarn: 1,
	}
}

type alertKey struct {
	alertType string
	projectID string
	episodeID string
}

// Aggregator collects counters and timing samples and evaluates alerts with
// a per-(type, project, episode) cooldown.
type Aggregator struct {
	mu         sync.Mutex
	thresholds Thresholds
	cooldown   time.Duration
	lastFired  map[alertKey]time.Time
	now        func() time.Time

	turnsIngested     int64
	conflictsDetected int64
	conflictsResolved int64
	compressionRuns   int64
	tokensSaved       int64
	failuresRecorded  int64
	memoryUnavailable int64
	throttledWrites   int64

	submitSamples []float64
	buildSamples  []float64
}

const maxTimingSamples = 256

func NewAggregator(thresholds Thresholds, cooldown time.Duration) *Aggregator {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Aggregator{
		thresholds: thresholds,
		cooldown:   cooldown,
		lastFired:  make(map[alertKey]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Aggregator) RecordTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnsIngested++
}

func (a *Aggregator) RecordConflict(resolved bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conflictsDetected++
	if resolved {
		a.conflictsResolved++
	}
}

func (a *Aggregator) RecordCompression(tokensSaved int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compressionRuns++
	a.tokensSaved += int64(tokensSaved)
}

func (a *Aggregator) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failuresRecorded++
}

func (a *Aggregator) RecordMemoryUnavailable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memoryUnavailable++
}

func (a *Aggregator) RecordThrottled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.throttledWrites++
}

func (a *Aggregator) ObserveSubmit(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitSamples = appendSample(a.submitSamples, float64(d.Milliseconds()))
}

func (a *Aggregator) ObservePromptBuild(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buildSamples = appendSample(a.buildSamples, float64(d.Milliseconds()))
}

// Snapshot computes the current aggregate record.
func (a *Aggregator) Snapshot() MemoryMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := MemoryMetrics{
		GeneratedAt:          a.now(),
		TurnsIngested:        a.turnsIngested,
		ConflictsDetected:    a.conflictsDetected,
		ConflictsResolved:    a.conflictsResolved,
		CompressionRuns:      a.compressionRuns,
		TokensSaved:          a.tokensSaved,
		FailuresRecorded:     a.failuresRecorded,
		MemoryUnavailable:    a.memoryUnavailable,
		ThrottledWrites:      a.throttledWrites,
		AvgSubmitMS:          average(a.submitSamples),
		AvgPromptBuildMS:     average(a.buildSamples),
		ActiveAlertCooldowns: len(a.lastFired),
	}
	if a.turnsIngested > 0 {
		m.ConflictRatio = float64(a.conflictsDetected) / float64(a.turnsIngested)
		m.FailureRatio = float64(a.failuresRecorded) / float64(a.turnsIngested)
	}
	m.HealthScore = healthScore(m)
	return m
}

// Evaluate returns alerts for breached thresholds, suppressing repeats of
// the same (type, project, episode) inside the cooldown window.
func (a *Aggregator) Evaluate(projectID, episodeID string) []Alert {
	snap := a.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var alerts []Alert
	emit := func(alertType, metric string, severity Severity, current, threshold float64, msg string) {
		key := alertKey{alertType: alertType, projectID: projectID, episodeID: episodeID}
		if fired, ok := a.lastFired[key]; ok && now.Sub(fired) < a.cooldown {
			return
		}
		a.lastFired[key] = now
		alerts = append(alerts, Alert{
			AlertType:      alertType,
			Severity:       severity,
			Message:        msg,
			MetricName:     metric,
			CurrentValue:   current,
			ThresholdValue: threshold,
			Timestamp:      now,
			ProjectID:      projectID,
			EpisodeID:      episodeID,
		})
	}

	if snap.FailureRatio >= a.thresholds.FailureRatioCritical && snap.TurnsIngested > 0 {
		emit("memory_failures", "failure_ratio", SeverityCritical, snap.FailureRatio, a.thresholds.FailureRatioCritical,
			fmt.Sprintf("memory failure ratio %.2f exceeds critical threshold", snap.FailureRatio))
	} else if snap.FailureRatio >= a.thresholds.FailureRatioWarn && snap.TurnsIngested > 0 {
		emit("memory_failures", "failure_ratio", SeverityWarning, snap.FailureRatio, a.thresholds.FailureRatioWarn,
			fmt.Sprintf("memory failure ratio %.2f exceeds warning threshold", snap.FailureRatio))
	}
	if snap.ConflictRatio >= a.thresholds.ConflictRatioWarn && snap.TurnsIngested > 0 {
		emit("version_conflicts", "conflict_ratio", SeverityWarning, snap.ConflictRatio, a.thresholds.ConflictRatioWarn,
			fmt.Sprintf("version conflict ratio %.2f exceeds threshold", snap.ConflictRatio))
	}
	if snap.MemoryUnavailable >= a.thresholds.MemoryUnavailableWarn {
		emit("memory_unavailable", "memory_unavailable", SeverityCritical, float64(snap.MemoryUnavailable),
			float64(a.thresholds.MemoryUnavailableWarn), "requests served without memory due to open circuit")
	}
	return alerts
}

func appendSample(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > maxTimingSamples {
		samples = samples[len(samples)-maxTimingSamples:]
	}
	return samples
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// healthScore folds the ratios into a single 0-100 signal.
func healthScore(m MemoryMetrics) float64 {
	score := 100.0
	score -= m.ConflictRatio * 50
	score -= m.FailureRatio * 100
	if m.MemoryUnavailable > 0 {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	return score
}
