package alerting

import (
	"testing"
	"time"
)

func testAggregator(at *time.Time) *Aggregator {
	a := NewAggregator(DefaultThresholds(), 15*time.Minute)
	a.SetClock(func() time.Time { return *at })
	return a
}

func TestSnapshotRatios(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAggregator(&now)

	for i := 0; i < 10; i++ {
		a.RecordTurn()
	}
	a.RecordConflict(true)
	a.RecordConflict(true)
	a.RecordFailure()
	a.RecordCompression(500)
	a.ObserveSubmit(10 * time.Millisecond)
	a.ObserveSubmit(30 * time.Millisecond)

	m := a.Snapshot()
	if m.TurnsIngested != 10 || m.ConflictsDetected != 2 || m.ConflictsResolved != 2 {
		t.Fatalf("counters off: %+v", m)
	}
	if m.ConflictRatio != 0.2 || m.FailureRatio != 0.1 {
		t.Fatalf("ratios = %v/%v, want 0.2/0.1", m.ConflictRatio, m.FailureRatio)
	}
	if m.TokensSaved != 500 {
		t.Fatalf("tokens saved = %d, want 500", m.TokensSaved)
	}
	if m.AvgSubmitMS != 20 {
		t.Fatalf("avg submit = %v, want 20", m.AvgSubmitMS)
	}
	if m.HealthScore >= 100 || m.HealthScore <= 0 {
		t.Fatalf("health score = %v, want degraded but positive", m.HealthScore)
	}
}

func TestEvaluateThresholds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAggregator(&now)

	for i := 0; i < 10; i++ {
		a.RecordTurn()
	}
	for i := 0; i < 3; i++ {
		a.RecordConflict(true)
		a.RecordFailure()
	}

	alerts := a.Evaluate("p1", "e1")
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d (%+v), want failure + conflict", len(alerts), alerts)
	}
	var sawCriticalFailure, sawConflict bool
	for _, al := range alerts {
		if al.AlertType == "memory_failures" && al.Severity == SeverityCritical {
			sawCriticalFailure = true
		}
		if al.AlertType == "version_conflicts" && al.Severity == SeverityWarning {
			sawConflict = true
		}
		if al.ProjectID != "p1" || al.EpisodeID != "e1" {
			t.Fatalf("alert scope = %q/%q", al.ProjectID, al.EpisodeID)
		}
	}
	if !sawCriticalFailure || !sawConflict {
		t.Fatalf("alert kinds missing: %+v", alerts)
	}
}

func TestEvaluateCooldownDedup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAggregator(&now)

	a.RecordTurn()
	a.RecordMemoryUnavailable()

	if got := a.Evaluate("p1", "e1"); len(got) != 1 {
		t.Fatalf("first evaluation = %d alerts, want 1", len(got))
	}
	now = now.Add(5 * time.Minute)
	if got := a.Evaluate("p1", "e1"); len(got) != 0 {
		t.Fatalf("alert re-fired inside cooldown: %+v", got)
	}
	// A different episode scope has its own cooldown.
	if got := a.Evaluate("p1", "e2"); len(got) != 1 {
		t.Fatalf("separate scope suppressed: %+v", got)
	}
	now = now.Add(11 * time.Minute)
	if got := a.Evaluate("p1", "e1"); len(got) != 1 {
		t.Fatalf("alert did not re-fire after cooldown: %+v", got)
	}
}

func TestHealthScoreClamped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAggregator(&now)
	a.RecordTurn()
	for i := 0; i < 5; i++ {
		a.RecordFailure()
	}
	a.RecordMemoryUnavailable()
	if got := a.Snapshot().HealthScore; got != 0 {
		t.Fatalf("health score = %v, want clamped to 0", got)
	}
}
