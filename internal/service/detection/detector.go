package detection

import (
	"context"
	"time"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
)

// firedThreshold is the detector-local score at which a finding fires. It is
// independent of the orchestrator's composite tier cutoffs.
const firedThreshold = 0.5

// Baselines carries the subject's profiles, keyed by metric, as fetched by
// the orchestrator before the detector fan-out. Detectors only read them.
type Baselines map[signal.MetricType]*baseline.Profile

// Detector is one member of the closed detector set. Implementations are
// independent, hold no shared mutable state, and may run concurrently.
type Detector interface {
	Type() anomaly.DetectorType
	Evaluate(ctx context.Context, snap *signal.Snapshot, baselines Baselines) (anomaly.Finding, error)
}

func newFinding(typ anomaly.DetectorType) anomaly.Finding {
	return anomaly.Finding{
		Detector:  typ,
		Evidence:  make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// finalize clamps the score, applies the fired threshold and derives the
// severity tier from the final score.
func finalize(f *anomaly.Finding) {
	f.Clamp()
	f.Fired = f.Score >= firedThreshold
	f.Severity = severityForScore(f.Score)
}

func severityForScore(score float64) anomaly.Severity {
	switch {
	case score >= 0.9:
		return anomaly.SeverityCritical
	case score >= 0.7:
		return anomaly.SeverityHigh
	case score >= 0.4:
		return anomaly.SeverityMedium
	default:
		return anomaly.SeverityLow
	}
}

// metricSource maps each baselined metric onto the activity source that feeds
// it, so detectors can skip metrics whose source was degraded this cycle.
var metricSource = map[signal.MetricType]string{
	signal.MetricPhoneEvents:        "phone",
	signal.MetricLocationUpdates:    "gps",
	signal.MetricMovementKm:         "gps",
	signal.MetricTasksCompleted:     "tasks",
	signal.MetricCheckpointsScanned: "checkpoints",
}

func sourceDegraded(snap *signal.Snapshot, metric signal.MetricType) bool {
	src, ok := metricSource[metric]
	if !ok {
		return false
	}
	for _, degraded := range snap.DegradedSources {
		if degraded == src {
			return true
		}
	}
	return false
}
