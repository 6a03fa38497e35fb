package detection

import (
	"context"
	"math"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// BehavioralDetector scores the deviation between the current signal vector
// and the subject's statistical baseline. It fires when the worst metric's
// |z-score| exceeds that profile's dynamic threshold, and amplifies the score
// during the configured deep-night band.
type BehavioralDetector struct {
	cfg config.BehavioralConfig
}

func NewBehavioralDetector(cfg config.BehavioralConfig) *BehavioralDetector {
	return &BehavioralDetector{cfg: cfg}
}

func (d *BehavioralDetector) Type() anomaly.DetectorType {
	return anomaly.DetectorBehavioral
}

func (d *BehavioralDetector) Evaluate(ctx context.Context, snap *signal.Snapshot, baselines Baselines) (anomaly.Finding, error) {
	f := newFinding(anomaly.DetectorBehavioral)

	var (
		worstZ         float64
		worstMetric    signal.MetricType
		worstThreshold float64
	)

	for _, metric := range signal.AllMetrics() {
		profile, ok := baselines[metric]
		if !ok || profile == nil || !profile.IsStable {
			continue
		}
		// A degraded source reads as zero activity; scoring it against the
		// baseline would turn missing data into a false anomaly.
		if sourceDegraded(snap, metric) {
			continue
		}

		z := profile.ZScore(snap.MetricValue(metric))
		if math.Abs(z) > math.Abs(worstZ) {
			worstZ = z
			worstMetric = metric
			worstThreshold = profile.DynamicThreshold
		}
	}

	if worstThreshold == 0 || math.Abs(worstZ) < worstThreshold {
		finalize(&f)
		return f, nil
	}

	// Scale so a deviation at twice the threshold saturates the score.
	f.Score = math.Abs(worstZ) / (2 * worstThreshold)
	if d.inNightBand(snap.WindowEnd.Hour()) {
		f.Score *= d.cfg.NightMultiplier
		f.Evidence["night_band"] = true
	}

	f.Evidence["metric"] = string(worstMetric)
	f.Evidence["z_score"] = worstZ
	f.Evidence["threshold"] = worstThreshold
	f.Evidence["observed"] = snap.MetricValue(worstMetric)

	finalize(&f)
	return f, nil
}

func (d *BehavioralDetector) inNightBand(hour int) bool {
	if d.cfg.NightStart <= d.cfg.NightEnd {
		return hour >= d.cfg.NightStart && hour <= d.cfg.NightEnd
	}
	// Band wraps midnight, e.g. 22–5.
	return hour >= d.cfg.NightStart || hour <= d.cfg.NightEnd
}
