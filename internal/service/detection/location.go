package detection

import (
	"context"
	"math"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// Spoofing indicator scores; the finding takes the worst one.
const (
	scoreImpossibleTravel = 1.0
	scoreOverDriving      = 0.7
	scoreNullIsland       = 0.8
	scoreAccuracySwing    = 0.5
	scoreTooPrecise       = 0.4
	scoreOverWalking      = 0.2
)

// LocationDetector classifies implied travel speed between consecutive GPS
// fixes against transport-mode ceilings and checks the classic spoofing
// tells: null-island coordinates, abrupt accuracy swings, and implausibly
// precise accuracy.
type LocationDetector struct {
	cfg config.LocationConfig
}

func NewLocationDetector(cfg config.LocationConfig) *LocationDetector {
	return &LocationDetector{cfg: cfg}
}

func (d *LocationDetector) Type() anomaly.DetectorType {
	return anomaly.DetectorLocation
}

func (d *LocationDetector) Evaluate(ctx context.Context, snap *signal.Snapshot, _ Baselines) (anomaly.Finding, error) {
	f := newFinding(anomaly.DetectorLocation)

	var indicators []string
	worst := func(score float64, name string) {
		indicators = append(indicators, name)
		if score > f.Score {
			f.Score = score
		}
	}

	track := snap.GPSTrack
	for i, fix := range track {
		if fix.IsNullIsland() {
			worst(scoreNullIsland, "null_island")
			continue
		}
		if fix.AccuracyM > 0 && fix.AccuracyM < d.cfg.MinPlausibleAccuracyM {
			worst(scoreTooPrecise, "implausible_accuracy")
			f.Evidence["accuracy_m"] = fix.AccuracyM
		}

		if i == 0 {
			continue
		}
		prev := track[i-1]

		if swing := math.Abs(fix.AccuracyM - prev.AccuracyM); swing > d.cfg.AccuracySwingM {
			worst(scoreAccuracySwing, "accuracy_swing")
			f.Evidence["accuracy_swing_m"] = swing
		}

		speed := signal.ImpliedSpeedKmh(prev, fix)
		switch {
		case speed > d.cfg.FlyingMaxKmh:
			worst(scoreImpossibleTravel, "impossible_travel")
			f.Evidence["implied_speed_kmh"] = speed
			f.Evidence["distance_km"] = signal.HaversineKm(prev, fix)
		case speed > d.cfg.DrivingMaxKmh:
			worst(scoreOverDriving, "over_driving_speed")
			f.Evidence["implied_speed_kmh"] = speed
		case speed > d.cfg.WalkingMaxKmh:
			// An on-foot subject moving at vehicle speed. The score stays
			// below the firing threshold, so this never fires on its own.
			worst(scoreOverWalking, "over_walking_speed")
			f.Evidence["implied_speed_kmh"] = speed
		}
	}

	if len(indicators) > 0 {
		f.Evidence["indicators"] = indicators
	}

	finalize(&f)
	return f, nil
}
