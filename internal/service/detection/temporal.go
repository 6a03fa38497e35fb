package detection

import (
	"context"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// Per-violation score contributions. Stacked violations cap at 1.0 through
// the shared clamp.
const (
	scoreShortRest     = 0.5
	scoreOverlongShift = 0.5
	scoreOffHours      = 0.4
)

// TemporalDetector applies rule-based checks to the shift log: rest gaps
// shorter than the minimum, shifts over the maximum duration, and activity
// outside the expected working-hour band.
type TemporalDetector struct {
	cfg config.TemporalConfig
}

func NewTemporalDetector(cfg config.TemporalConfig) *TemporalDetector {
	return &TemporalDetector{cfg: cfg}
}

func (d *TemporalDetector) Type() anomaly.DetectorType {
	return anomaly.DetectorTemporal
}

func (d *TemporalDetector) Evaluate(ctx context.Context, snap *signal.Snapshot, _ Baselines) (anomaly.Finding, error) {
	f := newFinding(anomaly.DetectorTemporal)

	var violations []string

	for i, shift := range snap.ShiftLog {
		if shift.Duration() > d.cfg.MaxShiftDuration {
			violations = append(violations, "overlong_shift")
			f.Score += scoreOverlongShift
			f.Evidence["overlong_shift_hours"] = shift.Duration().Hours()
		}
		if i > 0 {
			rest := shift.Start.Sub(snap.ShiftLog[i-1].End)
			if rest >= 0 && rest < d.cfg.MinRestGap {
				violations = append(violations, "short_rest_gap")
				f.Score += scoreShortRest
				f.Evidence["rest_gap_hours"] = rest.Hours()
			}
		}
	}

	if d.hasOffHoursActivity(snap) {
		violations = append(violations, "off_hours_activity")
		f.Score += scoreOffHours
		f.Evidence["window_end_hour"] = snap.WindowEnd.Hour()
	}

	if len(violations) > 0 {
		f.Evidence["violations"] = violations
	}

	finalize(&f)
	return f, nil
}

// hasOffHoursActivity reports activity recorded in a window whose end falls
// outside the expected working-hour band.
func (d *TemporalDetector) hasOffHoursActivity(snap *signal.Snapshot) bool {
	active := snap.PhoneEvents > 0 || snap.TasksCompleted > 0 || snap.CheckpointsScanned > 0
	if !active {
		return false
	}
	hour := snap.WindowEnd.Hour()
	return hour < d.cfg.WorkdayStart || hour >= d.cfg.WorkdayEnd
}
