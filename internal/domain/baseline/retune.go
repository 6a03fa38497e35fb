package baseline

import "time"

// TuningPolicy carries the knobs applied by the scheduled retuning job.
type TuningPolicy struct {
	// FalsePositiveCeiling is the trailing-window false-positive rate above
	// which the threshold moves toward the ceiling (less sensitive).
	FalsePositiveCeiling float64
	// SensitivityFloorSamples is the sample count a profile needs before the
	// threshold may be lowered toward the floor (more sensitive).
	SensitivityFloorSamples int
	// Step is how far a single retune moves the threshold.
	Step float64
}

// DefaultTuningPolicy mirrors the production defaults.
func DefaultTuningPolicy() TuningPolicy {
	return TuningPolicy{
		FalsePositiveCeiling:    0.30,
		SensitivityFloorSamples: 100,
		Step:                    0.25,
	}
}

// Outcomes summarizes resolved alerts linked to a profile over the trailing
// tuning window.
type Outcomes struct {
	Resolved       int
	FalsePositives int
}

// FalsePositiveRate returns the observed rate, or 0 with no resolutions.
func (o Outcomes) FalsePositiveRate() float64 {
	if o.Resolved == 0 {
		return 0
	}
	return float64(o.FalsePositives) / float64(o.Resolved)
}

// Retune returns a copy of the profile with the dynamic threshold adjusted
// for the observed outcomes. It is a pure function of (profile, outcomes):
// noisy profiles drift toward the ceiling, quiet well-sampled ones toward the
// floor, and the result always stays inside [ThresholdFloor, ThresholdCeiling].
func Retune(p Profile, outcomes Outcomes, policy TuningPolicy, now time.Time) Profile {
	next := p
	next.FalsePositiveRate = outcomes.FalsePositiveRate()
	next.LastTunedAt = now
	next.UpdatedAt = now

	switch {
	case next.FalsePositiveRate > policy.FalsePositiveCeiling:
		next.DynamicThreshold = p.DynamicThreshold + policy.Step
	case p.SampleCount >= policy.SensitivityFloorSamples && next.FalsePositiveRate <= policy.FalsePositiveCeiling/2:
		next.DynamicThreshold = p.DynamicThreshold - policy.Step
	default:
		// Not enough evidence either way; hold the current threshold.
	}

	if next.DynamicThreshold > ThresholdCeiling {
		next.DynamicThreshold = ThresholdCeiling
	}
	if next.DynamicThreshold < ThresholdFloor {
		next.DynamicThreshold = ThresholdFloor
	}

	return next
}
