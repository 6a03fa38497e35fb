package tuning

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/metrics"
)

// ProfileStore is the write side of the baseline store. Only the tuning job
// writes thresholds; scoring reads them shared.
type ProfileStore interface {
	// ListDue returns profiles whose last tuning predates the cutoff.
	ListDue(ctx context.Context, tunedBefore time.Time) ([]*baseline.Profile, error)
	Save(ctx context.Context, p *baseline.Profile) error
}

// OutcomeSource reports resolved-alert outcomes for a subject over the
// trailing window, the feedback signal the retuner consumes.
type OutcomeSource interface {
	OutcomesFor(ctx context.Context, tenantID, subjectID uuid.UUID, since time.Time) (baseline.Outcomes, error)
}

// Retuner is the scheduled job closing the false-positive feedback loop: it
// walks due profiles and moves each dynamic threshold per the observed
// outcome rates. Writes are last-write-wins; the job never runs on the
// scoring path.
type Retuner struct {
	profiles ProfileStore
	outcomes OutcomeSource
	cfg      config.TuningConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func NewRetuner(profiles ProfileStore, outcomes OutcomeSource, cfg config.TuningConfig, registry *metrics.Registry, logger *zap.Logger) *Retuner {
	return &Retuner{profiles: profiles, outcomes: outcomes, cfg: cfg, metrics: registry, logger: logger}
}

// Run executes one tuning pass and returns the number of profiles retuned.
// Per-profile failures are logged and skipped; the profile stays due and the
// next pass retries it.
func (r *Retuner) Run(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := r.profiles.ListDue(ctx, now.Add(-r.cfg.Interval))
	if err != nil {
		return 0, errors.Wrap(err, "listing due profiles")
	}

	policy := baseline.TuningPolicy{
		FalsePositiveCeiling:    r.cfg.FalsePositiveCeiling,
		SensitivityFloorSamples: r.cfg.StabilityFloor,
		Step:                    r.cfg.Step,
	}

	tuned := 0
	for _, p := range due {
		outcomes, err := r.outcomes.OutcomesFor(ctx, p.TenantID, p.SubjectID, now.Add(-r.cfg.OutcomeWindow))
		if err != nil {
			r.logger.Warn("outcome lookup failed, profile stays due",
				zap.String("profile", p.Key()),
				zap.Error(err))
			continue
		}

		next := baseline.Retune(*p, outcomes, policy, now)
		if err := r.profiles.Save(ctx, &next); err != nil {
			r.logger.Warn("saving retuned profile failed",
				zap.String("profile", p.Key()),
				zap.Error(err))
			continue
		}

		if next.DynamicThreshold != p.DynamicThreshold {
			r.metrics.RecordThresholdAdjustment(ctx, next.DynamicThreshold-p.DynamicThreshold)
			r.logger.Info("dynamic threshold adjusted",
				zap.String("profile", p.Key()),
				zap.Float64("from", p.DynamicThreshold),
				zap.Float64("to", next.DynamicThreshold),
				zap.Float64("false_positive_rate", next.FalsePositiveRate))
		}
		tuned++
	}
	return tuned, nil
}
