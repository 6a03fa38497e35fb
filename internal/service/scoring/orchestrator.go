package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/service/detection"
)

// SnapshotCollector produces the signal snapshot for one evaluation window.
type SnapshotCollector interface {
	Collect(ctx context.Context, tenantID, subjectID, siteID uuid.UUID, start, end time.Time) (*signal.Snapshot, error)
}

// BaselineReader is the read-shared side of the baseline store. Scoring
// never writes profiles.
type BaselineReader interface {
	Get(ctx context.Context, tenantID, subjectID uuid.UUID, metric signal.MetricType) (*baseline.Profile, error)
}

// Orchestrator fans an evaluation out over the closed detector set and folds
// the findings into one composite anomaly event. Blocking is advisory: the
// event carries a flag, nothing is enforced here.
type Orchestrator struct {
	collector SnapshotCollector
	baselines BaselineReader
	detectors []detection.Detector
	cfg       config.DetectionConfig
	logger    *zap.Logger
}

func NewOrchestrator(
	collector SnapshotCollector,
	baselines BaselineReader,
	detectors []detection.Detector,
	cfg config.DetectionConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if len(detectors) == 0 {
		return nil, errors.NewValidationError("NO_DETECTORS", "at least one detector is required")
	}
	return &Orchestrator{
		collector: collector,
		baselines: baselines,
		detectors: detectors,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// EvaluateSubject runs one full evaluation cycle for a subject: collect the
// window, score it, and return the composite event.
func (o *Orchestrator) EvaluateSubject(ctx context.Context, tenantID, subjectID, siteID uuid.UUID, window time.Duration) (*anomaly.Event, error) {
	end := time.Now()
	snap, err := o.collector.Collect(ctx, tenantID, subjectID, siteID, end.Add(-window), end)
	if err != nil {
		return nil, errors.Wrap(err, "collecting signals")
	}
	return o.Score(ctx, snap)
}

// Score runs all detectors against a snapshot and composites the result.
// Detector evaluation is order-independent and runs concurrently under the
// scoring wall-clock budget.
func (o *Orchestrator) Score(ctx context.Context, snap *signal.Snapshot) (*anomaly.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ScoreBudget)
	defer cancel()

	baselines, err := o.fetchBaselines(ctx, snap)
	if err != nil {
		return nil, err
	}

	findings := make([]anomaly.Finding, len(o.detectors))
	var wg sync.WaitGroup
	for i, d := range o.detectors {
		wg.Add(1)
		go func(i int, d detection.Detector) {
			defer wg.Done()
			f, err := d.Evaluate(ctx, snap, baselines)
			if err != nil {
				// A failed detector contributes no evidence; absence of
				// evidence is not evidence of anomaly.
				o.logger.Warn("detector evaluation failed",
					zap.String("detector", string(d.Type())),
					zap.String("subject_id", snap.SubjectID.String()),
					zap.Error(err))
				f = anomaly.Finding{Detector: d.Type(), Timestamp: time.Now()}
			}
			findings[i] = f
		}(i, d)
	}
	wg.Wait()

	if snap.Partial {
		for i := range findings {
			findings[i].Score *= o.cfg.PartialDiscount
			findings[i].Clamp()
		}
	}

	composite := o.composite(findings)
	tier := o.tier(composite)

	ev := &anomaly.Event{
		ID:                 uuid.New(),
		TenantID:           snap.TenantID,
		SubjectID:          snap.SubjectID,
		SiteID:             snap.SiteID,
		CompositeScore:     composite,
		RiskTier:           tier,
		ShouldBlock:        tier == anomaly.RiskCritical,
		Findings:           findings,
		RecommendedActions: recommendedActions(tier, findings),
		Partial:            snap.Partial,
		WindowStart:        snap.WindowStart,
		WindowEnd:          snap.WindowEnd,
		ScoredAt:           time.Now(),
	}

	return ev, nil
}

func (o *Orchestrator) fetchBaselines(ctx context.Context, snap *signal.Snapshot) (detection.Baselines, error) {
	baselines := make(detection.Baselines, len(signal.AllMetrics()))
	for _, metric := range signal.AllMetrics() {
		profile, err := o.baselines.Get(ctx, snap.TenantID, snap.SubjectID, metric)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return nil, errors.Wrap(err, "reading baseline profile")
		}
		baselines[metric] = profile
	}
	return baselines, nil
}

// composite is the fixed weighted sum over detector scores, clamped to [0,1].
func (o *Orchestrator) composite(findings []anomaly.Finding) float64 {
	var sum float64
	for _, f := range findings {
		sum += o.weightFor(f.Detector) * f.Score
	}
	if sum > 1 {
		sum = 1
	}
	if sum < 0 {
		sum = 0
	}
	return sum
}

func (o *Orchestrator) weightFor(typ anomaly.DetectorType) float64 {
	switch typ {
	case anomaly.DetectorBehavioral:
		return o.cfg.Weights.Behavioral
	case anomaly.DetectorTemporal:
		return o.cfg.Weights.Temporal
	case anomaly.DetectorLocation:
		return o.cfg.Weights.Location
	case anomaly.DetectorDevice:
		return o.cfg.Weights.Device
	default:
		return 0
	}
}

func (o *Orchestrator) tier(score float64) anomaly.RiskTier {
	tc := o.cfg.TierCutoffs
	switch {
	case score >= tc.Critical:
		return anomaly.RiskCritical
	case score >= tc.High:
		return anomaly.RiskHigh
	case score >= tc.Medium:
		return anomaly.RiskMedium
	default:
		return anomaly.RiskLow
	}
}

func recommendedActions(tier anomaly.RiskTier, findings []anomaly.Finding) []string {
	var actions []string

	switch tier {
	case anomaly.RiskCritical:
		actions = append(actions, "block_subject_pending_review", "notify_site_supervisor")
	case anomaly.RiskHigh:
		actions = append(actions, "verify_subject_identity", "notify_site_supervisor")
	case anomaly.RiskMedium:
		actions = append(actions, "flag_for_review")
	}

	for _, f := range findings {
		if !f.Fired {
			continue
		}
		switch f.Detector {
		case anomaly.DetectorLocation:
			actions = append(actions, "request_live_location")
		case anomaly.DetectorDevice:
			actions = append(actions, "audit_device_assignments")
		}
	}

	return actions
}
