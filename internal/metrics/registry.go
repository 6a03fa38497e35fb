package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the monitor's domain metrics.
type Registry struct {
	meter metric.Meter

	// Scoring pipeline
	EvaluationDuration metric.Float64Histogram
	EvaluationCounter  metric.Int64Counter
	EvaluationFailures metric.Int64Counter
	DetectorFires      metric.Int64Counter
	CompositeScore     metric.Float64Histogram
	PartialSnapshots   metric.Int64Counter

	// Correlation
	ClustersOpened    metric.Int64Counter
	ClusterMerges     metric.Int64Counter
	AlertsSuppressed  metric.Int64Counter
	CASConflicts      metric.Int64Counter
	ActiveClusters    metric.Int64ObservableGauge

	// Escalation
	RecordsEscalated metric.Int64Counter
	TicketsCreated   metric.Int64Counter
	TicketsLinked    metric.Int64Counter
	SweepDuration    metric.Float64Histogram

	// Tuning
	ProfilesRetuned     metric.Int64Counter
	ThresholdAdjustment metric.Float64Histogram

	mu             sync.RWMutex
	activeClusters int64
}

// NewRegistry builds the registry against the global meter provider.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	if err := r.initScoringMetrics(); err != nil {
		return nil, err
	}
	if err := r.initCorrelationMetrics(); err != nil {
		return nil, err
	}
	if err := r.initEscalationMetrics(); err != nil {
		return nil, err
	}
	if err := r.initTuningMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initScoringMetrics() error {
	var err error

	r.EvaluationDuration, err = r.meter.Float64Histogram(
		"fig.scoring.evaluation_duration",
		metric.WithDescription("Duration of one collect+score evaluation in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 2000, 5000),
	)
	if err != nil {
		return err
	}

	r.EvaluationCounter, err = r.meter.Int64Counter(
		"fig.scoring.evaluations",
		metric.WithDescription("Completed subject evaluations"),
	)
	if err != nil {
		return err
	}

	r.EvaluationFailures, err = r.meter.Int64Counter(
		"fig.scoring.evaluation_failures",
		metric.WithDescription("Evaluations abandoned on error or budget expiry"),
	)
	if err != nil {
		return err
	}

	r.DetectorFires, err = r.meter.Int64Counter(
		"fig.scoring.detector_fires",
		metric.WithDescription("Detector findings over the fired threshold, by detector"),
	)
	if err != nil {
		return err
	}

	r.CompositeScore, err = r.meter.Float64Histogram(
		"fig.scoring.composite_score",
		metric.WithDescription("Distribution of composite risk scores"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		return err
	}

	r.PartialSnapshots, err = r.meter.Int64Counter(
		"fig.collector.partial_snapshots",
		metric.WithDescription("Snapshots degraded by unavailable upstream sources"),
	)
	return err
}

func (r *Registry) initCorrelationMetrics() error {
	var err error

	r.ClustersOpened, err = r.meter.Int64Counter(
		"fig.correlation.clusters_opened",
		metric.WithDescription("New alert clusters opened"),
	)
	if err != nil {
		return err
	}

	r.ClusterMerges, err = r.meter.Int64Counter(
		"fig.correlation.merges",
		metric.WithDescription("Events merged into existing clusters"),
	)
	if err != nil {
		return err
	}

	r.AlertsSuppressed, err = r.meter.Int64Counter(
		"fig.correlation.suppressed",
		metric.WithDescription("Near-duplicate events suppressed on merge"),
	)
	if err != nil {
		return err
	}

	r.CASConflicts, err = r.meter.Int64Counter(
		"fig.correlation.cas_conflicts",
		metric.WithDescription("Optimistic cluster updates lost to a concurrent writer"),
	)
	if err != nil {
		return err
	}

	r.ActiveClusters, err = r.meter.Int64ObservableGauge(
		"fig.correlation.active_clusters",
		metric.WithDescription("Currently active alert clusters"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeClusters)
			return nil
		}),
	)
	return err
}

func (r *Registry) initEscalationMetrics() error {
	var err error

	r.RecordsEscalated, err = r.meter.Int64Counter(
		"fig.escalation.auto_escalated",
		metric.WithDescription("Records auto-escalated past their severity deadline"),
	)
	if err != nil {
		return err
	}

	r.TicketsCreated, err = r.meter.Int64Counter(
		"fig.escalation.tickets_created",
		metric.WithDescription("External tickets created"),
	)
	if err != nil {
		return err
	}

	r.TicketsLinked, err = r.meter.Int64Counter(
		"fig.escalation.tickets_linked",
		metric.WithDescription("Escalations linked to an existing open ticket"),
	)
	if err != nil {
		return err
	}

	r.SweepDuration, err = r.meter.Float64Histogram(
		"fig.escalation.sweep_duration",
		metric.WithDescription("Duration of one auto-escalation sweep in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000),
	)
	return err
}

func (r *Registry) initTuningMetrics() error {
	var err error

	r.ProfilesRetuned, err = r.meter.Int64Counter(
		"fig.tuning.profiles_retuned",
		metric.WithDescription("Baseline profiles processed by the tuning job"),
	)
	if err != nil {
		return err
	}

	r.ThresholdAdjustment, err = r.meter.Float64Histogram(
		"fig.tuning.threshold_adjustment",
		metric.WithDescription("Signed dynamic-threshold deltas applied by retuning"),
		metric.WithExplicitBucketBoundaries(-0.5, -0.25, 0, 0.25, 0.5),
	)
	return err
}

// SetActiveClusters updates the gauge state read by the observable callback.
func (r *Registry) SetActiveClusters(n int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeClusters = n
}

// RecordDetectorFire increments the fire counter tagged with the detector
// type.
func (r *Registry) RecordDetectorFire(ctx context.Context, detector string) {
	r.DetectorFires.Add(ctx, 1, metric.WithAttributes(attribute.String("detector", detector)))
}

// The recorders below tolerate a nil receiver so services constructed without
// a registry (tests, tools) skip instrumentation instead of panicking.

func (r *Registry) RecordCASConflict(ctx context.Context) {
	if r == nil {
		return
	}
	r.CASConflicts.Add(ctx, 1)
}

func (r *Registry) RecordTicketCreated(ctx context.Context) {
	if r == nil {
		return
	}
	r.TicketsCreated.Add(ctx, 1)
}

func (r *Registry) RecordTicketLinked(ctx context.Context) {
	if r == nil {
		return
	}
	r.TicketsLinked.Add(ctx, 1)
}

func (r *Registry) RecordThresholdAdjustment(ctx context.Context, delta float64) {
	if r == nil {
		return
	}
	r.ThresholdAdjustment.Record(ctx, delta)
}
