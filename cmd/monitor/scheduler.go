package main

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
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/repository"
	"github.com/fieldguard/field-integrity-backend/internal/metrics"
	"github.com/fieldguard/field-integrity-backend/internal/service/collector"
	"github.com/fieldguard/field-integrity-backend/internal/service/correlation"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
	"github.com/fieldguard/field-integrity-backend/internal/service/scoring"
)

// scheduler runs the periodic evaluation cycle: every interval it lists the
// subjects with recent activity and fans them over a worker pool, each worker
// driving one subject through collect, score, correlate and escalate.
type scheduler struct {
	activities   *repository.ActivityRepository
	collector    *collector.Collector
	orchestrator *scoring.Orchestrator
	baselines    *repository.BaselineRepository
	clusters     *repository.ClusterRepository
	engine       *correlation.Engine
	escalator    *escalation.Service
	registry     *metrics.Registry
	cfg          *config.Config
	logger       *zap.Logger
}

func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *scheduler) cycle(ctx context.Context) {
	since := time.Now().Add(-s.cfg.Collector.DefaultWindow)
	subjects, err := s.activities.Subjects(ctx, since)
	if err != nil {
		s.logger.Error("listing active subjects", zap.Error(err))
		return
	}
	if len(subjects) == 0 {
		return
	}

	tenants := make(map[uuid.UUID]struct{})
	for _, sub := range subjects {
		tenants[sub.TenantID] = struct{}{}
	}

	work := make(chan repository.SubjectRef)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Scheduler.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range work {
				s.evaluate(ctx, sub)
			}
		}()
	}

	for _, sub := range subjects {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case work <- sub:
		}
	}
	close(work)
	wg.Wait()

	for tenantID := range tenants {
		n, err := s.engine.DeactivateQuiet(ctx, tenantID)
		if err != nil {
			s.logger.Warn("deactivating quiet clusters",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("deactivated quiet clusters",
				zap.String("tenant_id", tenantID.String()),
				zap.Int("count", n))
		}
	}

	if n, err := s.clusters.CountActive(ctx); err != nil {
		s.logger.Warn("counting active clusters", zap.Error(err))
	} else {
		s.registry.SetActiveClusters(n)
	}
}

// evaluate runs one subject through the full pipeline under the cycle budget.
func (s *scheduler) evaluate(ctx context.Context, sub repository.SubjectRef) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.CycleBudget)
	defer cancel()

	start := time.Now()
	windowStart := start.Add(-s.cfg.Collector.DefaultWindow)

	snap, err := s.collector.Collect(ctx, sub.TenantID, sub.SubjectID, sub.SiteID, windowStart, start)
	if err != nil {
		s.fail(ctx, sub, "collecting signals", err)
		return
	}
	if snap.Partial {
		s.registry.PartialSnapshots.Add(ctx, 1)
	}

	ev, err := s.orchestrator.Score(ctx, snap)
	if err != nil {
		s.fail(ctx, sub, "scoring snapshot", err)
		return
	}

	s.registry.EvaluationCounter.Add(ctx, 1)
	s.registry.EvaluationDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.registry.CompositeScore.Record(ctx, ev.CompositeScore)
	for _, f := range ev.Findings {
		if f.Fired {
			s.registry.RecordDetectorFire(ctx, string(f.Detector))
		}
	}

	s.observeBaselines(ctx, snap)

	// Low-tier evaluations carry no actionable anomaly and never reach
	// correlation.
	if ev.RiskTier == anomaly.RiskLow {
		return
	}

	res, err := s.engine.Correlate(ctx, ev)
	if err != nil {
		s.fail(ctx, sub, "correlating event", err)
		return
	}
	if res.Created {
		s.registry.ClustersOpened.Add(ctx, 1)
	} else {
		s.registry.ClusterMerges.Add(ctx, 1)
	}
	if res.Suppressed {
		s.registry.AlertsSuppressed.Add(ctx, 1)
	}

	if _, err := s.escalator.OpenForCluster(ctx, res.Cluster); err != nil {
		s.logger.Warn("opening escalation record",
			zap.String("cluster_id", res.Cluster.ID.String()),
			zap.Error(err))
	}
}

// observeBaselines feeds the window's metrics back into the rolling profiles.
// Partial windows are skipped: a degraded source would drag the mean toward
// zero and teach the baseline that silence is normal.
func (s *scheduler) observeBaselines(ctx context.Context, snap *signal.Snapshot) {
	if snap.Partial {
		return
	}
	for _, metric := range signal.AllMetrics() {
		p, err := s.baselines.Get(ctx, snap.TenantID, snap.SubjectID, metric)
		if err != nil {
			if !errors.IsType(err, errors.ErrorTypeNotFound) {
				s.logger.Warn("reading baseline profile",
					zap.String("metric", string(metric)),
					zap.Error(err))
				continue
			}
			p = baseline.NewProfile(snap.TenantID, snap.SubjectID, metric)
		}
		p.Observe(snap.MetricValue(metric))
		if err := s.baselines.Save(ctx, p); err != nil {
			s.logger.Warn("saving baseline profile",
				zap.String("metric", string(metric)),
				zap.Error(err))
		}
	}
}

func (s *scheduler) fail(ctx context.Context, sub repository.SubjectRef, stage string, err error) {
	s.registry.EvaluationFailures.Add(ctx, 1)
	s.logger.Warn(stage,
		zap.String("tenant_id", sub.TenantID.String()),
		zap.String("subject_id", sub.SubjectID.String()),
		zap.Error(err))
}
