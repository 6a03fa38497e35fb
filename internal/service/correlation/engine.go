package correlation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/alert"
	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/metrics"
)

// ClusterRepository is the durable store for alert clusters. Update is a
// compare-and-update against the stored version and returns a conflict error
// when a concurrent writer won.
type ClusterRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*alert.Cluster, error)
	FindActiveSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*alert.Cluster, error)
	Create(ctx context.Context, c *alert.Cluster) error
	Update(ctx context.Context, c *alert.Cluster, expectedVersion int64) error
	DeactivateQuiet(ctx context.Context, tenantID uuid.UUID, lastEventBefore time.Time) (int, error)
}

// Result reports where an event landed.
type Result struct {
	Cluster    *alert.Cluster
	Created    bool
	Suppressed bool
}

// Engine merges incoming anomaly events into active clusters by feature
// similarity, bounding alert fan-out to downstream consumers.
type Engine struct {
	repo    ClusterRepository
	cfg     config.CorrelationConfig
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewEngine(repo ClusterRepository, cfg config.CorrelationConfig, registry *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{repo: repo, cfg: cfg, metrics: registry, logger: logger}
}

// Correlate merges the event into the most similar active cluster within the
// lookback window, or opens a new one. Ties on similarity prefer the most
// recently updated cluster. Calling it twice with the same event id is a
// no-op on membership.
func (e *Engine) Correlate(ctx context.Context, ev *anomaly.Event) (*Result, error) {
	candidates, err := e.repo.FindActiveSince(ctx, ev.TenantID, time.Now().Add(-e.cfg.Lookback))
	if err != nil {
		return nil, errors.Wrap(err, "loading candidate clusters")
	}

	typ := alertType(ev)
	best, bestSim := e.pickCandidate(ev, typ, candidates)

	if best != nil && bestSim >= e.cfg.MergeThreshold {
		suppressed := bestSim >= e.cfg.SuppressThreshold
		merged, err := e.mergeWithRetry(ctx, best, ev, suppressed)
		if err == nil {
			return &Result{Cluster: merged, Created: false, Suppressed: suppressed}, nil
		}
		// Contention exhausted the retry budget; the event opens a new
		// cluster rather than being dropped.
		e.logger.Warn("cluster merge contention, falling back to new cluster",
			zap.String("cluster_id", best.ID.String()),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err))
	}

	cluster := alert.NewCluster(ev.TenantID, ev, typ)
	if err := e.repo.Create(ctx, cluster); err != nil {
		return nil, errors.Wrap(err, "creating cluster")
	}
	return &Result{Cluster: cluster, Created: true}, nil
}

// GetCluster exposes the read model for dashboards and the escalation
// service.
func (e *Engine) GetCluster(ctx context.Context, id uuid.UUID) (*alert.Cluster, error) {
	return e.repo.Get(ctx, id)
}

// DeactivateQuiet closes clusters whose last event predates the quiet
// period. Periodic sweep, idempotent.
func (e *Engine) DeactivateQuiet(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return e.repo.DeactivateQuiet(ctx, tenantID, time.Now().Add(-e.cfg.QuietPeriod))
}

func (e *Engine) pickCandidate(ev *anomaly.Event, typ string, candidates []*alert.Cluster) (*alert.Cluster, float64) {
	var (
		best    *alert.Cluster
		bestSim float64
	)
	for _, c := range candidates {
		sim := alert.Similarity(ev, typ, c)
		switch {
		case sim > bestSim:
			best, bestSim = c, sim
		case sim == bestSim && best != nil && c.UpdatedAt.After(best.UpdatedAt):
			// Equal similarity: freshness wins over ordinal id.
			best = c
		}
	}
	return best, bestSim
}

// mergeWithRetry performs the compare-and-update loop. Each conflict reloads
// the cluster and retries with exponential backoff up to the configured
// bound.
func (e *Engine) mergeWithRetry(ctx context.Context, cluster *alert.Cluster, ev *anomaly.Event, suppressed bool) (*alert.Cluster, error) {
	current := cluster

	attempt := func() error {
		if current.HasMember(ev.ID) {
			return nil
		}
		expected := current.Version
		current.Merge(ev, suppressed)
		current.Version++

		if err := e.repo.Update(ctx, current, expected); err != nil {
			if errors.IsType(err, errors.ErrorTypeConflict) {
				e.metrics.RecordCASConflict(ctx)
				reloaded, getErr := e.repo.Get(ctx, current.ID)
				if getErr != nil {
					return backoff.Permanent(getErr)
				}
				current = reloaded
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxCASRetries)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return current, nil
}

// alertType names the event for signature and similarity purposes: the
// highest-scoring fired detector, or the generic composite type when nothing
// fired individually.
func alertType(ev *anomaly.Event) string {
	var (
		best      anomaly.DetectorType
		bestScore float64
		found     bool
	)
	for _, f := range ev.Findings {
		if f.Fired && f.Score > bestScore {
			best, bestScore, found = f.Detector, f.Score, true
		}
	}
	if !found {
		return "composite_anomaly"
	}
	return string(best)
}
