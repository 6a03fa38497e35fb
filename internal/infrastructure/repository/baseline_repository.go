package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
)

// BaselineRepository persists rolling statistical profiles. Reads are shared
// across scoring cycles; writes come only from the tuning job and the
// observation feed, so saves are plain last-write-wins upserts.
type BaselineRepository struct {
	pool *pgxpool.Pool
}

func NewBaselineRepository(pool *pgxpool.Pool) *BaselineRepository {
	return &BaselineRepository{pool: pool}
}

func (r *BaselineRepository) Get(ctx context.Context, tenantID, subjectID uuid.UUID, metric signal.MetricType) (*baseline.Profile, error) {
	query := `
		SELECT tenant_id, subject_id, metric, mean, std_dev, sample_count,
		       is_stable, dynamic_threshold, false_positive_rate,
		       last_tuned_at, updated_at
		FROM baseline_profiles
		WHERE tenant_id = $1 AND subject_id = $2 AND metric = $3
	`

	var p baseline.Profile
	var metricStr string
	err := r.pool.QueryRow(ctx, query, tenantID, subjectID, string(metric)).Scan(
		&p.TenantID, &p.SubjectID, &metricStr, &p.Mean, &p.StdDev, &p.SampleCount,
		&p.IsStable, &p.DynamicThreshold, &p.FalsePositiveRate,
		&p.LastTunedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrProfileNotFound
		}
		return nil, errors.Wrap(err, "querying baseline profile")
	}
	p.Metric = signal.MetricType(metricStr)
	return &p, nil
}

func (r *BaselineRepository) Save(ctx context.Context, p *baseline.Profile) error {
	query := `
		INSERT INTO baseline_profiles (
			tenant_id, subject_id, metric, mean, std_dev, sample_count,
			is_stable, dynamic_threshold, false_positive_rate,
			last_tuned_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, subject_id, metric) DO UPDATE SET
			mean = EXCLUDED.mean,
			std_dev = EXCLUDED.std_dev,
			sample_count = EXCLUDED.sample_count,
			is_stable = EXCLUDED.is_stable,
			dynamic_threshold = EXCLUDED.dynamic_threshold,
			false_positive_rate = EXCLUDED.false_positive_rate,
			last_tuned_at = EXCLUDED.last_tuned_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		p.TenantID, p.SubjectID, string(p.Metric), p.Mean, p.StdDev, p.SampleCount,
		p.IsStable, p.DynamicThreshold, p.FalsePositiveRate,
		p.LastTunedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "saving baseline profile")
	}
	return nil
}

// ListDue returns profiles whose last tuning predates the cutoff, oldest
// first, for the scheduled retuner.
func (r *BaselineRepository) ListDue(ctx context.Context, tunedBefore time.Time) ([]*baseline.Profile, error) {
	query := `
		SELECT tenant_id, subject_id, metric, mean, std_dev, sample_count,
		       is_stable, dynamic_threshold, false_positive_rate,
		       last_tuned_at, updated_at
		FROM baseline_profiles
		WHERE last_tuned_at < $1
		ORDER BY last_tuned_at ASC
	`

	rows, err := r.pool.Query(ctx, query, tunedBefore)
	if err != nil {
		return nil, errors.Wrap(err, "listing due profiles")
	}
	defer rows.Close()

	var profiles []*baseline.Profile
	for rows.Next() {
		var p baseline.Profile
		var metricStr string
		if err := rows.Scan(
			&p.TenantID, &p.SubjectID, &metricStr, &p.Mean, &p.StdDev, &p.SampleCount,
			&p.IsStable, &p.DynamicThreshold, &p.FalsePositiveRate,
			&p.LastTunedAt, &p.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scanning baseline profile")
		}
		p.Metric = signal.MetricType(metricStr)
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}
