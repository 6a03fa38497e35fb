package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldguard/field-integrity-backend/internal/domain/alert"
	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
)

// ClusterRepository persists alert clusters. Updates are optimistic
// compare-and-updates on the version column; a lost race surfaces as a
// retryable conflict for the correlation engine to reload and retry.
type ClusterRepository struct {
	pool *pgxpool.Pool
}

func NewClusterRepository(pool *pgxpool.Pool) *ClusterRepository {
	return &ClusterRepository{pool: pool}
}

const clusterColumns = `
	id, tenant_id, signature, primary_event_id, member_event_ids,
	combined_severity, affected_subjects, affected_sites,
	member_count, suppressed_count, features, active,
	first_event_at, last_event_at, version, created_at, updated_at`

func (r *ClusterRepository) Get(ctx context.Context, id uuid.UUID) (*alert.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM alert_clusters WHERE id = $1`

	c, err := scanCluster(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrClusterNotFound
		}
		return nil, errors.Wrap(err, "querying cluster")
	}
	return c, nil
}

// FindActiveSince returns the tenant's active clusters with activity inside
// the lookback window, the correlation candidate set.
func (r *ClusterRepository) FindActiveSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*alert.Cluster, error) {
	query := `
		SELECT ` + clusterColumns + `
		FROM alert_clusters
		WHERE tenant_id = $1 AND active AND last_event_at >= $2
		ORDER BY last_event_at DESC
	`

	rows, err := r.pool.Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, errors.Wrap(err, "querying active clusters")
	}
	defer rows.Close()

	var clusters []*alert.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning cluster")
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (r *ClusterRepository) Create(ctx context.Context, c *alert.Cluster) error {
	query := `
		INSERT INTO alert_clusters (` + clusterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	memberIDs, subjects, sites, features, err := marshalClusterJSON(c)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, query,
		c.ID, c.TenantID, c.Signature, c.PrimaryEventID, memberIDs,
		int(c.CombinedSeverity), subjects, sites,
		c.MemberCount, c.SuppressedCount, features, c.Active,
		c.FirstEventAt, c.LastEventAt, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting cluster")
	}
	return nil
}

// Update applies the in-memory cluster state only if the stored row still
// carries the expected version. Zero rows affected means a concurrent writer
// won; the caller reloads and retries.
func (r *ClusterRepository) Update(ctx context.Context, c *alert.Cluster, expectedVersion int64) error {
	query := `
		UPDATE alert_clusters SET
			member_event_ids = $1,
			combined_severity = $2,
			affected_subjects = $3,
			affected_sites = $4,
			member_count = $5,
			suppressed_count = $6,
			features = $7,
			active = $8,
			last_event_at = $9,
			version = $10,
			updated_at = $11
		WHERE id = $12 AND version = $13
	`

	memberIDs, subjects, sites, features, err := marshalClusterJSON(c)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, query,
		memberIDs, int(c.CombinedSeverity), subjects, sites,
		c.MemberCount, c.SuppressedCount, features, c.Active,
		c.LastEventAt, c.Version, c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, "updating cluster")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrClusterConflict
	}
	return nil
}

// CountActive returns the number of currently active clusters across all
// tenants, feeding the active-cluster gauge.
func (r *ClusterRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_clusters WHERE active`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting active clusters")
	}
	return n, nil
}

// DeactivateQuiet closes active clusters whose last event predates the
// cutoff and returns how many were closed.
func (r *ClusterRepository) DeactivateQuiet(ctx context.Context, tenantID uuid.UUID, lastEventBefore time.Time) (int, error) {
	query := `
		UPDATE alert_clusters
		SET active = FALSE, version = version + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND active AND last_event_at < $2
	`

	tag, err := r.pool.Exec(ctx, query, tenantID, lastEventBefore)
	if err != nil {
		return 0, errors.Wrap(err, "deactivating quiet clusters")
	}
	return int(tag.RowsAffected()), nil
}

func marshalClusterJSON(c *alert.Cluster) (memberIDs, subjects, sites, features []byte, err error) {
	if memberIDs, err = json.Marshal(c.MemberEventIDs); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "marshaling member ids")
	}
	if subjects, err = json.Marshal(c.AffectedSubjects); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "marshaling affected subjects")
	}
	if sites, err = json.Marshal(c.AffectedSites); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "marshaling affected sites")
	}
	if features, err = json.Marshal(c.Features); err != nil {
		return nil, nil, nil, nil, errors.Wrap(err, "marshaling features")
	}
	return memberIDs, subjects, sites, features, nil
}

func scanCluster(row pgx.Row) (*alert.Cluster, error) {
	var c alert.Cluster
	var severity int
	var memberIDs, subjects, sites, features []byte

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Signature, &c.PrimaryEventID, &memberIDs,
		&severity, &subjects, &sites,
		&c.MemberCount, &c.SuppressedCount, &features, &c.Active,
		&c.FirstEventAt, &c.LastEventAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.CombinedSeverity = anomaly.Severity(severity)
	if err := json.Unmarshal(memberIDs, &c.MemberEventIDs); err != nil {
		return nil, errors.Wrap(err, "unmarshaling member ids")
	}
	if err := json.Unmarshal(subjects, &c.AffectedSubjects); err != nil {
		return nil, errors.Wrap(err, "unmarshaling affected subjects")
	}
	if err := json.Unmarshal(sites, &c.AffectedSites); err != nil {
		return nil, errors.Wrap(err, "unmarshaling affected sites")
	}
	if err := json.Unmarshal(features, &c.Features); err != nil {
		return nil, errors.Wrap(err, "unmarshaling features")
	}
	return &c, nil
}
