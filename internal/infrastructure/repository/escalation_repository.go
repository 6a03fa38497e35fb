package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/escalation"
)

// EscalationRepository persists escalation records and answers the tuning
// job's outcome queries.
type EscalationRepository struct {
	pool *pgxpool.Pool
}

func NewEscalationRepository(pool *pgxpool.Pool) *EscalationRepository {
	return &EscalationRepository{pool: pool}
}

const escalationColumns = `
	id, tenant_id, cluster_id, site_id, finding_type, state, severity,
	verification_method, verification_response, ticket_id,
	escalated, escalated_at, detected_at, verifying_at, resolved_at,
	resolved_by, resolution_notes, updated_at`

func (r *EscalationRepository) Get(ctx context.Context, id uuid.UUID) (*escalation.Record, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalation_records WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrEscalationNotFound
		}
		return nil, errors.Wrap(err, "querying escalation record")
	}
	return rec, nil
}

func (r *EscalationRepository) GetByCluster(ctx context.Context, clusterID uuid.UUID) (*escalation.Record, error) {
	query := `
		SELECT ` + escalationColumns + `
		FROM escalation_records
		WHERE cluster_id = $1
		ORDER BY detected_at DESC
		LIMIT 1
	`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, clusterID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrEscalationNotFound
		}
		return nil, errors.Wrap(err, "querying escalation record by cluster")
	}
	return rec, nil
}

func (r *EscalationRepository) Create(ctx context.Context, rec *escalation.Record) error {
	query := `
		INSERT INTO escalation_records (` + escalationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.TenantID, rec.ClusterID, rec.SiteID, rec.FindingType,
		string(rec.State), int(rec.Severity),
		rec.VerificationMethod, rec.VerificationResponse, rec.TicketID,
		rec.Escalated, rec.EscalatedAt, rec.DetectedAt, rec.VerifyingAt, rec.ResolvedAt,
		rec.ResolvedBy, rec.ResolutionNotes, rec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting escalation record")
	}
	return nil
}

func (r *EscalationRepository) Update(ctx context.Context, rec *escalation.Record) error {
	query := `
		UPDATE escalation_records SET
			state = $1,
			verification_method = $2,
			verification_response = $3,
			ticket_id = $4,
			escalated = $5,
			escalated_at = $6,
			verifying_at = $7,
			resolved_at = $8,
			resolved_by = $9,
			resolution_notes = $10,
			updated_at = $11
		WHERE id = $12
	`

	tag, err := r.pool.Exec(ctx, query,
		string(rec.State), rec.VerificationMethod, rec.VerificationResponse,
		rec.TicketID, rec.Escalated, rec.EscalatedAt,
		rec.VerifyingAt, rec.ResolvedAt, rec.ResolvedBy, rec.ResolutionNotes,
		rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "updating escalation record")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrEscalationNotFound
	}
	return nil
}

// ListUnescalated returns DETECTED records whose escalation marker is unset,
// oldest first, the candidate set for the auto-escalation sweep.
func (r *EscalationRepository) ListUnescalated(ctx context.Context) ([]*escalation.Record, error) {
	query := `
		SELECT ` + escalationColumns + `
		FROM escalation_records
		WHERE state = $1 AND NOT escalated
		ORDER BY detected_at ASC
	`

	rows, err := r.pool.Query(ctx, query, string(escalation.StateDetected))
	if err != nil {
		return nil, errors.Wrap(err, "listing unescalated records")
	}
	defer rows.Close()

	var records []*escalation.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning escalation record")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// OutcomesFor counts resolved escalations touching the subject inside the
// trailing window. The subject link goes through the cluster's stored
// feature vector.
func (r *EscalationRepository) OutcomesFor(ctx context.Context, tenantID, subjectID uuid.UUID, since time.Time) (baseline.Outcomes, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE e.state = $1)
		FROM escalation_records e
		JOIN alert_clusters c ON c.id = e.cluster_id
		WHERE e.tenant_id = $2
		  AND c.features->>'subject_id' = $3
		  AND e.resolved_at IS NOT NULL
		  AND e.resolved_at >= $4
	`

	var out baseline.Outcomes
	err := r.pool.QueryRow(ctx, query,
		string(escalation.StateFalsePositive), tenantID, subjectID.String(), since,
	).Scan(&out.Resolved, &out.FalsePositives)
	if err != nil {
		return baseline.Outcomes{}, errors.Wrap(err, "counting escalation outcomes")
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*escalation.Record, error) {
	var rec escalation.Record
	var state string
	var severity int

	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.ClusterID, &rec.SiteID, &rec.FindingType,
		&state, &severity,
		&rec.VerificationMethod, &rec.VerificationResponse, &rec.TicketID,
		&rec.Escalated, &rec.EscalatedAt, &rec.DetectedAt, &rec.VerifyingAt, &rec.ResolvedAt,
		&rec.ResolvedBy, &rec.ResolutionNotes, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = escalation.State(state)
	rec.Severity = anomaly.Severity(severity)
	return &rec, nil
}
