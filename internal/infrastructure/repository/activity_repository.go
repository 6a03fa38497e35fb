package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
)

// ActivityRepository is the durable activity store: the kafka consumer
// appends raw events, the signal collector reads them back per (subject,
// window). Shift data arrives from the rostering sync, which writes the
// subject_shifts table directly.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

// Insert appends one raw activity event. Replays of the same event id are
// ignored so consumer redelivery stays harmless.
func (r *ActivityRepository) Insert(ctx context.Context, ev *signal.ActivityEvent) error {
	query := `
		INSERT INTO activity_events (
			id, tenant_id, subject_id, site_id, kind, device_id,
			latitude, longitude, accuracy_m, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	var lat, lon, acc *float64
	if ev.Fix != nil {
		lat, lon, acc = &ev.Fix.Latitude, &ev.Fix.Longitude, &ev.Fix.AccuracyM
	}

	_, err := r.pool.Exec(ctx, query,
		ev.ID, ev.TenantID, ev.SubjectID, ev.SiteID, ev.Kind.String(), ev.DeviceID,
		lat, lon, acc, ev.OccurredAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting activity event")
	}
	return nil
}

func (r *ActivityRepository) PhoneEvents(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error) {
	return r.countKind(ctx, tenantID, subjectID, signal.EventPhone, start, end)
}

func (r *ActivityRepository) TaskCompletions(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error) {
	return r.countKind(ctx, tenantID, subjectID, signal.EventTask, start, end)
}

func (r *ActivityRepository) CheckpointScans(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error) {
	return r.countKind(ctx, tenantID, subjectID, signal.EventCheckpoint, start, end)
}

func (r *ActivityRepository) countKind(ctx context.Context, tenantID, subjectID uuid.UUID, kind signal.EventKind, start, end time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM activity_events
		WHERE tenant_id = $1 AND subject_id = $2 AND kind = $3
		  AND occurred_at >= $4 AND occurred_at < $5
	`

	var n int
	err := r.pool.QueryRow(ctx, query, tenantID, subjectID, kind.String(), start, end).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting activity events")
	}
	return n, nil
}

// GPSTrack returns the window's positioning samples in time order.
func (r *ActivityRepository) GPSTrack(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.GPSFix, error) {
	query := `
		SELECT latitude, longitude, accuracy_m, device_id, occurred_at
		FROM activity_events
		WHERE tenant_id = $1 AND subject_id = $2 AND kind = 'gps'
		  AND occurred_at >= $3 AND occurred_at < $4
		  AND latitude IS NOT NULL
		ORDER BY occurred_at ASC
	`

	rows, err := r.pool.Query(ctx, query, tenantID, subjectID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "querying gps track")
	}
	defer rows.Close()

	var track []signal.GPSFix
	for rows.Next() {
		var fix signal.GPSFix
		if err := rows.Scan(&fix.Latitude, &fix.Longitude, &fix.AccuracyM, &fix.DeviceID, &fix.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning gps fix")
		}
		track = append(track, fix)
	}
	return track, rows.Err()
}

// Shifts returns shifts overlapping the window from the rostering table.
func (r *ActivityRepository) Shifts(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.Shift, error) {
	query := `
		SELECT shift_start, shift_end
		FROM subject_shifts
		WHERE tenant_id = $1 AND subject_id = $2
		  AND shift_end >= $3 AND shift_start < $4
		ORDER BY shift_start ASC
	`

	rows, err := r.pool.Query(ctx, query, tenantID, subjectID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "querying shifts")
	}
	defer rows.Close()

	var shifts []signal.Shift
	for rows.Next() {
		var s signal.Shift
		if err := rows.Scan(&s.Start, &s.End); err != nil {
			return nil, errors.Wrap(err, "scanning shift")
		}
		shifts = append(shifts, s)
	}
	return shifts, rows.Err()
}

// Devices returns distinct device ids seen in the window.
func (r *ActivityRepository) Devices(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT device_id
		FROM activity_events
		WHERE tenant_id = $1 AND subject_id = $2 AND device_id <> ''
		  AND occurred_at >= $3 AND occurred_at < $4
	`

	rows, err := r.pool.Query(ctx, query, tenantID, subjectID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "querying devices")
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "scanning device id")
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Subjects lists distinct subjects with activity since the cutoff, the
// scheduler's work list for one evaluation cycle.
func (r *ActivityRepository) Subjects(ctx context.Context, since time.Time) ([]SubjectRef, error) {
	query := `
		SELECT DISTINCT tenant_id, subject_id, site_id
		FROM activity_events
		WHERE occurred_at >= $1
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, errors.Wrap(err, "listing active subjects")
	}
	defer rows.Close()

	var subjects []SubjectRef
	for rows.Next() {
		var s SubjectRef
		if err := rows.Scan(&s.TenantID, &s.SubjectID, &s.SiteID); err != nil {
			return nil, errors.Wrap(err, "scanning subject ref")
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// SubjectRef identifies one subject due for evaluation.
type SubjectRef struct {
	TenantID  uuid.UUID
	SubjectID uuid.UUID
	SiteID    uuid.UUID
}
