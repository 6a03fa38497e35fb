package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// ActivitySource queries raw field activity for a (subject, window) pair.
// Implementations are read-only; the collector never writes upstream.
type ActivitySource interface {
	PhoneEvents(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error)
	GPSTrack(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.GPSFix, error)
	TaskCompletions(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error)
	CheckpointScans(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) (int, error)
	Shifts(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.Shift, error)
	Devices(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]string, error)
}

// Collector assembles signal snapshots from the activity source. A failing
// source degrades the snapshot to partial instead of failing the collection;
// downstream scoring treats partial snapshots as lower-confidence evidence.
type Collector struct {
	source ActivitySource
	cfg    config.CollectorConfig
	logger *zap.Logger
}

func New(source ActivitySource, cfg config.CollectorConfig, logger *zap.Logger) *Collector {
	return &Collector{
		source: source,
		cfg:    cfg,
		logger: logger,
	}
}

// Collect builds the snapshot for one monitoring window. The window is
// validated against the 24h maximum before any upstream call is made.
func (c *Collector) Collect(ctx context.Context, tenantID, subjectID, siteID uuid.UUID, start, end time.Time) (*signal.Snapshot, error) {
	snap, err := signal.NewSnapshot(tenantID, subjectID, siteID, start, end)
	if err != nil {
		return nil, err
	}

	if n, err := c.query(ctx, func(ctx context.Context) (int, error) {
		return c.source.PhoneEvents(ctx, tenantID, subjectID, start, end)
	}); err != nil {
		c.degrade(snap, "phone", err)
	} else {
		snap.PhoneEvents = n
	}

	if track, err := c.queryTrack(ctx, tenantID, subjectID, start, end); err != nil {
		c.degrade(snap, "gps", err)
	} else {
		snap.GPSTrack = track
		snap.LocationUpdates = len(track)
		snap.MovementKm = signal.TrackDistanceKm(track)
		if len(track) > 0 {
			last := track[len(track)-1]
			snap.LastFix = &last
		}
	}

	if n, err := c.query(ctx, func(ctx context.Context) (int, error) {
		return c.source.TaskCompletions(ctx, tenantID, subjectID, start, end)
	}); err != nil {
		c.degrade(snap, "tasks", err)
	} else {
		snap.TasksCompleted = n
	}

	if n, err := c.query(ctx, func(ctx context.Context) (int, error) {
		return c.source.CheckpointScans(ctx, tenantID, subjectID, start, end)
	}); err != nil {
		c.degrade(snap, "checkpoints", err)
	} else {
		snap.CheckpointsScanned = n
	}

	if shifts, err := c.queryShifts(ctx, tenantID, subjectID, start, end); err != nil {
		c.degrade(snap, "shifts", err)
	} else {
		snap.ShiftLog = shifts
	}

	if devices, err := c.queryDevices(ctx, tenantID, subjectID, start, end); err != nil {
		c.degrade(snap, "devices", err)
	} else {
		snap.DeviceIDs = devices
	}

	return snap, nil
}

func (c *Collector) query(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Collector) queryTrack(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.GPSFix, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return c.source.GPSTrack(ctx, tenantID, subjectID, start, end)
}

func (c *Collector) queryShifts(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]signal.Shift, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return c.source.Shifts(ctx, tenantID, subjectID, start, end)
}

func (c *Collector) queryDevices(ctx context.Context, tenantID, subjectID uuid.UUID, start, end time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return c.source.Devices(ctx, tenantID, subjectID, start, end)
}

func (c *Collector) degrade(snap *signal.Snapshot, source string, err error) {
	snap.MarkDegraded(source)
	c.logger.Warn("activity source unavailable, degrading snapshot",
		zap.String("source", source),
		zap.String("subject_id", snap.SubjectID.String()),
		zap.Error(err))
}
