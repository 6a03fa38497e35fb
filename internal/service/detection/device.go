package detection

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// Device-fingerprint indicator scores.
const (
	scoreSharedDevice  = 0.9
	scoreTooManyDevs   = 0.7
	scoreRapidSwitches = 0.6
)

// DeviceUsage tracks which devices subjects have recently used. Backed by a
// short-TTL store; the detector reads it and records the current cycle's
// usage after evaluation.
type DeviceUsage interface {
	// SubjectsForDevice lists distinct subjects seen on a device within the
	// tracking window.
	SubjectsForDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) ([]uuid.UUID, error)
	// RecentDevices lists distinct devices a subject used within the window.
	RecentDevices(ctx context.Context, tenantID, subjectID uuid.UUID) ([]string, error)
	// RecordUsage appends this cycle's device sightings.
	RecordUsage(ctx context.Context, tenantID, subjectID uuid.UUID, deviceIDs []string) error
}

// DeviceDetector flags shared devices, rapid device switching within one
// window, and subjects exceeding the distinct-device ceiling.
type DeviceDetector struct {
	usage DeviceUsage
	cfg   config.DeviceConfig
}

func NewDeviceDetector(usage DeviceUsage, cfg config.DeviceConfig) *DeviceDetector {
	return &DeviceDetector{usage: usage, cfg: cfg}
}

func (d *DeviceDetector) Type() anomaly.DetectorType {
	return anomaly.DetectorDevice
}

func (d *DeviceDetector) Evaluate(ctx context.Context, snap *signal.Snapshot, _ Baselines) (anomaly.Finding, error) {
	f := newFinding(anomaly.DetectorDevice)

	var indicators []string
	worst := func(score float64, name string) {
		indicators = append(indicators, name)
		if score > f.Score {
			f.Score = score
		}
	}

	for _, deviceID := range snap.DeviceIDs {
		subjects, err := d.usage.SubjectsForDevice(ctx, snap.TenantID, deviceID)
		if err != nil {
			return f, err
		}
		others := 0
		for _, s := range subjects {
			if s != snap.SubjectID {
				others++
			}
		}
		if others > 0 {
			worst(scoreSharedDevice, "shared_device")
			f.Evidence["shared_device_id"] = deviceID
			f.Evidence["other_subjects"] = others
		}
	}

	if len(snap.DeviceIDs) > d.cfg.MaxRapidSwitches {
		worst(scoreRapidSwitches, "rapid_device_switching")
		f.Evidence["devices_in_window"] = len(snap.DeviceIDs)
	}

	recent, err := d.usage.RecentDevices(ctx, snap.TenantID, snap.SubjectID)
	if err != nil {
		return f, err
	}
	distinct := mergeDistinct(recent, snap.DeviceIDs)
	if len(distinct) > d.cfg.MaxDevices {
		worst(scoreTooManyDevs, "too_many_devices")
		f.Evidence["distinct_devices"] = len(distinct)
	}

	if len(snap.DeviceIDs) > 0 {
		if err := d.usage.RecordUsage(ctx, snap.TenantID, snap.SubjectID, snap.DeviceIDs); err != nil {
			return f, err
		}
	}

	if len(indicators) > 0 {
		f.Evidence["indicators"] = indicators
	}

	finalize(&f)
	return f, nil
}

func mergeDistinct(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
