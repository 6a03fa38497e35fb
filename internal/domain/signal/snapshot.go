package signal

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
)

// MaxWindow bounds a single collection window. Larger windows force a scan of
// too much upstream activity data and are rejected outright.
const MaxWindow = 24 * time.Hour

// Snapshot is an immutable record of a subject's activity over one
// monitoring window. It is created once per evaluation cycle and never
// mutated; the next cycle supersedes it with a fresh snapshot.
type Snapshot struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	SiteID    uuid.UUID `json:"site_id"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	PhoneEvents        int `json:"phone_events"`
	LocationUpdates    int `json:"location_updates"`
	TasksCompleted     int `json:"tasks_completed"`
	CheckpointsScanned int `json:"checkpoints_scanned"`

	// MovementKm is the summed haversine distance over the window's GPS track.
	MovementKm float64 `json:"movement_km"`

	GPSTrack  []GPSFix  `json:"gps_track,omitempty"`
	LastFix   *GPSFix   `json:"last_fix,omitempty"`
	ShiftLog  []Shift   `json:"shift_log,omitempty"`
	DeviceIDs []string  `json:"device_ids,omitempty"`

	// Partial marks a snapshot where one or more upstream sources were
	// unavailable. Downstream scoring treats such snapshots as lower-confidence
	// evidence, never as anomalies in themselves.
	Partial         bool     `json:"partial"`
	DegradedSources []string `json:"degraded_sources,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// GPSFix is a single positioning sample reported by a subject's device.
type GPSFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id,omitempty"`
}

// IsNullIsland reports whether the fix sits at exactly (0, 0), a classic
// marker of spoofed or zeroed-out positioning data.
func (f GPSFix) IsNullIsland() bool {
	return f.Latitude == 0 && f.Longitude == 0
}

// Shift is one worked shift as reported by the rostering source.
type Shift struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the worked length of the shift.
func (s Shift) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// NewSnapshot validates the window and returns an empty snapshot for the
// collector to populate. The window must be positive and no longer than
// MaxWindow.
func NewSnapshot(tenantID, subjectID, siteID uuid.UUID, start, end time.Time) (*Snapshot, error) {
	if subjectID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_SUBJECT", "Subject ID cannot be nil")
	}
	if !end.After(start) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "Window end must be after window start")
	}
	if end.Sub(start) > MaxWindow {
		return nil, errors.ErrWindowTooLarge
	}

	return &Snapshot{
		ID:          uuid.New(),
		TenantID:    tenantID,
		SubjectID:   subjectID,
		SiteID:      siteID,
		WindowStart: start,
		WindowEnd:   end,
		CollectedAt: time.Now(),
	}, nil
}

// Window returns the snapshot's covered duration.
func (s *Snapshot) Window() time.Duration {
	return s.WindowEnd.Sub(s.WindowStart)
}

// MarkDegraded records an unavailable upstream source. The corresponding
// count stays at zero and the snapshot is flagged partial.
func (s *Snapshot) MarkDegraded(source string) {
	s.Partial = true
	s.DegradedSources = append(s.DegradedSources, source)
}

// MetricValue returns the named activity metric, used when feeding baseline
// observations.
func (s *Snapshot) MetricValue(metric MetricType) float64 {
	switch metric {
	case MetricPhoneEvents:
		return float64(s.PhoneEvents)
	case MetricLocationUpdates:
		return float64(s.LocationUpdates)
	case MetricTasksCompleted:
		return float64(s.TasksCompleted)
	case MetricCheckpointsScanned:
		return float64(s.CheckpointsScanned)
	case MetricMovementKm:
		return s.MovementKm
	default:
		return 0
	}
}

// MetricType identifies one baselined activity metric.
type MetricType string

const (
	MetricPhoneEvents        MetricType = "phone_events"
	MetricLocationUpdates    MetricType = "location_updates"
	MetricTasksCompleted     MetricType = "tasks_completed"
	MetricCheckpointsScanned MetricType = "checkpoints_scanned"
	MetricMovementKm         MetricType = "movement_km"
)

// AllMetrics lists every baselined metric in a stable order.
func AllMetrics() []MetricType {
	return []MetricType{
		MetricPhoneEvents,
		MetricLocationUpdates,
		MetricTasksCompleted,
		MetricCheckpointsScanned,
		MetricMovementKm,
	}
}
