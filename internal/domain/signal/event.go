package signal

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a raw activity event arriving from the field.
type EventKind int

const (
	EventPhone EventKind = iota
	EventGPS
	EventTask
	EventCheckpoint
)

func (k EventKind) String() string {
	switch k {
	case EventPhone:
		return "phone"
	case EventGPS:
		return "gps"
	case EventTask:
		return "task"
	case EventCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// ActivityEvent is one raw event as it arrives on the activity stream.
// Events are append-only; the collector aggregates them into snapshots.
type ActivityEvent struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	SiteID    uuid.UUID `json:"site_id"`
	Kind      EventKind `json:"kind"`
	DeviceID  string    `json:"device_id,omitempty"`
	Fix       *GPSFix   `json:"fix,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
