package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
)

// SignatureBucket is the coarse time bucket folded into cluster signatures.
const SignatureBucket = 5 * time.Minute

// Cluster aggregates correlated anomaly events believed to represent one
// underlying incident. It is mutated concurrently by correlation workers;
// every write goes through an atomic compare-and-update on Version.
type Cluster struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Signature string    `json:"signature"`

	PrimaryEventID uuid.UUID   `json:"primary_event_id"`
	MemberEventIDs []uuid.UUID `json:"member_event_ids"`

	CombinedSeverity anomaly.Severity `json:"combined_severity"`

	AffectedSubjects []uuid.UUID `json:"affected_subjects"`
	AffectedSites    []uuid.UUID `json:"affected_sites"`

	MemberCount     int `json:"member_count"`
	SuppressedCount int `json:"suppressed_count"`

	Features Features `json:"features"`

	Active       bool      `json:"active"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`

	// Version guards concurrent writers; the repository rejects updates whose
	// version does not match the stored row.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Features is the stored feature vector the correlation engine compares
// incoming events against.
type Features struct {
	SubjectID     uuid.UUID        `json:"subject_id"`
	SiteID        uuid.UUID        `json:"site_id"`
	AlertType     string           `json:"alert_type"`
	Severity      anomaly.Severity `json:"severity"`
	HourOfDay     int              `json:"hour_of_day"`
	// BlastRadius is the count of distinct entities the cluster touches; two
	// incidents of very different spread rarely belong together.
	BlastRadius int `json:"blast_radius"`
}

// Signature derives the dedup signature for an event: alert type, entity and
// the coarse time bucket the event falls into.
func Signature(alertType string, subjectID uuid.UUID, at time.Time) string {
	bucket := at.Truncate(SignatureBucket).Unix()
	return fmt.Sprintf("%s|%s|%d", alertType, subjectID, bucket)
}

// NewCluster opens a cluster seeded with a primary event.
func NewCluster(tenantID uuid.UUID, ev *anomaly.Event, alertType string) *Cluster {
	now := time.Now()
	return &Cluster{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Signature:        Signature(alertType, ev.SubjectID, ev.ScoredAt),
		PrimaryEventID:   ev.ID,
		MemberEventIDs:   []uuid.UUID{ev.ID},
		CombinedSeverity: ev.RiskTier.Severity(),
		AffectedSubjects: []uuid.UUID{ev.SubjectID},
		AffectedSites:    []uuid.UUID{ev.SiteID},
		MemberCount:      1,
		Features: Features{
			SubjectID:   ev.SubjectID,
			SiteID:      ev.SiteID,
			AlertType:   alertType,
			Severity:    ev.RiskTier.Severity(),
			HourOfDay:   ev.ScoredAt.Hour(),
			BlastRadius: 1,
		},
		Active:       true,
		FirstEventAt: ev.ScoredAt,
		LastEventAt:  ev.ScoredAt,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasMember reports whether the event is already clustered, making merges
// idempotent under redelivery.
func (c *Cluster) HasMember(eventID uuid.UUID) bool {
	for _, id := range c.MemberEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Merge folds an event into the cluster: membership, severity raise, affected
// entities, blast radius and freshness. Suppressed members are counted but not
// independently escalated.
func (c *Cluster) Merge(ev *anomaly.Event, suppressed bool) {
	if c.HasMember(ev.ID) {
		return
	}

	c.MemberEventIDs = append(c.MemberEventIDs, ev.ID)
	c.MemberCount++
	if suppressed {
		c.SuppressedCount++
	}

	if sev := ev.RiskTier.Severity(); sev > c.CombinedSeverity {
		c.CombinedSeverity = sev
		c.Features.Severity = sev
	}

	if !containsID(c.AffectedSubjects, ev.SubjectID) {
		c.AffectedSubjects = append(c.AffectedSubjects, ev.SubjectID)
	}
	if !containsID(c.AffectedSites, ev.SiteID) {
		c.AffectedSites = append(c.AffectedSites, ev.SiteID)
	}
	c.Features.BlastRadius = len(c.AffectedSubjects)

	if ev.ScoredAt.After(c.LastEventAt) {
		c.LastEventAt = ev.ScoredAt
	}
	c.UpdatedAt = time.Now()
}

// Deactivate closes the cluster after a quiet period or explicit resolution.
func (c *Cluster) Deactivate() {
	c.Active = false
	c.UpdatedAt = time.Now()
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
