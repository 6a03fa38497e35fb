package escalation

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
)

// State is the lifecycle state of an escalation record.
type State string

const (
	StateDetected      State = "DETECTED"
	StateVerifying     State = "VERIFYING"
	StateConfirmed     State = "CONFIRMED"
	StateFalsePositive State = "FALSE_POSITIVE"
	StateResolved      State = "RESOLVED"
)

// Terminal reports whether the state is final and immutable.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFalsePositive || s == StateResolved
}

// Outcome is the resolution decision recorded out of VERIFYING.
type Outcome string

const (
	OutcomeConfirmed     Outcome = "confirmed"
	OutcomeFalsePositive Outcome = "false_positive"
	OutcomeResolved      Outcome = "resolved"
)

// Record tracks one cluster or standalone finding through the escalation
// lifecycle. Created the instant a cluster first reaches an
// escalation-eligible severity; terminal states are final.
type Record struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ClusterID uuid.UUID `json:"cluster_id"`
	SiteID    uuid.UUID `json:"site_id"`

	FindingType string           `json:"finding_type"`
	State       State            `json:"state"`
	Severity    anomaly.Severity `json:"severity"`

	VerificationMethod   string `json:"verification_method,omitempty"`
	VerificationResponse string `json:"verification_response,omitempty"`

	// TicketID links the external ticket once created; nil while creation is
	// pending or the severity never qualified.
	TicketID *string `json:"ticket_id,omitempty"`

	// Escalated marks that the auto-escalation timer already fired for this
	// record; the periodic sweep checks it to stay idempotent.
	Escalated   bool       `json:"escalated"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`

	DetectedAt  time.Time  `json:"detected_at"`
	VerifyingAt *time.Time `json:"verifying_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	ResolvedBy      string `json:"resolved_by,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EligibleSeverity reports whether a severity opens an escalation record.
func EligibleSeverity(sev anomaly.Severity) bool {
	return sev >= anomaly.SeverityHigh
}

// NewRecord opens a record in DETECTED for a qualifying cluster.
func NewRecord(tenantID, clusterID, siteID uuid.UUID, findingType string, sev anomaly.Severity) (*Record, error) {
	if !EligibleSeverity(sev) {
		return nil, errors.NewValidationError("SEVERITY_NOT_ELIGIBLE",
			"only high and critical severities open escalation records")
	}
	now := time.Now()
	return &Record{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ClusterID:   clusterID,
		SiteID:      siteID,
		FindingType: findingType,
		State:       StateDetected,
		Severity:    sev,
		DetectedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// BeginVerification moves DETECTED → VERIFYING when a verification action is
// recorded.
func (r *Record) BeginVerification(method string) error {
	if r.State.Terminal() {
		return errors.ErrTerminalState
	}
	if r.State != StateDetected {
		return errors.ErrInvalidTransition.WithDetails(map[string]interface{}{
			"from": string(r.State), "to": string(StateVerifying),
		})
	}
	now := time.Now()
	r.State = StateVerifying
	r.VerificationMethod = method
	r.VerifyingAt = &now
	r.UpdatedAt = now
	return nil
}

// RecordResponse stores the verification channel's response without changing
// state.
func (r *Record) RecordResponse(response string) error {
	if r.State.Terminal() {
		return errors.ErrTerminalState
	}
	r.VerificationResponse = response
	r.UpdatedAt = time.Now()
	return nil
}

// Decide moves VERIFYING into CONFIRMED or FALSE_POSITIVE with the decider's
// notes.
func (r *Record) Decide(outcome Outcome, decidedBy, notes string) error {
	if r.State.Terminal() {
		return errors.ErrTerminalState
	}
	if r.State != StateVerifying {
		return errors.ErrInvalidTransition.WithDetails(map[string]interface{}{
			"from": string(r.State), "outcome": string(outcome),
		})
	}

	switch outcome {
	case OutcomeConfirmed:
		r.State = StateConfirmed
	case OutcomeFalsePositive:
		r.State = StateFalsePositive
	default:
		return errors.NewValidationError("INVALID_OUTCOME", "outcome must be confirmed or false_positive")
	}

	now := time.Now()
	r.ResolvedAt = &now
	r.ResolvedBy = decidedBy
	r.ResolutionNotes = notes
	r.UpdatedAt = now
	return nil
}

// Resolve closes the record from any non-terminal state.
func (r *Record) Resolve(resolvedBy, notes string) error {
	if r.State.Terminal() {
		return errors.ErrTerminalState
	}
	now := time.Now()
	r.State = StateResolved
	r.ResolvedAt = &now
	r.ResolvedBy = resolvedBy
	r.ResolutionNotes = notes
	r.UpdatedAt = now
	return nil
}

// MarkEscalated sets the idempotent escalation marker and the ticket link.
// Calling it again is a no-op.
func (r *Record) MarkEscalated(ticketID string) {
	if r.Escalated {
		return
	}
	now := time.Now()
	r.Escalated = true
	r.EscalatedAt = &now
	if ticketID != "" {
		r.TicketID = &ticketID
	}
	r.UpdatedAt = now
}

// OverdueFor reports whether the record has sat in DETECTED past the given
// deadline without being escalated.
func (r *Record) OverdueFor(deadline time.Duration, now time.Time) bool {
	return r.State == StateDetected && !r.Escalated && now.Sub(r.DetectedAt) >= deadline
}
