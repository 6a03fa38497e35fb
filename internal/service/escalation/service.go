package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/alert"
	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/escalation"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/metrics"
)

// RecordRepository is the durable store for escalation records.
type RecordRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*escalation.Record, error)
	GetByCluster(ctx context.Context, clusterID uuid.UUID) (*escalation.Record, error)
	Create(ctx context.Context, r *escalation.Record) error
	Update(ctx context.Context, r *escalation.Record) error
	// ListUnescalated returns records still in DETECTED whose escalation
	// marker is unset, oldest first.
	ListUnescalated(ctx context.Context) ([]*escalation.Record, error)
}

// TicketRequest describes one external ticket to create. OnCreated runs once
// the external system accepts the ticket, off the caller's goroutine.
type TicketRequest struct {
	Title       string
	Description string
	Severity    anomaly.Severity
	DedupKey    string
	Metadata    map[string]string
	OnCreated   func(ticketID string)
}

// Ticketer fronts the external ticketing system. Submit queues creation
// asynchronously so sweeps never block on the remote call.
type Ticketer interface {
	FindOpenTicket(ctx context.Context, dedupKey string) (string, error)
	Submit(req TicketRequest)
}

// DedupLocker is the atomic create-if-absent primitive guarding ticket
// creation across racing workers.
type DedupLocker interface {
	AcquireTicketKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// VerificationRequest asks a subject to confirm their own activity over a
// given channel.
type VerificationRequest struct {
	TenantID     uuid.UUID
	EscalationID uuid.UUID
	Method       string
	Message      string
}

// Notifier dispatches verification requests fire-and-forget. Responses come
// back through RecordVerification.
type Notifier interface {
	Send(ctx context.Context, req VerificationRequest) error
}

// Service drives escalation records through their lifecycle and runs the
// periodic auto-escalation sweep.
type Service struct {
	records  RecordRepository
	ticketer Ticketer
	locker   DedupLocker
	notifier Notifier
	cfg      config.EscalationConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func NewService(
	records RecordRepository,
	ticketer Ticketer,
	locker DedupLocker,
	notifier Notifier,
	cfg config.EscalationConfig,
	registry *metrics.Registry,
	logger *zap.Logger,
) *Service {
	return &Service{
		records:  records,
		ticketer: ticketer,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		metrics:  registry,
		logger:   logger,
	}
}

// OpenForCluster opens a DETECTED record the first time a cluster reaches an
// escalation-eligible severity. Below HIGH it is a no-op; an existing record
// for the cluster is returned as-is.
func (s *Service) OpenForCluster(ctx context.Context, c *alert.Cluster) (*escalation.Record, error) {
	if !escalation.EligibleSeverity(c.CombinedSeverity) {
		return nil, nil
	}

	existing, err := s.records.GetByCluster(ctx, c.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, errors.Wrap(err, "looking up escalation record")
	}

	rec, err := escalation.NewRecord(c.TenantID, c.ID, c.Features.SiteID, c.Features.AlertType, c.CombinedSeverity)
	if err != nil {
		return nil, err
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "creating escalation record")
	}

	s.logger.Info("escalation record opened",
		zap.String("record_id", rec.ID.String()),
		zap.String("cluster_id", c.ID.String()),
		zap.String("severity", rec.Severity.String()))
	return rec, nil
}

// DispatchVerification sends a verification request over the given channel
// and moves the record into VERIFYING. Notification failure is logged but
// does not roll the transition back; the channel is fire-and-forget.
func (s *Service) DispatchVerification(ctx context.Context, id uuid.UUID, method string) (*escalation.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.BeginVerification(method); err != nil {
		return nil, err
	}
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "updating escalation record")
	}

	if err := s.notifier.Send(ctx, VerificationRequest{
		TenantID:     rec.TenantID,
		EscalationID: rec.ID,
		Method:       method,
		Message:      fmt.Sprintf("verification requested for %s finding", rec.FindingType),
	}); err != nil {
		s.logger.Warn("verification dispatch failed",
			zap.String("record_id", rec.ID.String()),
			zap.String("method", method),
			zap.Error(err))
	}
	return rec, nil
}

// RecordVerification stores a verification channel response, transitioning
// DETECTED records into VERIFYING first.
func (s *Service) RecordVerification(ctx context.Context, id uuid.UUID, method, response string) (*escalation.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.State == escalation.StateDetected {
		if err := rec.BeginVerification(method); err != nil {
			return nil, err
		}
	}
	if err := rec.RecordResponse(response); err != nil {
		return nil, err
	}
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "updating escalation record")
	}
	return rec, nil
}

// Resolve applies a resolution decision. Confirmed and false-positive
// outcomes require VERIFYING; explicit resolution closes any non-terminal
// record.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, outcome escalation.Outcome, resolvedBy, notes string) (*escalation.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case escalation.OutcomeResolved:
		err = rec.Resolve(resolvedBy, notes)
	default:
		err = rec.Decide(outcome, resolvedBy, notes)
	}
	if err != nil {
		return nil, err
	}

	if err := s.records.Update(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "updating escalation record")
	}
	return rec, nil
}

// Sweep is the periodic auto-escalation pass: every DETECTED record past its
// severity deadline gets a ticket created or linked, exactly once. The sweep
// is idempotent across reruns and worker restarts; per-record failures are
// logged and retried on the next pass.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.records.ListUnescalated(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing escalation candidates")
	}

	now := time.Now()
	escalated := 0
	for _, rec := range candidates {
		if !rec.OverdueFor(s.deadlineFor(rec.Severity), now) {
			continue
		}
		done, err := s.escalate(ctx, rec)
		if err != nil {
			s.logger.Warn("auto-escalation failed, will retry next sweep",
				zap.String("record_id", rec.ID.String()),
				zap.Error(err))
			continue
		}
		if done {
			escalated++
		}
	}
	return escalated, nil
}

// escalate returns true once the record is marked escalated. A false return
// without error means the record was deliberately left for a later sweep.
func (s *Service) escalate(ctx context.Context, rec *escalation.Record) (bool, error) {
	key := TicketDedupKey(rec.TenantID, rec.FindingType, rec.SiteID)

	acquired, err := s.locker.AcquireTicketKey(ctx, key, s.cfg.TicketDedupWindow)
	if err != nil {
		return false, errors.Wrap(err, "acquiring ticket dedup key")
	}

	if !acquired {
		// Another worker or an earlier record already ticketed this
		// (finding-type, site) within the window; link instead of creating.
		existingID, err := s.ticketer.FindOpenTicket(ctx, key)
		if err != nil {
			return false, errors.Wrap(err, "looking up open ticket")
		}
		if existingID == "" {
			// The key holder's ticket is still in the async queue and not
			// visible yet. Marking the record escalated now would drop it
			// from every future sweep with no ticket attached.
			s.logger.Info("open ticket not yet visible for dedup key, deferring",
				zap.String("record_id", rec.ID.String()),
				zap.String("dedup_key", key))
			return false, nil
		}
		rec.MarkEscalated(existingID)
		if err := s.records.Update(ctx, rec); err != nil {
			return false, err
		}
		s.metrics.RecordTicketLinked(ctx)
		return true, nil
	}

	recID := rec.ID
	s.ticketer.Submit(TicketRequest{
		Title:       fmt.Sprintf("[%s] %s anomaly unacknowledged", rec.Severity, rec.FindingType),
		Description: fmt.Sprintf("escalation record %s exceeded its response deadline", recID),
		Severity:    rec.Severity,
		DedupKey:    key,
		Metadata: map[string]string{
			"tenant_id":     rec.TenantID.String(),
			"cluster_id":    rec.ClusterID.String(),
			"escalation_id": recID.String(),
		},
		OnCreated: func(ticketID string) {
			s.linkTicket(recID, ticketID)
		},
	})

	rec.MarkEscalated("")
	if err := s.records.Update(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// linkTicket attaches the external ticket id once the async queue reports
// success.
func (s *Service) linkTicket(recordID uuid.UUID, ticketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.records.Get(ctx, recordID)
	if err != nil {
		s.logger.Error("linking ticket to escalation record failed",
			zap.String("record_id", recordID.String()),
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return
	}
	rec.TicketID = &ticketID
	rec.UpdatedAt = time.Now()
	if err := s.records.Update(ctx, rec); err != nil {
		s.logger.Error("persisting ticket link failed",
			zap.String("record_id", recordID.String()),
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return
	}
	s.metrics.RecordTicketCreated(ctx)
}

func (s *Service) deadlineFor(sev anomaly.Severity) time.Duration {
	if sev >= anomaly.SeverityCritical {
		return s.cfg.CriticalDeadline
	}
	return s.cfg.HighDeadline
}

// TicketDedupKey derives the ticket deduplication key. Two findings of the
// same type at the same site inside the window share one ticket.
func TicketDedupKey(tenantID uuid.UUID, findingType string, siteID uuid.UUID) string {
	return fmt.Sprintf("ticket:%s:%s:%s", tenantID, findingType, siteID)
}
