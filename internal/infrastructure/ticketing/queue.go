package ticketing

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
)

const queueCapacity = 256

// Creator is the synchronous create call the queue retries.
type Creator interface {
	CreateTicket(ctx context.Context, req escalation.TicketRequest) (string, error)
	FindOpenTicket(ctx context.Context, dedupKey string) (string, error)
}

// Queue decouples ticket creation from the sweep that requested it. Each
// submission is retried with exponential backoff up to the attempt budget;
// exhausted submissions are logged loudly for manual intervention, never
// silently dropped.
type Queue struct {
	creator Creator
	cfg     config.TicketingConfig
	logger  *zap.Logger

	requests chan escalation.TicketRequest
	wg       sync.WaitGroup
}

func NewQueue(creator Creator, cfg config.TicketingConfig, logger *zap.Logger) *Queue {
	return &Queue{
		creator:  creator,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan escalation.TicketRequest, queueCapacity),
	}
}

// Start launches the worker. It drains until the context is canceled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-q.requests:
				q.process(ctx, req)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Submit enqueues a ticket request without blocking the caller. A full queue
// is surfaced as an error log; the record's escalation marker is already
// set, so operators resolve the gap through the dedup lookup.
func (q *Queue) Submit(req escalation.TicketRequest) {
	select {
	case q.requests <- req:
	default:
		q.logger.Error("ticket queue full, manual ticket creation required",
			zap.String("dedup_key", req.DedupKey),
			zap.String("title", req.Title))
	}
}

// FindOpenTicket passes through to the underlying client.
func (q *Queue) FindOpenTicket(ctx context.Context, dedupKey string) (string, error) {
	return q.creator.FindOpenTicket(ctx, dedupKey)
}

func (q *Queue) process(ctx context.Context, req escalation.TicketRequest) {
	var ticketID string

	attempt := func() error {
		id, err := q.creator.CreateTicket(ctx, req)
		if err != nil {
			return err
		}
		ticketID = id
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(q.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		q.logger.Error("ticket creation exhausted retries, manual intervention required",
			zap.String("dedup_key", req.DedupKey),
			zap.String("title", req.Title),
			zap.Int("attempts", q.cfg.MaxAttempts),
			zap.Error(err))
		return
	}

	q.logger.Info("ticket created",
		zap.String("ticket_id", ticketID),
		zap.String("dedup_key", req.DedupKey))

	if req.OnCreated != nil {
		req.OnCreated(ticketID)
	}
}
