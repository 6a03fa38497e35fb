package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// ActivityStore receives decoded events from the stream.
type ActivityStore interface {
	Insert(ctx context.Context, ev *signal.ActivityEvent) error
}

// Consumer reads raw activity events off kafka and appends them to the
// activity store. It is the write path the collector later reads from; a
// store failure skips the commit so the event is redelivered.
type Consumer struct {
	reader *kafka.Reader
	store  ActivityStore
	logger *zap.Logger
}

func NewConsumer(cfg config.KafkaConfig, store ActivityStore, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.ActivityTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, store: store, logger: logger}
}

// wireEvent is the on-stream shape of one activity event.
type wireEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SubjectID string    `json:"subject_id"`
	SiteID    string    `json:"site_id"`
	Kind      string    `json:"kind"`
	DeviceID  string    `json:"device_id"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	AccuracyM *float64  `json:"accuracy_m"`
	Timestamp time.Time `json:"timestamp"`
}

// Run consumes until the context is canceled. Malformed messages are logged
// and committed so a poison message cannot wedge the partition.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	c.logger.Info("activity consumer started",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka fetch error", zap.Error(err))
			continue
		}

		ev, err := decodeEvent(msg.Value)
		if err != nil {
			c.logger.Warn("discarding malformed activity event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			c.commit(ctx, msg)
			continue
		}

		if err := c.store.Insert(ctx, ev); err != nil {
			// No commit: the broker redelivers and the insert is idempotent.
			c.logger.Error("storing activity event failed",
				zap.String("event_id", ev.ID.String()),
				zap.Error(err))
			continue
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.logger.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

func decodeEvent(raw []byte) (*signal.ActivityEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, err
	}
	tenantID, err := uuid.Parse(w.TenantID)
	if err != nil {
		return nil, err
	}
	subjectID, err := uuid.Parse(w.SubjectID)
	if err != nil {
		return nil, err
	}
	siteID, err := uuid.Parse(w.SiteID)
	if err != nil {
		return nil, err
	}
	kind, err := parseKind(w.Kind)
	if err != nil {
		return nil, err
	}

	ev := &signal.ActivityEvent{
		ID:         id,
		TenantID:   tenantID,
		SubjectID:  subjectID,
		SiteID:     siteID,
		Kind:       kind,
		DeviceID:   w.DeviceID,
		OccurredAt: w.Timestamp,
	}

	if kind == signal.EventGPS {
		if w.Latitude == nil || w.Longitude == nil {
			return nil, errMissingFix
		}
		fix := signal.GPSFix{
			Latitude:  *w.Latitude,
			Longitude: *w.Longitude,
			Timestamp: w.Timestamp,
			DeviceID:  w.DeviceID,
		}
		if w.AccuracyM != nil {
			fix.AccuracyM = *w.AccuracyM
		}
		ev.Fix = &fix
	}
	return ev, nil
}
