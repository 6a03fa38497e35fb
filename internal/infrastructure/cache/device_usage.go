package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

// DeviceUsageStore tracks recent device sightings in redis sets with sliding
// TTL windows. The device detector reads both directions of the mapping:
// which subjects touched a device, and which devices a subject used.
type DeviceUsageStore struct {
	client *redis.Client
	cfg    config.DeviceConfig
	logger *zap.Logger
}

func NewDeviceUsageStore(client *redis.Client, cfg config.DeviceConfig, logger *zap.Logger) *DeviceUsageStore {
	return &DeviceUsageStore{client: client, cfg: cfg, logger: logger}
}

func deviceKey(tenantID uuid.UUID, deviceID string) string {
	return fmt.Sprintf("device_subjects:%s:%s", tenantID, deviceID)
}

func subjectKey(tenantID, subjectID uuid.UUID) string {
	return fmt.Sprintf("subject_devices:%s:%s", tenantID, subjectID)
}

// SubjectsForDevice lists distinct subjects seen on the device within the
// shared-device window. Unparseable members are skipped.
func (s *DeviceUsageStore) SubjectsForDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) ([]uuid.UUID, error) {
	members, err := s.client.SMembers(ctx, deviceKey(tenantID, deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading device subjects: %w", err)
	}

	subjects := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			s.logger.Warn("corrupt subject id in device set",
				zap.String("device_id", deviceID),
				zap.String("member", m))
			continue
		}
		subjects = append(subjects, id)
	}
	return subjects, nil
}

// RecentDevices lists distinct devices the subject used within the switch
// window.
func (s *DeviceUsageStore) RecentDevices(ctx context.Context, tenantID, subjectID uuid.UUID) ([]string, error) {
	devices, err := s.client.SMembers(ctx, subjectKey(tenantID, subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading subject devices: %w", err)
	}
	return devices, nil
}

// RecordUsage appends this cycle's sightings to both set directions and
// refreshes the window TTLs.
func (s *DeviceUsageStore) RecordUsage(ctx context.Context, tenantID, subjectID uuid.UUID, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()

	sk := subjectKey(tenantID, subjectID)
	for _, deviceID := range deviceIDs {
		dk := deviceKey(tenantID, deviceID)
		pipe.SAdd(ctx, dk, subjectID.String())
		pipe.Expire(ctx, dk, s.cfg.SharedDeviceWindow)
		pipe.SAdd(ctx, sk, deviceID)
	}
	pipe.Expire(ctx, sk, s.cfg.SwitchWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording device usage: %w", err)
	}
	return nil
}
