package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

func testClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func deviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		SharedDeviceWindow: time.Hour,
		SwitchWindow:       30 * time.Minute,
		MaxDevices:         3,
		MaxRapidSwitches:   2,
	}
}

func TestDeviceUsageStore_RoundTrip(t *testing.T) {
	client, _ := testClient(t)
	store := NewDeviceUsageStore(client, deviceConfig(), zap.NewNop())

	ctx := context.Background()
	tenantID := uuid.New()
	alice, bob := uuid.New(), uuid.New()

	require.NoError(t, store.RecordUsage(ctx, tenantID, alice, []string{"device-1", "device-2"}))
	require.NoError(t, store.RecordUsage(ctx, tenantID, bob, []string{"device-1"}))

	subjects, err := store.SubjectsForDevice(ctx, tenantID, "device-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, subjects)

	devices, err := store.RecentDevices(ctx, tenantID, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"device-1", "device-2"}, devices)
}

func TestDeviceUsageStore_TenantsIsolated(t *testing.T) {
	client, _ := testClient(t)
	store := NewDeviceUsageStore(client, deviceConfig(), zap.NewNop())

	ctx := context.Background()
	subject := uuid.New()

	require.NoError(t, store.RecordUsage(ctx, uuid.New(), subject, []string{"device-1"}))

	subjects, err := store.SubjectsForDevice(ctx, uuid.New(), "device-1")
	require.NoError(t, err)
	assert.Empty(t, subjects)
}

func TestDeviceUsageStore_WindowExpiry(t *testing.T) {
	client, mr := testClient(t)
	store := NewDeviceUsageStore(client, deviceConfig(), zap.NewNop())

	ctx := context.Background()
	tenantID, subject := uuid.New(), uuid.New()

	require.NoError(t, store.RecordUsage(ctx, tenantID, subject, []string{"device-1"}))

	mr.FastForward(2 * time.Hour)

	subjects, err := store.SubjectsForDevice(ctx, tenantID, "device-1")
	require.NoError(t, err)
	assert.Empty(t, subjects, "sightings age out with the window")
}

func TestDeviceUsageStore_EmptyUsageIsNoop(t *testing.T) {
	client, _ := testClient(t)
	store := NewDeviceUsageStore(client, deviceConfig(), zap.NewNop())

	require.NoError(t, store.RecordUsage(context.Background(), uuid.New(), uuid.New(), nil))
}

func TestTicketLock_FirstWriterWins(t *testing.T) {
	client, _ := testClient(t)
	lock := NewTicketLock(client)

	ctx := context.Background()

	acquired, err := lock.AcquireTicketKey(ctx, "ticket:t1:location:s1", 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = lock.AcquireTicketKey(ctx, "ticket:t1:location:s1", 4*time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired, "the second writer must lose the race")
}

func TestTicketLock_KeyExpiresWithWindow(t *testing.T) {
	client, mr := testClient(t)
	lock := NewTicketLock(client)

	ctx := context.Background()

	acquired, err := lock.AcquireTicketKey(ctx, "ticket:t1:device:s2", 4*time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(5 * time.Hour)

	acquired, err = lock.AcquireTicketKey(ctx, "ticket:t1:device:s2", 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired, "a new ticket is allowed after the dedup window")
}
