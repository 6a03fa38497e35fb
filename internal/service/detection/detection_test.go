package detection

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

func newSnapshot(t *testing.T, end time.Time) *signal.Snapshot {
	t.Helper()
	snap, err := signal.NewSnapshot(uuid.New(), uuid.New(), uuid.New(), end.Add(-time.Hour), end)
	require.NoError(t, err)
	return snap
}

func stableProfile(metric signal.MetricType, mean, std, threshold float64) *baseline.Profile {
	return &baseline.Profile{
		Metric:           metric,
		Mean:             mean,
		StdDev:           std,
		SampleCount:      100,
		IsStable:         true,
		DynamicThreshold: threshold,
	}
}

func behavioralConfig() config.BehavioralConfig {
	return config.BehavioralConfig{NightStart: 0, NightEnd: 5, NightMultiplier: 1.2}
}

func TestBehavioralDetector_ExtremeDeviationFires(t *testing.T) {
	// Baseline mean=5, std=1; observed 20 is a z-score of 15 and must fire
	// at the maximum score.
	noon := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	snap := newSnapshot(t, noon)
	snap.PhoneEvents = 20

	baselines := Baselines{
		signal.MetricPhoneEvents: stableProfile(signal.MetricPhoneEvents, 5, 1, 2.5),
	}

	d := NewBehavioralDetector(behavioralConfig())
	f, err := d.Evaluate(context.Background(), snap, baselines)
	require.NoError(t, err)

	assert.True(t, f.Fired)
	assert.Equal(t, 1.0, f.Score)
	assert.Equal(t, anomaly.SeverityCritical, f.Severity)
	assert.InDelta(t, 15.0, f.Evidence["z_score"].(float64), 0.001)
}

func TestBehavioralDetector_WithinThresholdStaysQuiet(t *testing.T) {
	snap := newSnapshot(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	snap.PhoneEvents = 6

	baselines := Baselines{
		signal.MetricPhoneEvents: stableProfile(signal.MetricPhoneEvents, 5, 1, 2.5),
	}

	d := NewBehavioralDetector(behavioralConfig())
	f, err := d.Evaluate(context.Background(), snap, baselines)
	require.NoError(t, err)

	assert.False(t, f.Fired)
	assert.Zero(t, f.Score)
}

func TestBehavioralDetector_NightBandAmplifies(t *testing.T) {
	day := newSnapshot(t, time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC))
	night := newSnapshot(t, time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC))
	day.PhoneEvents = 8
	night.PhoneEvents = 8

	baselines := Baselines{
		signal.MetricPhoneEvents: stableProfile(signal.MetricPhoneEvents, 5, 1, 2.5),
	}

	d := NewBehavioralDetector(behavioralConfig())
	dayFinding, err := d.Evaluate(context.Background(), day, baselines)
	require.NoError(t, err)
	nightFinding, err := d.Evaluate(context.Background(), night, baselines)
	require.NoError(t, err)

	assert.InDelta(t, dayFinding.Score*1.2, nightFinding.Score, 0.001)
	assert.Equal(t, true, nightFinding.Evidence["night_band"])
}

func TestBehavioralDetector_SkipsDegradedMetrics(t *testing.T) {
	snap := newSnapshot(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	snap.MarkDegraded("phone") // phone events stuck at zero

	baselines := Baselines{
		signal.MetricPhoneEvents: stableProfile(signal.MetricPhoneEvents, 50, 2, 2.5),
	}

	d := NewBehavioralDetector(behavioralConfig())
	f, err := d.Evaluate(context.Background(), snap, baselines)
	require.NoError(t, err)

	assert.False(t, f.Fired, "missing data must not read as an anomaly")
	assert.Zero(t, f.Score)
}

func temporalConfig() config.TemporalConfig {
	return config.TemporalConfig{
		MinRestGap:       8 * time.Hour,
		MaxShiftDuration: 14 * time.Hour,
		WorkdayStart:     6,
		WorkdayEnd:       22,
	}
}

func TestTemporalDetector(t *testing.T) {
	day := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		setup      func(*signal.Snapshot)
		wantFired  bool
		wantScore  float64
		violations []string
	}{
		{
			name: "clean shift log",
			setup: func(s *signal.Snapshot) {
				s.ShiftLog = []signal.Shift{
					{Start: day.Add(8 * time.Hour), End: day.Add(16 * time.Hour)},
				}
			},
		},
		{
			name: "short rest gap",
			setup: func(s *signal.Snapshot) {
				s.ShiftLog = []signal.Shift{
					{Start: day.Add(8 * time.Hour), End: day.Add(16 * time.Hour)},
					{Start: day.Add(19 * time.Hour), End: day.Add(27 * time.Hour)},
				}
			},
			wantFired:  true,
			wantScore:  0.5,
			violations: []string{"short_rest_gap"},
		},
		{
			name: "overlong shift",
			setup: func(s *signal.Snapshot) {
				s.ShiftLog = []signal.Shift{
					{Start: day.Add(6 * time.Hour), End: day.Add(22 * time.Hour)},
				}
			},
			wantFired:  true,
			wantScore:  0.5,
			violations: []string{"overlong_shift"},
		},
	}

	d := NewTemporalDetector(temporalConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := newSnapshot(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
			tt.setup(snap)

			f, err := d.Evaluate(context.Background(), snap, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantFired, f.Fired)
			assert.InDelta(t, tt.wantScore, f.Score, 0.001)
			if tt.violations != nil {
				assert.Equal(t, tt.violations, f.Evidence["violations"])
			}
		})
	}
}

func TestTemporalDetector_OffHoursActivity(t *testing.T) {
	snap := newSnapshot(t, time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC))
	snap.PhoneEvents = 4

	f, err := NewTemporalDetector(temporalConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.4, f.Score, 0.001)
	assert.False(t, f.Fired, "off-hours alone stays below the fired threshold")
}

func locationConfig() config.LocationConfig {
	return config.LocationConfig{
		WalkingMaxKmh:         8,
		DrivingMaxKmh:         160,
		FlyingMaxKmh:          1000,
		AccuracySwingM:        50,
		MinPlausibleAccuracyM: 1,
	}
}

func TestLocationDetector_ImpossibleTravel(t *testing.T) {
	// Two fixes 2 minutes apart, ~50 km apart: implied 1500 km/h.
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(t, base.Add(time.Hour))
	snap.GPSTrack = []signal.GPSFix{
		{Latitude: 40.0, Longitude: 20.0, AccuracyM: 10, Timestamp: base},
		{Latitude: 40.45, Longitude: 20.0, AccuracyM: 12, Timestamp: base.Add(2 * time.Minute)},
	}

	f, err := NewLocationDetector(locationConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.True(t, f.Fired)
	assert.Equal(t, 1.0, f.Score)
	assert.Equal(t, anomaly.SeverityCritical, f.Severity)
	assert.Contains(t, f.Evidence["indicators"], "impossible_travel")
	assert.Greater(t, f.Evidence["implied_speed_kmh"].(float64), 1000.0)
}

func TestLocationDetector_SpoofingIndicators(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		track     []signal.GPSFix
		indicator string
		score     float64
	}{
		{
			name: "null island",
			track: []signal.GPSFix{
				{Latitude: 0, Longitude: 0, AccuracyM: 10, Timestamp: base},
			},
			indicator: "null_island",
			score:     0.8,
		},
		{
			name: "accuracy swing",
			track: []signal.GPSFix{
				{Latitude: 40, Longitude: 20, AccuracyM: 5, Timestamp: base},
				{Latitude: 40.0001, Longitude: 20, AccuracyM: 90, Timestamp: base.Add(time.Minute)},
			},
			indicator: "accuracy_swing",
			score:     0.5,
		},
		{
			name: "implausibly precise accuracy",
			track: []signal.GPSFix{
				{Latitude: 40, Longitude: 20, AccuracyM: 0.2, Timestamp: base},
			},
			indicator: "implausible_accuracy",
			score:     0.4,
		},
	}

	d := NewLocationDetector(locationConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := newSnapshot(t, base.Add(time.Hour))
			snap.GPSTrack = tt.track

			f, err := d.Evaluate(context.Background(), snap, nil)
			require.NoError(t, err)

			assert.InDelta(t, tt.score, f.Score, 0.001)
			assert.Contains(t, f.Evidence["indicators"], tt.indicator)
		})
	}
}

func TestLocationDetector_OverWalkingSpeed(t *testing.T) {
	// Two fixes 5 minutes apart, ~2 km apart: implied ~24 km/h, above the
	// walking ceiling but well below driving.
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(t, base.Add(time.Hour))
	snap.GPSTrack = []signal.GPSFix{
		{Latitude: 40.0, Longitude: 20.0, AccuracyM: 10, Timestamp: base},
		{Latitude: 40.018, Longitude: 20.0, AccuracyM: 12, Timestamp: base.Add(5 * time.Minute)},
	}

	f, err := NewLocationDetector(locationConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.2, f.Score, 0.001)
	assert.False(t, f.Fired, "walking-band breach alone stays below the fired threshold")
	assert.Contains(t, f.Evidence["indicators"], "over_walking_speed")
	speed := f.Evidence["implied_speed_kmh"].(float64)
	assert.Greater(t, speed, 8.0)
	assert.Less(t, speed, 160.0)
}

func TestLocationDetector_CleanTrack(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	snap := newSnapshot(t, base.Add(time.Hour))
	snap.GPSTrack = []signal.GPSFix{
		{Latitude: 40.0, Longitude: 20.0, AccuracyM: 10, Timestamp: base},
		{Latitude: 40.001, Longitude: 20.0, AccuracyM: 12, Timestamp: base.Add(5 * time.Minute)},
	}

	f, err := NewLocationDetector(locationConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)
	assert.False(t, f.Fired)
	assert.Zero(t, f.Score)
}

type mockUsage struct {
	mock.Mock
}

func (m *mockUsage) SubjectsForDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) ([]uuid.UUID, error) {
	args := m.Called(ctx, tenantID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *mockUsage) RecentDevices(ctx context.Context, tenantID, subjectID uuid.UUID) ([]string, error) {
	args := m.Called(ctx, tenantID, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockUsage) RecordUsage(ctx context.Context, tenantID, subjectID uuid.UUID, deviceIDs []string) error {
	return m.Called(ctx, tenantID, subjectID, deviceIDs).Error(0)
}

func deviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		SharedDeviceWindow: 30 * time.Minute,
		SwitchWindow:       15 * time.Minute,
		MaxDevices:         3,
		MaxRapidSwitches:   2,
	}
}

func TestDeviceDetector_SharedDevice(t *testing.T) {
	snap := newSnapshot(t, time.Now())
	snap.DeviceIDs = []string{"dev-1"}

	usage := &mockUsage{}
	usage.On("SubjectsForDevice", mock.Anything, snap.TenantID, "dev-1").
		Return([]uuid.UUID{snap.SubjectID, uuid.New()}, nil)
	usage.On("RecentDevices", mock.Anything, snap.TenantID, snap.SubjectID).Return([]string{"dev-1"}, nil)
	usage.On("RecordUsage", mock.Anything, snap.TenantID, snap.SubjectID, []string{"dev-1"}).Return(nil)

	f, err := NewDeviceDetector(usage, deviceConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.True(t, f.Fired)
	assert.InDelta(t, 0.9, f.Score, 0.001)
	assert.Contains(t, f.Evidence["indicators"], "shared_device")
	usage.AssertExpectations(t)
}

func TestDeviceDetector_TooManyDevices(t *testing.T) {
	snap := newSnapshot(t, time.Now())
	snap.DeviceIDs = []string{"dev-4"}

	usage := &mockUsage{}
	usage.On("SubjectsForDevice", mock.Anything, snap.TenantID, "dev-4").
		Return([]uuid.UUID{snap.SubjectID}, nil)
	usage.On("RecentDevices", mock.Anything, snap.TenantID, snap.SubjectID).
		Return([]string{"dev-1", "dev-2", "dev-3"}, nil)
	usage.On("RecordUsage", mock.Anything, snap.TenantID, snap.SubjectID, []string{"dev-4"}).Return(nil)

	f, err := NewDeviceDetector(usage, deviceConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)

	assert.True(t, f.Fired)
	assert.InDelta(t, 0.7, f.Score, 0.001)
	assert.Contains(t, f.Evidence["indicators"], "too_many_devices")
}

func TestDeviceDetector_NoDevicesNoFinding(t *testing.T) {
	snap := newSnapshot(t, time.Now())

	usage := &mockUsage{}
	usage.On("RecentDevices", mock.Anything, snap.TenantID, snap.SubjectID).Return([]string{}, nil)

	f, err := NewDeviceDetector(usage, deviceConfig()).Evaluate(context.Background(), snap, nil)
	require.NoError(t, err)
	assert.False(t, f.Fired)
	usage.AssertNotCalled(t, "RecordUsage")
}
