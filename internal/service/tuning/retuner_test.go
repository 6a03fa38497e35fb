package tuning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/baseline"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

type mockProfiles struct {
	mock.Mock
}

func (m *mockProfiles) ListDue(ctx context.Context, tunedBefore time.Time) ([]*baseline.Profile, error) {
	args := m.Called(ctx, tunedBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*baseline.Profile), args.Error(1)
}

func (m *mockProfiles) Save(ctx context.Context, p *baseline.Profile) error {
	return m.Called(ctx, p).Error(0)
}

type mockOutcomes struct {
	mock.Mock
}

func (m *mockOutcomes) OutcomesFor(ctx context.Context, tenantID, subjectID uuid.UUID, since time.Time) (baseline.Outcomes, error) {
	args := m.Called(ctx, tenantID, subjectID, since)
	return args.Get(0).(baseline.Outcomes), args.Error(1)
}

func tuningConfig() config.TuningConfig {
	return config.TuningConfig{
		Interval:             24 * time.Hour,
		OutcomeWindow:        30 * 24 * time.Hour,
		FalsePositiveCeiling: 0.30,
		StabilityFloor:       100,
		Step:                 0.25,
	}
}

func dueProfile(samples int) *baseline.Profile {
	p := baseline.NewProfile(uuid.New(), uuid.New(), signal.MetricPhoneEvents)
	p.SampleCount = samples
	p.Mean = 10
	p.StdDev = 2
	return p
}

func TestRun_NoisyProfileDesensitized(t *testing.T) {
	p := dueProfile(200)

	profiles := &mockProfiles{}
	profiles.On("ListDue", mock.Anything, mock.Anything).Return([]*baseline.Profile{p}, nil)

	var saved *baseline.Profile
	profiles.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*baseline.Profile)
	}).Return(nil)

	outcomes := &mockOutcomes{}
	outcomes.On("OutcomesFor", mock.Anything, p.TenantID, p.SubjectID, mock.Anything).
		Return(baseline.Outcomes{Resolved: 10, FalsePositives: 5}, nil)

	r := NewRetuner(profiles, outcomes, tuningConfig(), nil, zap.NewNop())

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NotNil(t, saved)
	assert.InDelta(t, baseline.DefaultThreshold+0.25, saved.DynamicThreshold, 0.001)
	assert.InDelta(t, 0.5, saved.FalsePositiveRate, 0.001)
	// The in-memory input is untouched; writes are copy-on-tune.
	assert.InDelta(t, baseline.DefaultThreshold, p.DynamicThreshold, 0.001)
}

func TestRun_QuietWellSampledProfileSensitized(t *testing.T) {
	p := dueProfile(150)

	profiles := &mockProfiles{}
	profiles.On("ListDue", mock.Anything, mock.Anything).Return([]*baseline.Profile{p}, nil)

	var saved *baseline.Profile
	profiles.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*baseline.Profile)
	}).Return(nil)

	outcomes := &mockOutcomes{}
	outcomes.On("OutcomesFor", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(baseline.Outcomes{Resolved: 20, FalsePositives: 1}, nil)

	r := NewRetuner(profiles, outcomes, tuningConfig(), nil, zap.NewNop())

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, saved)
	assert.InDelta(t, baseline.DefaultThreshold-0.25, saved.DynamicThreshold, 0.001)
}

func TestRun_OutcomeFailureSkipsProfile(t *testing.T) {
	broken := dueProfile(50)
	healthy := dueProfile(50)

	profiles := &mockProfiles{}
	profiles.On("ListDue", mock.Anything, mock.Anything).
		Return([]*baseline.Profile{broken, healthy}, nil)
	profiles.On("Save", mock.Anything, mock.Anything).Return(nil)

	outcomes := &mockOutcomes{}
	outcomes.On("OutcomesFor", mock.Anything, broken.TenantID, broken.SubjectID, mock.Anything).
		Return(baseline.Outcomes{}, errors.NewInternalError("query timeout"))
	outcomes.On("OutcomesFor", mock.Anything, healthy.TenantID, healthy.SubjectID, mock.Anything).
		Return(baseline.Outcomes{Resolved: 2}, nil)

	r := NewRetuner(profiles, outcomes, tuningConfig(), nil, zap.NewNop())

	n, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failing profile is skipped, not fatal")
	profiles.AssertNumberOfCalls(t, "Save", 1)
}

func TestRun_ListFailurePropagates(t *testing.T) {
	profiles := &mockProfiles{}
	profiles.On("ListDue", mock.Anything, mock.Anything).
		Return(nil, errors.NewInternalError("connection refused"))

	r := NewRetuner(profiles, &mockOutcomes{}, tuningConfig(), nil, zap.NewNop())

	_, err := r.Run(context.Background())
	require.Error(t, err)
}
