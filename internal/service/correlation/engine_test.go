package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/alert"
	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
)

type mockClusterRepo struct {
	mock.Mock
}

func (m *mockClusterRepo) Get(ctx context.Context, id uuid.UUID) (*alert.Cluster, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alert.Cluster), args.Error(1)
}

func (m *mockClusterRepo) FindActiveSince(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*alert.Cluster, error) {
	args := m.Called(ctx, tenantID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*alert.Cluster), args.Error(1)
}

func (m *mockClusterRepo) Create(ctx context.Context, c *alert.Cluster) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockClusterRepo) Update(ctx context.Context, c *alert.Cluster, expectedVersion int64) error {
	return m.Called(ctx, c, expectedVersion).Error(0)
}

func (m *mockClusterRepo) DeactivateQuiet(ctx context.Context, tenantID uuid.UUID, before time.Time) (int, error) {
	args := m.Called(ctx, tenantID, before)
	return args.Int(0), args.Error(1)
}

func correlationConfig() config.CorrelationConfig {
	return config.CorrelationConfig{
		Lookback:          30 * time.Minute,
		MergeThreshold:    0.75,
		SuppressThreshold: 0.90,
		MaxCASRetries:     2,
		QuietPeriod:       time.Hour,
	}
}

func locationEvent(tenantID, subjectID, siteID uuid.UUID, tier anomaly.RiskTier) *anomaly.Event {
	return &anomaly.Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SubjectID: subjectID,
		SiteID:    siteID,
		RiskTier:  tier,
		Findings: []anomaly.Finding{
			{Detector: anomaly.DetectorLocation, Score: 0.9, Fired: true},
		},
		ScoredAt: time.Now(),
	}
}

func TestCorrelate_NoCandidatesOpensCluster(t *testing.T) {
	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, mock.Anything, mock.Anything).
		Return([]*alert.Cluster{}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())
	ev := locationEvent(uuid.New(), uuid.New(), uuid.New(), anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.False(t, res.Suppressed)
	assert.Equal(t, "location", res.Cluster.Features.AlertType)
	assert.Equal(t, ev.ID, res.Cluster.PrimaryEventID)
	assert.True(t, res.Cluster.HasMember(ev.ID))
	repo.AssertCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCorrelate_NearDuplicateMergesAndSuppresses(t *testing.T) {
	tenantID, subjectID, siteID := uuid.New(), uuid.New(), uuid.New()

	seed := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)
	existing := alert.NewCluster(tenantID, seed, "location")

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(1)).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())

	// Same subject, type, site, severity and hour: similarity is 1.0, past
	// the suppression threshold.
	ev := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.True(t, res.Suppressed)
	assert.Equal(t, existing.ID, res.Cluster.ID)
	assert.Equal(t, 2, res.Cluster.MemberCount)
	assert.Equal(t, 1, res.Cluster.SuppressedCount)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCorrelate_RelatedButDistinctSiteMergesWithoutSuppression(t *testing.T) {
	tenantID, subjectID := uuid.New(), uuid.New()

	seed := locationEvent(tenantID, subjectID, uuid.New(), anomaly.RiskHigh)
	existing := alert.NewCluster(tenantID, seed, "location")

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)
	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())

	// Different site drops 0.20 of the similarity: 0.80 merges but does not
	// suppress.
	ev := locationEvent(tenantID, subjectID, uuid.New(), anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.False(t, res.Suppressed)
	assert.Equal(t, 0, res.Cluster.SuppressedCount)
	assert.Equal(t, 2, res.Cluster.Features.BlastRadius, "blast radius counts distinct subjects")
}

func TestCorrelate_DissimilarEventOpensNewCluster(t *testing.T) {
	tenantID := uuid.New()

	seed := locationEvent(tenantID, uuid.New(), uuid.New(), anomaly.RiskHigh)
	existing := alert.NewCluster(tenantID, seed, "location")

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())

	// Different subject, site and detector type leaves only severity and
	// time overlap, far below the merge threshold.
	ev := &anomaly.Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SubjectID: uuid.New(),
		SiteID:    uuid.New(),
		RiskTier:  anomaly.RiskHigh,
		Findings: []anomaly.Finding{
			{Detector: anomaly.DetectorDevice, Score: 0.9, Fired: true},
		},
		ScoredAt: time.Now(),
	}

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.NotEqual(t, existing.ID, res.Cluster.ID)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestCorrelate_TieBreakPrefersFresherCluster(t *testing.T) {
	tenantID, subjectID, siteID := uuid.New(), uuid.New(), uuid.New()

	older := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")
	older.UpdatedAt = time.Now().Add(-10 * time.Minute)
	fresher := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")
	fresher.UpdatedAt = time.Now().Add(-time.Minute)

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{older, fresher}, nil)
	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())
	ev := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, fresher.ID, res.Cluster.ID)
}

func TestCorrelate_RedeliveredEventIsIdempotent(t *testing.T) {
	tenantID, subjectID, siteID := uuid.New(), uuid.New(), uuid.New()

	ev := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)
	existing := alert.NewCluster(tenantID, ev, "location")

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.Equal(t, 1, res.Cluster.MemberCount)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestCorrelate_CASConflictReloadsAndRetries(t *testing.T) {
	tenantID, subjectID, siteID := uuid.New(), uuid.New(), uuid.New()

	existing := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")

	// The concurrent winner advanced the stored row to version 2.
	winner := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")
	winner.ID = existing.ID
	winner.Version = 2

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(1)).
		Return(errors.ErrClusterConflict).Once()
	repo.On("Get", mock.Anything, existing.ID).Return(winner, nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(2)).Return(nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())
	ev := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err)

	assert.False(t, res.Created)
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCorrelate_ExhaustedContentionFallsBackToNewCluster(t *testing.T) {
	tenantID, subjectID, siteID := uuid.New(), uuid.New(), uuid.New()

	existing := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")

	// Reloads observe the concurrent winner's row, never the local merge.
	stored := alert.NewCluster(tenantID, locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh), "location")
	stored.ID = existing.ID

	repo := &mockClusterRepo{}
	repo.On("FindActiveSince", mock.Anything, tenantID, mock.Anything).
		Return([]*alert.Cluster{existing}, nil)
	repo.On("Update", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.ErrClusterConflict)
	repo.On("Get", mock.Anything, existing.ID).Return(stored, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	cfg := correlationConfig()
	cfg.MaxCASRetries = 1

	e := NewEngine(repo, cfg, nil, zap.NewNop())
	ev := locationEvent(tenantID, subjectID, siteID, anomaly.RiskHigh)

	res, err := e.Correlate(context.Background(), ev)
	require.NoError(t, err, "contention must not drop the event")
	assert.True(t, res.Created)
}

func TestDeactivateQuiet(t *testing.T) {
	tenantID := uuid.New()

	repo := &mockClusterRepo{}
	repo.On("DeactivateQuiet", mock.Anything, tenantID, mock.Anything).Return(3, nil)

	e := NewEngine(repo, correlationConfig(), nil, zap.NewNop())

	n, err := e.DeactivateQuiet(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
