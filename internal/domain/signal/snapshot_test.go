package signal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
)

func TestNewSnapshot_WindowValidation(t *testing.T) {
	tenant, subject, site := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	tests := []struct {
		name    string
		start   time.Time
		end     time.Time
		wantErr bool
	}{
		{"valid five minute window", now.Add(-5 * time.Minute), now, false},
		{"valid full day window", now.Add(-24 * time.Hour), now, false},
		{"window over maximum", now.Add(-25 * time.Hour), now, true},
		{"inverted window", now, now.Add(-time.Minute), true},
		{"zero window", now, now, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := NewSnapshot(tenant, subject, site, tt.start, tt.end)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, subject, snap.SubjectID)
			assert.False(t, snap.Partial)
		})
	}
}

func TestNewSnapshot_RejectionsAreValidationErrors(t *testing.T) {
	tenant, site := uuid.New(), uuid.New()
	now := time.Now()

	_, err := NewSnapshot(tenant, uuid.Nil, site, now.Add(-time.Hour), now)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = NewSnapshot(tenant, uuid.New(), site, now, now.Add(-time.Minute))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = NewSnapshot(tenant, uuid.New(), site, now.Add(-25*time.Hour), now)
	assert.ErrorIs(t, err, errors.ErrWindowTooLarge)
}

func TestSnapshot_MarkDegraded(t *testing.T) {
	snap, err := NewSnapshot(uuid.New(), uuid.New(), uuid.New(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	snap.MarkDegraded("gps")
	snap.MarkDegraded("tasks")

	assert.True(t, snap.Partial)
	assert.Equal(t, []string{"gps", "tasks"}, snap.DegradedSources)
}

func TestHaversineKm(t *testing.T) {
	// Paris to London, roughly 344 km.
	paris := GPSFix{Latitude: 48.8566, Longitude: 2.3522}
	london := GPSFix{Latitude: 51.5074, Longitude: -0.1278}

	d := HaversineKm(paris, london)
	assert.InDelta(t, 344, d, 5)
	assert.Zero(t, HaversineKm(paris, paris))
}

func TestImpliedSpeedKmh(t *testing.T) {
	base := time.Now()
	from := GPSFix{Latitude: 0, Longitude: 0, Timestamp: base}
	to := GPSFix{Latitude: 0.45, Longitude: 0, Timestamp: base.Add(2 * time.Minute)}

	// ~50 km in 2 minutes is ~1500 km/h.
	speed := ImpliedSpeedKmh(from, to)
	assert.InDelta(t, 1500, speed, 60)

	// Out-of-order fixes cannot produce a speed.
	assert.Zero(t, ImpliedSpeedKmh(to, from))
}
