package baseline

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fieldguard/field-integrity-backend/internal/domain/signal"
)

// Threshold bounds for the adaptive z-score cutoff. The tuning job may move a
// profile's threshold between these, never outside them.
const (
	ThresholdFloor   = 1.5
	ThresholdCeiling = 5.0
	DefaultThreshold = 2.5
)

// StabilityMinSamples is the sample count after which a profile is considered
// statistically usable by detectors.
const StabilityMinSamples = 30

// Profile is the rolling statistical baseline for one (tenant, subject-or-site,
// metric) key. Writes come only from the tuning job and the observation feed;
// scoring cycles read it shared.
type Profile struct {
	TenantID  uuid.UUID         `json:"tenant_id"`
	SubjectID uuid.UUID         `json:"subject_id"`
	Metric    signal.MetricType `json:"metric"`

	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	SampleCount int     `json:"sample_count"`
	IsStable    bool    `json:"is_stable"`

	// DynamicThreshold is the z-score cutoff applied by the behavioral
	// detector. It only changes via Retune, never from the scoring path.
	DynamicThreshold  float64 `json:"dynamic_threshold"`
	FalsePositiveRate float64 `json:"false_positive_rate"`

	LastTunedAt time.Time `json:"last_tuned_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewProfile returns an empty profile with the default threshold.
func NewProfile(tenantID, subjectID uuid.UUID, metric signal.MetricType) *Profile {
	return &Profile{
		TenantID:         tenantID,
		SubjectID:        subjectID,
		Metric:           metric,
		DynamicThreshold: DefaultThreshold,
		UpdatedAt:        time.Now(),
	}
}

// Key returns the storage key for the profile.
func (p *Profile) Key() string {
	return fmt.Sprintf("%s:%s:%s", p.TenantID, p.SubjectID, p.Metric)
}

// Observe folds one sample into the rolling mean and standard deviation using
// Welford's online algorithm.
func (p *Profile) Observe(value float64) {
	p.SampleCount++
	if p.SampleCount == 1 {
		p.Mean = value
		p.StdDev = 0
		p.UpdatedAt = time.Now()
		return
	}

	oldMean := p.Mean
	p.Mean += (value - oldMean) / float64(p.SampleCount)

	// Track variance via the M2 aggregate reconstructed from the stored stddev.
	m2 := p.StdDev * p.StdDev * float64(p.SampleCount-2)
	m2 += (value - oldMean) * (value - p.Mean)
	p.StdDev = math.Sqrt(m2 / float64(p.SampleCount-1))

	if p.SampleCount >= StabilityMinSamples {
		p.IsStable = true
	}
	p.UpdatedAt = time.Now()
}

// ZScore returns the number of standard deviations the value lies from the
// profile mean. A degenerate (zero-stddev) profile yields 0 so that unstable
// baselines never fire by themselves.
func (p *Profile) ZScore(value float64) float64 {
	if p.StdDev <= 0 {
		return 0
	}
	return (value - p.Mean) / p.StdDev
}
