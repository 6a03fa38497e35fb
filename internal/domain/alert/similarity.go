package alert

import (
	"math"

	"github.com/fieldguard/field-integrity-backend/internal/domain/anomaly"
)

// Similarity weights. The components sum to 1.0 so the score is bounded to
// [0,1] without normalization.
const (
	weightSubject  = 0.30
	weightType     = 0.25
	weightSite     = 0.20
	weightSeverity = 0.10
	weightTime     = 0.10
	weightBlast    = 0.05
)

// Similarity scores how closely an incoming event resembles a candidate
// cluster's stored feature vector. Identity dimensions (subject, type, site)
// dominate; severity, time-of-day proximity and blast radius refine the tail.
func Similarity(ev *anomaly.Event, alertType string, c *Cluster) float64 {
	var score float64

	if ev.SubjectID == c.Features.SubjectID {
		score += weightSubject
	}
	if alertType == c.Features.AlertType {
		score += weightType
	}
	if ev.SiteID == c.Features.SiteID {
		score += weightSite
	}

	// Severity proximity: adjacent tiers still contribute half weight.
	sevDelta := int(ev.RiskTier.Severity()) - int(c.Features.Severity)
	switch {
	case sevDelta == 0:
		score += weightSeverity
	case sevDelta == 1 || sevDelta == -1:
		score += weightSeverity / 2
	}

	// Hour-of-day distance on a 24h ring.
	hourDelta := math.Abs(float64(ev.ScoredAt.Hour() - c.Features.HourOfDay))
	if hourDelta > 12 {
		hourDelta = 24 - hourDelta
	}
	score += weightTime * (1 - hourDelta/12)

	// Single-subject events match small blast radii best.
	if c.Features.BlastRadius <= 3 {
		score += weightBlast
	}

	return score
}
