package anomaly

import (
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity tier of a finding or cluster.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a stored severity string back to its tier.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

// RiskTier classifies a composite score.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

// Severity maps a risk tier onto the shared severity scale.
func (t RiskTier) Severity() Severity {
	switch t {
	case RiskCritical:
		return SeverityCritical
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DetectorType identifies one member of the closed detector set.
type DetectorType string

const (
	DetectorBehavioral DetectorType = "behavioral"
	DetectorTemporal   DetectorType = "temporal"
	DetectorLocation   DetectorType = "location"
	DetectorDevice     DetectorType = "device"
)

// Finding is the output of one detector for one evaluation. Findings are
// ephemeral: the orchestrator consumes them immediately and embeds them in the
// composite event for audit.
type Finding struct {
	Detector  DetectorType           `json:"detector"`
	Score     float64                `json:"score"` // clamped to [0,1]
	Fired     bool                   `json:"fired"`
	Severity  Severity               `json:"severity"`
	Evidence  map[string]interface{} `json:"evidence,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Clamp bounds the finding score to [0,1].
func (f *Finding) Clamp() {
	if f.Score < 0 {
		f.Score = 0
	}
	if f.Score > 1 {
		f.Score = 1
	}
}

// Event is a scored composite anomaly, immutable after creation. It is read
// by the correlation engine and by reporting.
type Event struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	SiteID    uuid.UUID `json:"site_id"`

	CompositeScore float64  `json:"composite_score"` // weighted sum, clamped to [0,1]
	RiskTier       RiskTier `json:"risk_tier"`
	ShouldBlock    bool     `json:"should_block"`

	Findings           []Finding `json:"findings"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`

	// Partial mirrors the snapshot's degraded-evidence flag so downstream
	// consumers can see reduced confidence rather than hidden false negatives.
	Partial bool `json:"partial"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ScoredAt    time.Time `json:"scored_at"`
}

// FiredTypes returns the detector types that fired, in detector order.
func (e *Event) FiredTypes() []DetectorType {
	var types []DetectorType
	for _, f := range e.Findings {
		if f.Fired {
			types = append(types, f.Detector)
		}
	}
	return types
}

// MaxFindingSeverity returns the highest severity among fired findings.
func (e *Event) MaxFindingSeverity() Severity {
	max := SeverityLow
	for _, f := range e.Findings {
		if f.Fired && f.Severity > max {
			max = f.Severity
		}
	}
	return max
}
