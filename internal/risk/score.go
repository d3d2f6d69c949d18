// Package risk implements the deterministic multi-factor scoring function.
// It is pure: same inputs, same assessment, no I/O. Any change to the
// clauses below requires bumping AlgorithmVersion, which is persisted on
// every assessment.
package risk

import (
	"strings"
	"time"

	"github.com/skytrace/backend/internal/model"
)

// AlgorithmVersion is stamped on every RiskAssessment this package
// produces.
const AlgorithmVersion = "v2.1"

// Factor labels, stable strings consumed by dashboards and tests.
const (
	FactorStatusMishandled   = "status_mishandled"
	FactorStatusDelayed      = "status_delayed"
	FactorStatusOffloaded    = "status_offloaded"
	FactorNotSortedNotLoaded = "not_in_sortation_nor_loaded"
	FactorConnectionUnder30  = "connection<30min"
	FactorConnectionUnder45  = "connection<45min"
	FactorConnectionUnder60  = "connection<60min"
)

// Input is everything the scoring function looks at.
type Input struct {
	Status            model.BagStatus
	CurrentLocation   string
	ConnectionMinutes *int // minutes until next segment departure, if known
}

// Score evaluates the bag and returns an append-only assessment stamped
// with now. Confidence is 1.0 when connection context is present, 0.7
// otherwise.
func Score(bagTag string, in Input, now time.Time) model.RiskAssessment {
	var (
		base    float64
		factors []string
	)

	switch in.Status {
	case model.StatusMishandled:
		base += 0.4
		factors = append(factors, FactorStatusMishandled)
	case model.StatusDelayed:
		base += 0.4
		factors = append(factors, FactorStatusDelayed)
	case model.StatusOffloaded:
		base += 0.4
		factors = append(factors, FactorStatusOffloaded)
	}

	if !strings.Contains(strings.ToLower(in.CurrentLocation), "sortation") &&
		in.Status != model.StatusLoaded {
		base += 0.2
		factors = append(factors, FactorNotSortedNotLoaded)
	}

	confidence := 0.7
	if in.ConnectionMinutes != nil {
		confidence = 1.0
		switch m := *in.ConnectionMinutes; {
		case m < 30:
			base += 0.5
			factors = append(factors, FactorConnectionUnder30)
		case m < 45:
			base += 0.3
			factors = append(factors, FactorConnectionUnder45)
		case m < 60:
			base += 0.1
			factors = append(factors, FactorConnectionUnder60)
		}
	}

	score := base
	if score > 1.0 {
		score = 1.0
	}

	return model.RiskAssessment{
		BagTag:           bagTag,
		AssessedAt:       now,
		Score:            score,
		Level:            LevelFor(score),
		Factors:          factors,
		Confidence:       confidence,
		AlgorithmVersion: AlgorithmVersion,
	}
}

// LevelFor bands a score into its level. Intervals are half-open: 0.3 is
// medium, 0.6 is high, 0.8 is critical.
func LevelFor(score float64) model.RiskLevel {
	switch {
	case score < 0.3:
		return model.RiskLow
	case score < 0.6:
		return model.RiskMedium
	case score < 0.8:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}
