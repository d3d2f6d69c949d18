package model

import "time"

// RiskLevel is the banded form of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment is one append-only evaluation of a bag. The latest
// assessment for a bag defines Bag.RiskScore.
type RiskAssessment struct {
	BagTag           string    `json:"bag_tag"`
	AssessedAt       time.Time `json:"assessed_at"`
	Score            float64   `json:"risk_score"`
	Level            RiskLevel `json:"risk_level"`
	Factors          []string  `json:"factors"`
	Confidence       float64   `json:"confidence"`
	AlgorithmVersion string    `json:"algorithm_version"`
	EventID          string    `json:"event_id,omitempty"`
}
