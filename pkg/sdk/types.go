package sdk

import (
	"encoding/json"
	"fmt"
	"time"
)

// ScanEvent is a baggage event to submit. BagTag, Location, Timestamp and
// EventType are required; Payload carries the per-type fields (flight_number,
// severity, connection_minutes and so on).
type ScanEvent struct {
	EventID        string          `json:"event_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	BagTag         string          `json:"bag_tag"`
	Location       string          `json:"location"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceSystem   string          `json:"source_system,omitempty"`
	SignalStrength *int            `json:"signal_strength,omitempty"`
	Handler        string          `json:"handler,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// IngestResult covers both response shapes of the ingest endpoints: a single
// accepted event fills Status and EventID, a multi-event input (batch,
// telegram, manifest) fills the counters.
type IngestResult struct {
	Status    string    `json:"status,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	Total          int              `json:"total,omitempty"`
	Ingested       int              `json:"ingested,omitempty"`
	Duplicates     int              `json:"duplicates,omitempty"`
	PerEventErrors []PerEventError  `json:"per_event_errors,omitempty"`
	Outcomes       []OutcomeSummary `json:"outcomes,omitempty"`
}

// Duplicate reports whether a single-event submission was deduplicated.
func (r *IngestResult) Duplicate() bool { return r.Status == "duplicate" }

type PerEventError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type OutcomeSummary struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Bag is the authoritative record.
type Bag struct {
	BagTag          string    `json:"bag_tag"`
	Routing         []string  `json:"routing,omitempty"`
	Status          string    `json:"status"`
	CurrentLocation string    `json:"current_location"`
	RiskScore       float64   `json:"risk_score"`
	PassengerRef    string    `json:"passenger_ref,omitempty"`
	PNR             string    `json:"pnr,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

// Event is one entry in a bag's timeline, payload left raw.
type Event struct {
	EventID      string          `json:"event_id"`
	Timestamp    time.Time       `json:"timestamp"`
	BagTag       string          `json:"bag_tag"`
	Location     string          `json:"location"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SourceSystem string          `json:"source_system,omitempty"`
	Annotations  []string        `json:"annotations,omitempty"`
}

type RiskAssessment struct {
	BagTag           string    `json:"bag_tag"`
	AssessedAt       time.Time `json:"assessed_at"`
	Score            float64   `json:"risk_score"`
	Level            string    `json:"risk_level"`
	Factors          []string  `json:"factors"`
	Confidence       float64   `json:"confidence"`
	AlgorithmVersion string    `json:"algorithm_version"`
	EventID          string    `json:"event_id,omitempty"`
}

// BagDetail is the full answer of GetBag.
type BagDetail struct {
	Bag    *Bag            `json:"bag"`
	Risk   *RiskAssessment `json:"risk,omitempty"`
	Events []Event         `json:"events"`
}

type BagQuery struct {
	Status   string
	Location string
	RiskMin  *float64
	RiskMax  *float64
	Limit    int
	Offset   int
}

// BagSnapshot is the graph projection of a bag.
type BagSnapshot struct {
	BagTag          string    `json:"bag_tag"`
	Status          string    `json:"status"`
	CurrentLocation string    `json:"current_location"`
	RiskScore       float64   `json:"risk_score"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

type JourneyStep struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

type Journey struct {
	Bag   *BagSnapshot  `json:"bag"`
	Steps []JourneyStep `json:"journey"`
}

type LocationFix struct {
	BagTag   string    `json:"bag_tag"`
	Location string    `json:"location"`
	SeenAt   time.Time `json:"seen_at"`
}

type Bottleneck struct {
	Location           string  `json:"location"`
	BagCount           int64   `json:"bag_count"`
	MedianDwellSeconds float64 `json:"median_dwell_seconds"`
}

type Dispatch struct {
	DispatchID         string    `json:"dispatch_id"`
	BagTag             string    `json:"bag_tag"`
	DestinationAddress string    `json:"destination_address"`
	CostEstimate       float64   `json:"cost_estimate"`
	CompensationRisk   float64   `json:"compensation_risk"`
	Status             string    `json:"status"`
	RequiresApproval   bool      `json:"requires_approval"`
	ApprovedBy         string    `json:"approved_by,omitempty"`
	BookingRef         string    `json:"booking_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type PendingApproval struct {
	Dispatch    Dispatch  `json:"dispatch"`
	CostValue   float64   `json:"cost_value"`
	RequestedAt time.Time `json:"requested_at"`
}

// DecisionResult is the acknowledgement of a dispatch decision. The workflow
// resumes asynchronously, so Status is "queued" rather than the final state.
type DecisionResult struct {
	Status     string `json:"status"`
	EventID    string `json:"event_id"`
	DispatchID string `json:"dispatch_id"`
}

type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// APIError is a non-2xx answer from the service, decoded from its error body.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Field      string `json:"field,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// RetryAfter is set on 429 answers that carried a Retry-After header.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("skytrace: %s (%d): %s", e.Code, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("skytrace: %s (%d)", e.Code, e.StatusCode)
}

// Retriable reports whether the request may be retried after a backoff.
func (e *APIError) Retriable() bool {
	return e.StatusCode == 429 || e.StatusCode == 503
}
