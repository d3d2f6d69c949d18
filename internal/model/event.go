// Package model defines the canonical entities of the baggage platform:
// the event union produced by the parsers, the Bag record with its status
// state machine, and the downstream artifacts (risk assessments, exception
// cases, PIRs, courier dispatches, notifications).
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a canonical event. The set is closed: constructing an
// event with an unknown type fails validation before it reaches the bus.
type EventType string

const (
	EventCheckIn         EventType = "check_in"
	EventSortation       EventType = "sortation"
	EventLoad            EventType = "load"
	EventArrival         EventType = "arrival"
	EventTransfer        EventType = "transfer"
	EventClaim           EventType = "claim"
	EventManual          EventType = "manual"
	EventAnomaly         EventType = "anomaly"
	EventOffload         EventType = "offload"
	EventManifestLoad    EventType = "manifest_load"
	EventApprovalGranted EventType = "approval_granted"
	EventApprovalDenied  EventType = "approval_denied"
)

var knownEventTypes = map[EventType]bool{
	EventCheckIn: true, EventSortation: true, EventLoad: true,
	EventArrival: true, EventTransfer: true, EventClaim: true,
	EventManual: true, EventAnomaly: true, EventOffload: true,
	EventManifestLoad: true, EventApprovalGranted: true, EventApprovalDenied: true,
}

// Known reports whether t is a member of the closed event type set.
func (t EventType) Known() bool { return knownEventTypes[t] }

// AnomalySeverity grades anomaly events. Severity at or above High drives
// the mishandled transition.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// AtLeastHigh reports whether the severity meets the mishandled threshold.
func (s AnomalySeverity) AtLeastHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// EventPayload is the type-specific portion of a canonical event. Each
// variant corresponds to one family of event types; exhaustive switches over
// the variants keep new kinds from slipping through silently.
type EventPayload interface {
	isEventPayload()
}

// ScanPayload accompanies plain scanner reads (check_in, sortation,
// arrival, claim, manual).
type ScanPayload struct {
	DeviceID string `json:"device_id,omitempty"`
	Carousel string `json:"carousel,omitempty"`
}

// LoadPayload accompanies load and offload events.
type LoadPayload struct {
	FlightNumber string `json:"flight_number"`
	Hold         string `json:"hold,omitempty"`
	ContainerID  string `json:"container_id,omitempty"`
}

// TransferPayload accompanies transfer events and carries the connection
// context the risk function consumes.
type TransferPayload struct {
	FromFlight        string `json:"from_flight,omitempty"`
	ToFlight          string `json:"to_flight"`
	ConnectionMinutes *int   `json:"connection_minutes,omitempty"`
}

// ClaimPayload accompanies claim events.
type ClaimPayload struct {
	Carousel string `json:"carousel,omitempty"`
	Claimant string `json:"claimant,omitempty"`
}

// AnomalyPayload accompanies anomaly events.
type AnomalyPayload struct {
	Severity    AnomalySeverity `json:"severity"`
	Description string          `json:"description,omitempty"`
}

// ManifestPayload accompanies manifest_load events produced by the
// BaggageXML and Type B parsers.
type ManifestPayload struct {
	FlightNumber string  `json:"flight_number"`
	Origin       string  `json:"origin,omitempty"`
	Destination  string  `json:"destination,omitempty"`
	Pieces       int     `json:"pieces,omitempty"`
	WeightKG     float64 `json:"weight_kg,omitempty"`
	PassengerRef string  `json:"passenger_ref,omitempty"`
}

// ApprovalPayload accompanies approval_granted / approval_denied events
// that resume a suspended courier workflow.
type ApprovalPayload struct {
	DispatchID string `json:"dispatch_id"`
	Approver   string `json:"approver"`
	Reason     string `json:"reason,omitempty"`
}

func (ScanPayload) isEventPayload()     {}
func (LoadPayload) isEventPayload()     {}
func (TransferPayload) isEventPayload() {}
func (ClaimPayload) isEventPayload()    {}
func (AnomalyPayload) isEventPayload()  {}
func (ManifestPayload) isEventPayload() {}
func (ApprovalPayload) isEventPayload() {}

// CanonicalEvent is the single event shape every parser produces and every
// pipeline stage consumes. Producers never set Annotations; the processor
// appends them during enrichment.
type CanonicalEvent struct {
	EventID        string       `json:"event_id"`
	Timestamp      time.Time    `json:"timestamp"`
	BagTag         string       `json:"bag_tag"`
	Location       string       `json:"location"`
	EventType      EventType    `json:"event_type"`
	Payload        EventPayload `json:"-"`
	SourceSystem   string       `json:"source_system,omitempty"`
	SignalStrength *int         `json:"signal_strength,omitempty"`
	Handler        string       `json:"handler,omitempty"`
	CorrelationID  string       `json:"correlation_id,omitempty"`
	Annotations    []string     `json:"annotations,omitempty"`
}

// canonicalEventWire mirrors CanonicalEvent with the payload as raw JSON so
// the union survives a round trip keyed on event_type.
type canonicalEventWire struct {
	EventID        string          `json:"event_id"`
	Timestamp      time.Time       `json:"timestamp"`
	BagTag         string          `json:"bag_tag"`
	Location       string          `json:"location"`
	EventType      EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SourceSystem   string          `json:"source_system,omitempty"`
	SignalStrength *int            `json:"signal_strength,omitempty"`
	Handler        string          `json:"handler,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Annotations    []string        `json:"annotations,omitempty"`
}

// MarshalJSON encodes the payload variant under the "payload" key.
func (e CanonicalEvent) MarshalJSON() ([]byte, error) {
	wire := canonicalEventWire{
		EventID:        e.EventID,
		Timestamp:      e.Timestamp,
		BagTag:         e.BagTag,
		Location:       e.Location,
		EventType:      e.EventType,
		SourceSystem:   e.SourceSystem,
		SignalStrength: e.SignalStrength,
		Handler:        e.Handler,
		CorrelationID:  e.CorrelationID,
		Annotations:    e.Annotations,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("model: marshal %s payload: %w", e.EventType, err)
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the payload into the variant selected by event_type.
func (e *CanonicalEvent) UnmarshalJSON(data []byte) error {
	var wire canonicalEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.EventID = wire.EventID
	e.Timestamp = wire.Timestamp
	e.BagTag = wire.BagTag
	e.Location = wire.Location
	e.EventType = wire.EventType
	e.SourceSystem = wire.SourceSystem
	e.SignalStrength = wire.SignalStrength
	e.Handler = wire.Handler
	e.CorrelationID = wire.CorrelationID
	e.Annotations = wire.Annotations
	e.Payload = nil

	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}
	payload, err := decodePayload(wire.EventType, wire.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	unmarshal := func(v EventPayload) (EventPayload, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("model: decode %s payload: %w", t, err)
		}
		return v, nil
	}
	switch t {
	case EventCheckIn, EventSortation, EventArrival, EventManual:
		return unmarshal(&ScanPayload{})
	case EventLoad, EventOffload:
		return unmarshal(&LoadPayload{})
	case EventTransfer:
		return unmarshal(&TransferPayload{})
	case EventClaim:
		return unmarshal(&ClaimPayload{})
	case EventAnomaly:
		return unmarshal(&AnomalyPayload{})
	case EventManifestLoad:
		return unmarshal(&ManifestPayload{})
	case EventApprovalGranted, EventApprovalDenied:
		return unmarshal(&ApprovalPayload{})
	default:
		return nil, fmt.Errorf("model: unknown event type %q", t)
	}
}

// ValidBagTag reports whether tag is exactly 10 decimal digits, the IATA
// licence plate format accepted at every boundary.
func ValidBagTag(tag string) bool {
	if len(tag) != 10 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] < '0' || tag[i] > '9' {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants every event must satisfy before
// it is admitted to the bus.
func (e *CanonicalEvent) Validate() error {
	if e.EventID == "" {
		return fieldError("event_id", "required")
	}
	if !ValidBagTag(e.BagTag) {
		return fieldError("bag_tag", "must be exactly 10 decimal digits")
	}
	if e.Location == "" {
		return fieldError("location", "required")
	}
	if !e.EventType.Known() {
		return fieldError("event_type", fmt.Sprintf("unknown type %q", e.EventType))
	}
	if e.Timestamp.IsZero() {
		return fieldError("timestamp", "required")
	}
	if e.SignalStrength != nil && (*e.SignalStrength < 0 || *e.SignalStrength > 100) {
		return fieldError("signal_strength", "must be within 0-100")
	}
	if e.EventType == EventAnomaly {
		p, ok := e.Payload.(*AnomalyPayload)
		if !ok || p == nil {
			return fieldError("payload", "anomaly events require a severity payload")
		}
	}
	return nil
}

// FieldViolation is a schema violation pinned to one field. The ingest
// layer maps it to a 422 with field-level detail.
type FieldViolation struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (v *FieldViolation) Error() string {
	return fmt.Sprintf("field %s: %s", v.Field, v.Detail)
}

func fieldError(field, detail string) error {
	return &FieldViolation{Field: field, Detail: detail}
}

// ConnectionMinutes extracts the connection context if the event carries
// one (transfer events only).
func (e *CanonicalEvent) ConnectionMinutes() *int {
	if p, ok := e.Payload.(*TransferPayload); ok && p != nil {
		return p.ConnectionMinutes
	}
	return nil
}
