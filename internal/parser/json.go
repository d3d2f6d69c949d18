package parser

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skytrace/backend/internal/model"
)

// jsonScan is the wire shape accepted on the JSON path. Producers use either
// the canonical field names or the scanner-gateway aliases (bag_id,
// scan_type); both map onto the same record.
type jsonScan struct {
	EventID        string          `json:"event_id,omitempty"`
	BagTag         string          `json:"bag_tag,omitempty"`
	BagID          string          `json:"bag_id,omitempty"`
	Location       string          `json:"location"`
	EventType      string          `json:"event_type,omitempty"`
	ScanType       string          `json:"scan_type,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	SourceSystem   string          `json:"source_system,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	HandlerID      string          `json:"handler_id,omitempty"`
	Handler        string          `json:"handler,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	SignalStrength *int            `json:"signal_strength,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// JSONParser deserializes JSON scans directly into canonical fields.
type JSONParser struct{}

func (JSONParser) Format() Format { return FormatJSON }

func (JSONParser) CanParse(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func (p JSONParser) Parse(raw []byte, ingestAt time.Time) (*Result, error) {
	var scan jsonScan
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scan); err != nil {
		// Unknown fields are tolerated on a second, permissive pass; only
		// structurally broken JSON is malformed.
		if jsonErr := json.Unmarshal(raw, &scan); jsonErr != nil {
			return nil, failf(FormatJSON, ReasonMalformed, "invalid JSON: %v", jsonErr)
		}
	}

	tag := scan.BagTag
	if tag == "" {
		tag = scan.BagID
	}
	if tag == "" {
		return nil, fail(FormatJSON, ReasonMissingField, "bag_tag")
	}
	if !model.ValidBagTag(tag) {
		return nil, failf(FormatJSON, ReasonMalformed, "bag_tag %q is not 10 decimal digits", tag)
	}
	if scan.Location == "" {
		return nil, fail(FormatJSON, ReasonMissingField, "location")
	}

	typ := scan.EventType
	if typ == "" {
		typ = scan.ScanType
	}
	if typ == "" {
		return nil, fail(FormatJSON, ReasonMissingField, "event_type")
	}
	eventType := model.EventType(typ)
	if !eventType.Known() {
		return nil, failf(FormatJSON, ReasonMalformed, "unknown event_type %q", typ)
	}

	ts := ingestAt
	if scan.Timestamp != nil {
		ts = scan.Timestamp.UTC()
	}

	ev := &model.CanonicalEvent{
		EventID:        scan.EventID,
		Timestamp:      ts,
		BagTag:         tag,
		Location:       scan.Location,
		EventType:      eventType,
		SourceSystem:   scan.SourceSystem,
		SignalStrength: scan.SignalStrength,
		Handler:        scan.Handler,
		CorrelationID:  scan.CorrelationID,
	}
	if ev.Handler == "" {
		ev.Handler = scan.HandlerID
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}

	if len(scan.Payload) > 0 {
		// Re-use the canonical union decoding so typed payloads survive.
		wire, err := json.Marshal(struct {
			EventType model.EventType `json:"event_type"`
			Payload   json.RawMessage `json:"payload"`
		}{eventType, scan.Payload})
		if err == nil {
			var full model.CanonicalEvent
			if err := json.Unmarshal(wire, &full); err != nil {
				return nil, failf(FormatJSON, ReasonMalformed, "payload: %v", err)
			}
			ev.Payload = full.Payload
		}
	} else if scan.DeviceID != "" {
		ev.Payload = &model.ScanPayload{DeviceID: scan.DeviceID}
	}

	if err := ev.Validate(); err != nil {
		return nil, failf(FormatJSON, ReasonMalformed, "%v", err)
	}
	return &Result{Events: []*model.CanonicalEvent{ev}, Confidence: 1.0}, nil
}

// Serialize renders an event back to the JSON wire form. Parsing the output
// reproduces the event exactly.
func (JSONParser) Serialize(ev *model.CanonicalEvent) ([]byte, error) {
	return json.Marshal(ev)
}
