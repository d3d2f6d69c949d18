package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skytrace/backend/internal/model"
)

// ScanLineParser reads the whitespace-delimited format emitted by legacy
// RFID readers: `bag_tag location timestamp?`. A missing timestamp defaults
// to the ingest time at reduced confidence.
type ScanLineParser struct{}

func (ScanLineParser) Format() Format { return FormatScanLine }

func (ScanLineParser) CanParse(raw []byte) bool {
	fields := strings.Fields(string(raw))
	if len(fields) < 2 || len(fields) > 3 {
		return false
	}
	return model.ValidBagTag(fields[0])
}

func (ScanLineParser) Parse(raw []byte, ingestAt time.Time) (*Result, error) {
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return nil, fail(FormatScanLine, ReasonMissingField, "expected `bag_tag location timestamp?`")
	}
	if len(fields) > 3 {
		return nil, failf(FormatScanLine, ReasonMalformed, "%d fields, expected 2 or 3", len(fields))
	}

	tag := fields[0]
	if !model.ValidBagTag(tag) {
		return nil, failf(FormatScanLine, ReasonMalformed, "bag_tag %q is not 10 decimal digits", tag)
	}

	ts := ingestAt
	confidence := 0.7
	if len(fields) == 3 {
		parsed, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			return nil, failf(FormatScanLine, ReasonMalformed, "timestamp %q: %v", fields[2], err)
		}
		ts = parsed.UTC()
		confidence = 0.9
	}

	ev := &model.CanonicalEvent{
		EventID:      uuid.New().String(),
		Timestamp:    ts,
		BagTag:       tag,
		Location:     fields[1],
		EventType:    model.EventManual,
		SourceSystem: "scanline",
	}
	return &Result{Events: []*model.CanonicalEvent{ev}, Confidence: confidence}, nil
}

// Serialize renders an event back to the scan-line form. Only the fields
// the format carries survive the trip.
func (ScanLineParser) Serialize(ev *model.CanonicalEvent) ([]byte, error) {
	if !model.ValidBagTag(ev.BagTag) {
		return nil, failf(FormatScanLine, ReasonMalformed, "bag_tag %q is not 10 decimal digits", ev.BagTag)
	}
	if strings.ContainsAny(ev.Location, " \t\n") {
		return nil, fail(FormatScanLine, ReasonMalformed, "location may not contain whitespace")
	}
	return []byte(fmt.Sprintf("%s %s %s", ev.BagTag, ev.Location, ev.Timestamp.UTC().Format(time.RFC3339))), nil
}
