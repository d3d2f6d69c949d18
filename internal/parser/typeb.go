package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skytrace/backend/internal/model"
)

// TypeBParser reads SITA Type B baggage telegrams (BTM/BSM/BPM). A telegram
// carries optional FM/TO station headers, one route line, and one bag line
// per piece:
//
//	BSM
//	FM CMPTY
//	TO CMMIA
//	CM0456/15JAN PTY MIA
//	.SMITH/JOHN 0220123456 1/23.5 MIA
//	.DOE/JANE 0220654321 2/40 MIA
//	ENDBSM
//
// Every bag line yields one canonical manifest_load event; all events from
// one telegram share a correlation id. Bag tags must be 10 decimal digits;
// airline-prefixed alphabetic tags are rejected, not normalized.
type TypeBParser struct{}

var (
	typeBKinds = map[string]bool{"BTM": true, "BSM": true, "BPM": true}

	routeLineRe = regexp.MustCompile(`^([A-Z]{2}[0-9]{1,4})/([0-9]{2})([A-Z]{3})\s+([A-Z]{3})\s+([A-Z]{3})$`)
	bagLineRe   = regexp.MustCompile(`^\.(\S+)\s+([0-9]{10})\s+([0-9]+)/([0-9]+(?:\.[0-9]+)?)\s+([A-Z]{3})$`)
	badTagRe    = regexp.MustCompile(`^\.(\S+)\s+(\S+)\s`)
)

var monthAbbrev = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

func (TypeBParser) Format() Format { return FormatTypeB }

func (TypeBParser) CanParse(raw []byte) bool {
	first := firstLine(raw)
	return typeBKinds[strings.TrimSpace(first)]
}

func firstLine(raw []byte) string {
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func (TypeBParser) Parse(raw []byte, ingestAt time.Time) (*Result, error) {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")

	kind := ""
	flightNumber := ""
	origin, dest := "", ""
	var flightDate time.Time
	var events []*model.CanonicalEvent
	correlationID := uuid.New().String()

	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case kind == "":
			if !typeBKinds[line] {
				return nil, failf(FormatTypeB, ReasonUnknownFormat, "telegram must start with BTM, BSM or BPM, got %q", line)
			}
			kind = line
		case strings.HasPrefix(line, "END"):
			// Trailer; optional and ends the telegram.
		case strings.HasPrefix(line, "FM ") || strings.HasPrefix(line, "TO "):
			if len(strings.Fields(line)) != 2 {
				return nil, failf(FormatTypeB, ReasonMalformed, "header line %q", line)
			}
		case strings.HasPrefix(line, "."):
			if flightNumber == "" {
				return nil, fail(FormatTypeB, ReasonMissingField, "route line must precede bag lines")
			}
			m := bagLineRe.FindStringSubmatch(line)
			if m == nil {
				if bt := badTagRe.FindStringSubmatch(line); bt != nil && !model.ValidBagTag(bt[2]) {
					return nil, failf(FormatTypeB, ReasonMalformed, "bag tag %q is not 10 decimal digits", bt[2])
				}
				return nil, failf(FormatTypeB, ReasonMalformed, "bag line %q", line)
			}
			pieces, _ := strconv.Atoi(m[3])
			weight, _ := strconv.ParseFloat(m[4], 64)
			events = append(events, &model.CanonicalEvent{
				EventID:       uuid.New().String(),
				Timestamp:     flightDate,
				BagTag:        m[2],
				Location:      origin,
				EventType:     model.EventManifestLoad,
				SourceSystem:  "typeb:" + kind,
				CorrelationID: correlationID,
				Payload: &model.ManifestPayload{
					FlightNumber: flightNumber,
					Origin:       origin,
					Destination:  m[5],
					Pieces:       pieces,
					WeightKG:     weight,
					PassengerRef: m[1],
				},
			})
		default:
			m := routeLineRe.FindStringSubmatch(line)
			if m == nil {
				return nil, failf(FormatTypeB, ReasonMalformed, "route line %q, expected FLIGHT/DDMMM ORIG DEST", line)
			}
			if flightNumber != "" {
				return nil, fail(FormatTypeB, ReasonMalformed, "multiple route lines")
			}
			day, _ := strconv.Atoi(m[2])
			month, ok := monthAbbrev[m[3]]
			if !ok {
				return nil, failf(FormatTypeB, ReasonMalformed, "month %q", m[3])
			}
			flightNumber = m[1]
			origin, dest = m[4], m[5]
			// Telegrams carry no year and no time of day; the flight date is
			// anchored to the ingest year at midnight UTC.
			flightDate = time.Date(ingestAt.UTC().Year(), month, day, 0, 0, 0, 0, time.UTC)
		}
	}

	if kind == "" {
		return nil, fail(FormatTypeB, ReasonUnknownFormat, "empty telegram")
	}
	if flightNumber == "" {
		return nil, fail(FormatTypeB, ReasonMissingField, "route line")
	}
	if len(events) == 0 {
		return nil, fail(FormatTypeB, ReasonMissingField, "at least one bag line")
	}
	_ = dest

	return &Result{Events: events, Confidence: 0.85}, nil
}

// Kind extracts the telegram variant (BTM/BSM/BPM) without a full parse.
func (TypeBParser) Kind(raw []byte) string {
	first := strings.TrimSpace(firstLine(raw))
	if typeBKinds[first] {
		return first
	}
	return ""
}

// Serialize renders manifest events back into one telegram. All events must
// share a flight; the variant defaults to BSM when the events carry no
// typeb source marker.
func (TypeBParser) Serialize(events []*model.CanonicalEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, fail(FormatTypeB, ReasonMissingField, "no events")
	}
	first, ok := events[0].Payload.(*model.ManifestPayload)
	if !ok || first == nil {
		return nil, fail(FormatTypeB, ReasonMalformed, "events must carry manifest payloads")
	}

	kind := "BSM"
	if rest, found := strings.CutPrefix(events[0].SourceSystem, "typeb:"); found && typeBKinds[rest] {
		kind = rest
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", kind)
	date := events[0].Timestamp.UTC()
	fmt.Fprintf(&b, "%s/%02d%s %s %s\n", first.FlightNumber, date.Day(),
		strings.ToUpper(date.Month().String()[:3]), first.Origin, first.Destination)

	for _, ev := range events {
		p, ok := ev.Payload.(*model.ManifestPayload)
		if !ok || p == nil {
			return nil, fail(FormatTypeB, ReasonMalformed, "events must carry manifest payloads")
		}
		if p.FlightNumber != first.FlightNumber {
			return nil, failf(FormatTypeB, ReasonMalformed, "mixed flights %s and %s", first.FlightNumber, p.FlightNumber)
		}
		fmt.Fprintf(&b, ".%s %s %d/%s %s\n", p.PassengerRef, ev.BagTag, p.Pieces,
			strconv.FormatFloat(p.WeightKG, 'f', -1, 64), p.Destination)
	}
	fmt.Fprintf(&b, "END%s\n", kind)
	return []byte(b.String()), nil
}
