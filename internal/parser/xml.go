package parser

import (
	"bytes"
	"encoding/xml"
	"time"

	"github.com/google/uuid"

	"github.com/skytrace/backend/internal/model"
)

// baggageManifest is the BaggageXML document produced by departure control
// systems: one flight, many bag entries.
type baggageManifest struct {
	XMLName     xml.Name      `xml:"BaggageManifest"`
	Flight      string        `xml:"flight,attr"`
	Origin      string        `xml:"origin,attr"`
	Destination string        `xml:"destination,attr"`
	Date        string        `xml:"date,attr"` // 2006-01-02
	Bags        []manifestBag `xml:"Bag"`
}

type manifestBag struct {
	Tag       string  `xml:"tag,attr"`
	PNR       string  `xml:"pnr,attr"`
	Passenger string  `xml:"passenger,attr"`
	Pieces    int     `xml:"pieces,attr"`
	WeightKG  float64 `xml:"weight,attr"`
}

// XMLParser reads BaggageXML manifests. Every bag entry yields one
// manifest_load event; all events from one document share a correlation id.
type XMLParser struct{}

func (XMLParser) Format() Format { return FormatXML }

func (XMLParser) CanParse(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<BaggageManifest"))
}

func (XMLParser) Parse(raw []byte, ingestAt time.Time) (*Result, error) {
	var doc baggageManifest
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, failf(FormatXML, ReasonMalformed, "invalid XML: %v", err)
	}
	if doc.Flight == "" {
		return nil, fail(FormatXML, ReasonMissingField, "flight attribute")
	}
	if len(doc.Bags) == 0 {
		return nil, fail(FormatXML, ReasonMissingField, "at least one Bag entry")
	}

	ts := ingestAt.UTC()
	if doc.Date != "" {
		parsed, err := time.Parse("2006-01-02", doc.Date)
		if err != nil {
			return nil, failf(FormatXML, ReasonMalformed, "date %q: %v", doc.Date, err)
		}
		ts = parsed.UTC()
	}

	correlationID := uuid.New().String()
	events := make([]*model.CanonicalEvent, 0, len(doc.Bags))
	for _, bag := range doc.Bags {
		if !model.ValidBagTag(bag.Tag) {
			return nil, failf(FormatXML, ReasonMalformed, "bag tag %q is not 10 decimal digits", bag.Tag)
		}
		events = append(events, &model.CanonicalEvent{
			EventID:       uuid.New().String(),
			Timestamp:     ts,
			BagTag:        bag.Tag,
			Location:      doc.Origin,
			EventType:     model.EventManifestLoad,
			SourceSystem:  "baggage_xml",
			CorrelationID: correlationID,
			Payload: &model.ManifestPayload{
				FlightNumber: doc.Flight,
				Origin:       doc.Origin,
				Destination:  doc.Destination,
				Pieces:       bag.Pieces,
				WeightKG:     bag.WeightKG,
				PassengerRef: bag.Passenger,
			},
		})
	}
	return &Result{Events: events, Confidence: 0.95}, nil
}

// Serialize renders manifest events back into one BaggageXML document.
func (XMLParser) Serialize(events []*model.CanonicalEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, fail(FormatXML, ReasonMissingField, "no events")
	}
	first, ok := events[0].Payload.(*model.ManifestPayload)
	if !ok || first == nil {
		return nil, fail(FormatXML, ReasonMalformed, "events must carry manifest payloads")
	}
	doc := baggageManifest{
		Flight:      first.FlightNumber,
		Origin:      first.Origin,
		Destination: first.Destination,
		Date:        events[0].Timestamp.UTC().Format("2006-01-02"),
	}
	for _, ev := range events {
		p, ok := ev.Payload.(*model.ManifestPayload)
		if !ok || p == nil {
			return nil, fail(FormatXML, ReasonMalformed, "events must carry manifest payloads")
		}
		doc.Bags = append(doc.Bags, manifestBag{
			Tag:       ev.BagTag,
			PNR:       "",
			Passenger: p.PassengerRef,
			Pieces:    p.Pieces,
			WeightKG:  p.WeightKG,
		})
	}
	return xml.MarshalIndent(doc, "", "  ")
}
