package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytrace/backend/internal/model"
)

var ingestAt = time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)

func reasonOf(t *testing.T, err error) FailureReason {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "expected a structured Failure, got %v", err)
	return f.Reason
}

func TestJSONParser_CanonicalFields(t *testing.T) {
	raw := []byte(`{"bag_id":"0220123456","location":"PTY_CHECKIN_12","scan_type":"check_in","timestamp":"2025-01-01T00:00:00Z","signal_strength":85}`)
	res, err := JSONParser{}.Parse(raw, ingestAt)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "0220123456", ev.BagTag)
	assert.Equal(t, "PTY_CHECKIN_12", ev.Location)
	assert.Equal(t, model.EventCheckIn, ev.EventType)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ev.Timestamp)
	require.NotNil(t, ev.SignalStrength)
	assert.Equal(t, 85, *ev.SignalStrength)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestJSONParser_RejectsBadBagTags(t *testing.T) {
	for _, tag := range []string{"123456789", "12345678901", "CM20123456"} {
		_, err := JSONParser{}.Parse([]byte(`{"bag_tag":"`+tag+`","location":"X","scan_type":"check_in"}`), ingestAt)
		assert.Equal(t, ReasonMalformed, reasonOf(t, err), "tag %q", tag)
	}
	_, err := JSONParser{}.Parse([]byte(`{"location":"X","scan_type":"check_in"}`), ingestAt)
	assert.Equal(t, ReasonMissingField, reasonOf(t, err))
}

func TestJSONParser_RoundTrip(t *testing.T) {
	raw := []byte(`{"bag_tag":"0220123456","location":"PTY_GATE_A12","event_type":"load","timestamp":"2025-01-01T10:00:00Z","payload":{"flight_number":"CM0456","hold":"FWD"},"handler":"h-9"}`)
	p := JSONParser{}
	first, err := p.Parse(raw, ingestAt)
	require.NoError(t, err)

	out, err := p.Serialize(first.Events[0])
	require.NoError(t, err)
	second, err := p.Parse(out, ingestAt)
	require.NoError(t, err)
	assert.Equal(t, first.Events[0], second.Events[0])
}

func TestScanLine_DefaultsTimestampToIngestTime(t *testing.T) {
	res, err := ScanLineParser{}.Parse([]byte("0220123456 PTY_SORT_03"), ingestAt)
	require.NoError(t, err)
	ev := res.Events[0]
	assert.Equal(t, ingestAt, ev.Timestamp)
	assert.Equal(t, model.EventManual, ev.EventType)
	assert.Equal(t, 0.7, res.Confidence, "defaulted timestamp lowers confidence")

	res, err = ScanLineParser{}.Parse([]byte("0220123456 PTY_SORT_03 2025-01-01T08:00:00Z"), ingestAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), res.Events[0].Timestamp)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestScanLine_RoundTrip(t *testing.T) {
	p := ScanLineParser{}
	first, err := p.Parse([]byte("0220123456 PTY_SORT_03 2025-01-01T08:00:00Z"), ingestAt)
	require.NoError(t, err)
	out, err := p.Serialize(first.Events[0])
	require.NoError(t, err)
	second, err := p.Parse(out, ingestAt)
	require.NoError(t, err)

	// Event ids are minted per parse; everything the format carries matches.
	second.Events[0].EventID = first.Events[0].EventID
	assert.Equal(t, first.Events[0], second.Events[0])
}

const sampleBSM = `BSM
FM CMPTY
TO CMMIA
CM0456/15JAN PTY MIA
.SMITH/JOHN 0220123456 1/23.5 MIA
.DOE/JANE 0220654321 2/40 MIA
ENDBSM
`

func TestTypeB_MultiBagSharesCorrelationID(t *testing.T) {
	res, err := TypeBParser{}.Parse([]byte(sampleBSM), ingestAt)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	first, second := res.Events[0], res.Events[1]
	assert.NotEmpty(t, first.CorrelationID)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, model.EventManifestLoad, first.EventType)
	assert.Equal(t, "0220123456", first.BagTag)
	assert.Equal(t, "PTY", first.Location)
	assert.Equal(t, "typeb:BSM", first.SourceSystem)

	p, ok := first.Payload.(*model.ManifestPayload)
	require.True(t, ok)
	assert.Equal(t, "CM0456", p.FlightNumber)
	assert.Equal(t, "SMITH/JOHN", p.PassengerRef)
	assert.Equal(t, 1, p.Pieces)
	assert.Equal(t, 23.5, p.WeightKG)
	assert.Equal(t, "MIA", p.Destination)
	assert.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), first.Timestamp)
}

func TestTypeB_RejectsAlphabeticBagTags(t *testing.T) {
	telegram := "BTM\nCM0456/15JAN PTY MIA\n.SMITH/JOHN CM20123456 1/23.5 MIA\n"
	_, err := TypeBParser{}.Parse([]byte(telegram), ingestAt)
	assert.Equal(t, ReasonMalformed, reasonOf(t, err))
}

func TestTypeB_MissingRouteLine(t *testing.T) {
	_, err := TypeBParser{}.Parse([]byte("BSM\n.SMITH/JOHN 0220123456 1/23.5 MIA\n"), ingestAt)
	assert.Equal(t, ReasonMissingField, reasonOf(t, err))
}

func TestTypeB_RoundTrip(t *testing.T) {
	p := TypeBParser{}
	first, err := p.Parse([]byte(sampleBSM), ingestAt)
	require.NoError(t, err)

	out, err := p.Serialize(first.Events)
	require.NoError(t, err)
	second, err := p.Parse(out, ingestAt)
	require.NoError(t, err)
	require.Len(t, second.Events, len(first.Events))

	for i := range first.Events {
		second.Events[i].EventID = first.Events[i].EventID
		second.Events[i].CorrelationID = first.Events[i].CorrelationID
		assert.Equal(t, first.Events[i], second.Events[i])
	}
}

const sampleXML = `<?xml version="1.0"?>
<BaggageManifest flight="CM0456" origin="PTY" destination="MIA" date="2025-01-15">
  <Bag tag="0220123456" passenger="SMITH/JOHN" pieces="1" weight="23.5"/>
  <Bag tag="0220654321" passenger="DOE/JANE" pieces="2" weight="40"/>
</BaggageManifest>`

func TestXML_ManifestLoad(t *testing.T) {
	res, err := XMLParser{}.Parse([]byte(sampleXML), ingestAt)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	ev := res.Events[0]
	assert.Equal(t, model.EventManifestLoad, ev.EventType)
	assert.Equal(t, "PTY", ev.Location)
	assert.Equal(t, res.Events[1].CorrelationID, ev.CorrelationID)

	p := ev.Payload.(*model.ManifestPayload)
	assert.Equal(t, "CM0456", p.FlightNumber)
	assert.Equal(t, "MIA", p.Destination)
}

func TestXML_RoundTrip(t *testing.T) {
	p := XMLParser{}
	first, err := p.Parse([]byte(sampleXML), ingestAt)
	require.NoError(t, err)
	out, err := p.Serialize(first.Events)
	require.NoError(t, err)
	second, err := p.Parse(out, ingestAt)
	require.NoError(t, err)

	for i := range first.Events {
		second.Events[i].EventID = first.Events[i].EventID
		second.Events[i].CorrelationID = first.Events[i].CorrelationID
		assert.Equal(t, first.Events[i], second.Events[i])
	}
}

func TestSet_DispatchesByHintAndProbe(t *testing.T) {
	set := NewSet()

	res, err := set.Parse([]byte(sampleBSM), "BSM", ingestAt)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)

	// No hint: probing picks the right parser per format.
	res, err = set.Parse([]byte(`{"bag_tag":"0220123456","location":"X","scan_type":"check_in"}`), "", ingestAt)
	require.NoError(t, err)
	assert.Equal(t, model.EventCheckIn, res.Events[0].EventType)

	res, err = set.Parse([]byte(sampleXML), "", ingestAt)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)

	res, err = set.Parse([]byte("0220123456 PTY_SORT_03"), "", ingestAt)
	require.NoError(t, err)
	assert.Equal(t, model.EventManual, res.Events[0].EventType)

	_, err = set.Parse([]byte("garbage that matches nothing"), "", ingestAt)
	assert.Equal(t, ReasonUnknownFormat, reasonOf(t, err))

	_, err = set.Parse([]byte("{}"), "telepathy", ingestAt)
	assert.Equal(t, ReasonUnknownFormat, reasonOf(t, err))
}
