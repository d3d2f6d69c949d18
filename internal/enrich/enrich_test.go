package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytrace/backend/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func transferEvent(connection *int) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		EventID:   "ev-1",
		Timestamp: t0,
		BagTag:    "0125123456",
		Location:  "LHR-TRANSFER-GATE",
		EventType: model.EventTransfer,
		Payload:   &model.TransferPayload{ToFlight: "BA117", ConnectionMinutes: connection},
	}
}

func TestEnrich_DerivesConnectionMinutesFromDeparture(t *testing.T) {
	cache := NewCache(time.Hour)
	cache.PutFlight(FlightContext{
		FlightNumber: "BA117",
		DepartureAt:  t0.Add(25 * time.Minute),
	})
	cache.PutPassenger("0125123456", PassengerContext{PNR: "XK9PT2"})
	e := NewEnricher(cache)

	ev := transferEvent(nil)
	out := e.Enrich(ev)

	require.NotNil(t, out.Flight)
	require.NotNil(t, out.Passenger)
	tp := ev.Payload.(*model.TransferPayload)
	require.NotNil(t, tp.ConnectionMinutes)
	assert.Equal(t, 25, *tp.ConnectionMinutes)
	assert.Empty(t, ev.Annotations)
}

func TestEnrich_ProducerSuppliedConnectionWins(t *testing.T) {
	cache := NewCache(time.Hour)
	cache.PutFlight(FlightContext{FlightNumber: "BA117", DepartureAt: t0.Add(90 * time.Minute)})
	e := NewEnricher(cache)

	supplied := 20
	ev := transferEvent(&supplied)
	e.Enrich(ev)

	tp := ev.Payload.(*model.TransferPayload)
	assert.Equal(t, 20, *tp.ConnectionMinutes)
}

func TestEnrich_MissingContextAnnotatesPartial(t *testing.T) {
	e := NewEnricher(NewCache(time.Hour))

	ev := transferEvent(nil)
	out := e.Enrich(ev)

	assert.Nil(t, out.Flight)
	assert.Nil(t, out.Passenger)
	assert.Equal(t, []string{AnnotationPartial}, ev.Annotations)

	// Re-enriching does not duplicate the annotation.
	e.Enrich(ev)
	assert.Equal(t, []string{AnnotationPartial}, ev.Annotations)
}

func TestEnrich_ManifestTeachesTheCache(t *testing.T) {
	e := NewEnricher(NewCache(time.Hour))

	manifest := &model.CanonicalEvent{
		EventID:   "ev-m",
		Timestamp: t0,
		BagTag:    "0125123456",
		Location:  "PTY",
		EventType: model.EventManifestLoad,
		Payload: &model.ManifestPayload{
			FlightNumber: "CM0456",
			Origin:       "PTY",
			Destination:  "MIA",
			PassengerRef: "SMITH/JOHN",
		},
	}
	e.Enrich(manifest)

	fc, ok := e.Cache().Flight("CM0456")
	require.True(t, ok)
	assert.Equal(t, "MIA", fc.Destination)

	pc, ok := e.Cache().Passenger("0125123456")
	require.True(t, ok)
	assert.Equal(t, "SMITH/JOHN", pc.Name)
}

func TestCache_EntriesExpire(t *testing.T) {
	cache := NewCache(10 * time.Minute)
	now := t0
	cache.now = func() time.Time { return now }

	cache.PutFlight(FlightContext{FlightNumber: "BA117"})
	_, ok := cache.Flight("BA117")
	require.True(t, ok)

	now = t0.Add(11 * time.Minute)
	_, ok = cache.Flight("BA117")
	assert.False(t, ok)
}
