// Package enrich annotates canonical events with cached flight and
// passenger context before they reach the dual-write coordinator. Missing
// context is never fatal: the event continues with a partial_enrichment
// annotation and the cache learns from the manifest events that flow
// through it.
package enrich

import (
	"sync"
	"time"

	"github.com/skytrace/backend/internal/model"
)

// AnnotationPartial marks an event that could not be fully enriched.
const AnnotationPartial = "partial_enrichment"

// FlightContext is what the cache knows about one flight.
type FlightContext struct {
	FlightNumber string    `json:"flight_number"`
	Origin       string    `json:"origin,omitempty"`
	Destination  string    `json:"destination,omitempty"`
	DepartureAt  time.Time `json:"departure_at,omitempty"`
}

// Contact is one way to reach a passenger.
type Contact struct {
	Channel model.Channel `json:"channel"`
	Address string        `json:"address"`
}

// PassengerContext is what the cache knows about the passenger a bag
// belongs to.
type PassengerContext struct {
	PNR      string    `json:"pnr,omitempty"`
	Name     string    `json:"name,omitempty"`
	Contacts []Contact `json:"contacts,omitempty"`
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Cache is a TTL-bounded in-memory context cache shared by the workers.
type Cache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	flights    map[string]entry[FlightContext]
	passengers map[string]entry[PassengerContext] // keyed by bag tag
	now        func() time.Time
}

// NewCache builds an empty cache. Entries expire after ttl; zero selects
// one hour.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		ttl:        ttl,
		flights:    make(map[string]entry[FlightContext]),
		passengers: make(map[string]entry[PassengerContext]),
		now:        time.Now,
	}
}

// PutFlight stores or refreshes a flight context.
func (c *Cache) PutFlight(fc FlightContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flights[fc.FlightNumber] = entry[FlightContext]{value: fc, expiresAt: c.now().Add(c.ttl)}
}

// PutPassenger stores or refreshes the passenger context for a bag.
func (c *Cache) PutPassenger(bagTag string, pc PassengerContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passengers[bagTag] = entry[PassengerContext]{value: pc, expiresAt: c.now().Add(c.ttl)}
}

// Flight returns the cached context for a flight, if fresh.
func (c *Cache) Flight(flightNumber string) (FlightContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.flights[flightNumber]
	if !ok || c.now().After(e.expiresAt) {
		return FlightContext{}, false
	}
	return e.value, true
}

// Passenger returns the cached context for a bag's passenger, if fresh.
func (c *Cache) Passenger(bagTag string) (PassengerContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.passengers[bagTag]
	if !ok || c.now().After(e.expiresAt) {
		return PassengerContext{}, false
	}
	return e.value, true
}

// Enrichment is the context attached to one event on its way through the
// pipeline.
type Enrichment struct {
	Flight    *FlightContext
	Passenger *PassengerContext
}

// Enricher applies the cache to events.
type Enricher struct {
	cache *Cache
}

// NewEnricher wraps a cache.
func NewEnricher(cache *Cache) *Enricher {
	return &Enricher{cache: cache}
}

// Cache exposes the underlying cache so manifest loaders and tests can
// seed it.
func (e *Enricher) Cache() *Cache { return e.cache }

// Enrich looks up context for ev, appends the partial_enrichment annotation
// when something is missing, and teaches the cache whatever the event
// itself carries. Transfer events with a known onward flight get their
// connection minutes derived from the cached departure time when the
// producer left them blank.
func (e *Enricher) Enrich(ev *model.CanonicalEvent) Enrichment {
	var out Enrichment

	// Manifest events are themselves a context source.
	if p, ok := ev.Payload.(*model.ManifestPayload); ok && p != nil {
		e.cache.PutFlight(FlightContext{
			FlightNumber: p.FlightNumber,
			Origin:       p.Origin,
			Destination:  p.Destination,
		})
		if p.PassengerRef != "" {
			e.cache.PutPassenger(ev.BagTag, PassengerContext{Name: p.PassengerRef})
		}
	}

	if flight := flightOf(ev); flight != "" {
		if fc, ok := e.cache.Flight(flight); ok {
			out.Flight = &fc
		}
	}
	if pc, ok := e.cache.Passenger(ev.BagTag); ok {
		out.Passenger = &pc
	}

	if tp, ok := ev.Payload.(*model.TransferPayload); ok && tp != nil &&
		tp.ConnectionMinutes == nil && out.Flight != nil && !out.Flight.DepartureAt.IsZero() {
		mins := int(out.Flight.DepartureAt.Sub(ev.Timestamp).Minutes())
		tp.ConnectionMinutes = &mins
	}

	if out.Flight == nil || out.Passenger == nil {
		annotate(ev, AnnotationPartial)
	}
	return out
}

func flightOf(ev *model.CanonicalEvent) string {
	switch p := ev.Payload.(type) {
	case *model.LoadPayload:
		return p.FlightNumber
	case *model.TransferPayload:
		return p.ToFlight
	case *model.ManifestPayload:
		return p.FlightNumber
	}
	return ""
}

func annotate(ev *model.CanonicalEvent, a string) {
	for _, existing := range ev.Annotations {
		if existing == a {
			return
		}
	}
	ev.Annotations = append(ev.Annotations, a)
}
