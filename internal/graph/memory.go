package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// Memory is an in-process stand-in for the Neo4j store. Tests and local
// runs use it; it keeps the same idempotent-merge semantics so coordinator
// retries behave identically against it.
type Memory struct {
	mu         sync.RWMutex
	bags       map[string]*BagSnapshot
	scans      map[string][]JourneyScan // bag_tag -> scans
	scanSeen   map[string]bool          // event_id
	flights    map[string]map[string]bool
	risks      map[string]*model.RiskAssessment // bag_tag -> latest
	cases      map[string]*model.ExceptionCase  // case_id
	pirs       map[string]*model.PIR            // pir_number
	dispatches map[string]*model.CourierDispatch

	failWith error // when set, every mutation fails
}

// NewMemory builds an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		bags:       make(map[string]*BagSnapshot),
		scans:      make(map[string][]JourneyScan),
		scanSeen:   make(map[string]bool),
		flights:    make(map[string]map[string]bool),
		risks:      make(map[string]*model.RiskAssessment),
		cases:      make(map[string]*model.ExceptionCase),
		pirs:       make(map[string]*model.PIR),
		dispatches: make(map[string]*model.CourierDispatch),
	}
}

// FailWith makes every projection return err until cleared with nil. Tests
// use it to drive the coordinator's debt path.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) ProjectBag(_ context.Context, bag *model.Bag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.bags[bag.BagTag] = &BagSnapshot{
		BagTag:          bag.BagTag,
		Status:          bag.Status,
		CurrentLocation: bag.CurrentLocation,
		RiskScore:       bag.RiskScore,
		LastSeenAt:      bag.UpdatedAt.UTC(),
	}
	return nil
}

func (m *Memory) ProjectEvent(ctx context.Context, ev *model.CanonicalEvent, bag *model.Bag) error {
	if err := m.ProjectBag(ctx, bag); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanSeen[ev.EventID] {
		m.scanSeen[ev.EventID] = true
		m.scans[ev.BagTag] = append(m.scans[ev.BagTag], JourneyScan{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			Location:  ev.Location,
			Timestamp: ev.Timestamp.UTC(),
		})
	}
	if flight := flightNumberOf(ev); flight != "" {
		if m.flights[flight] == nil {
			m.flights[flight] = make(map[string]bool)
		}
		m.flights[flight][ev.BagTag] = true
	}
	return nil
}

func (m *Memory) ProjectRisk(_ context.Context, a *model.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	prev := m.risks[a.BagTag]
	if prev == nil || !a.AssessedAt.Before(prev.AssessedAt) {
		cp := *a
		m.risks[a.BagTag] = &cp
		if snap := m.bags[a.BagTag]; snap != nil {
			snap.RiskScore = a.Score
		}
	}
	return nil
}

func (m *Memory) ProjectCase(_ context.Context, c *model.ExceptionCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *c
	m.cases[c.CaseID] = &cp
	return nil
}

func (m *Memory) ProjectPIR(_ context.Context, p *model.PIR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *p
	m.pirs[p.PIRNumber] = &cp
	return nil
}

func (m *Memory) ProjectDispatch(_ context.Context, d *model.CourierDispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *d
	m.dispatches[d.DispatchID] = &cp
	return nil
}

func (m *Memory) GetBagSnapshot(_ context.Context, bagTag string) (*BagSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.bags[bagTag]
	if snap == nil {
		return nil, faults.Wrap(faults.Permanent, fmt.Errorf("bag %s: not projected", bagTag))
	}
	cp := *snap
	return &cp, nil
}

func (m *Memory) GetJourney(ctx context.Context, bagTag string) (*BagSnapshot, []JourneyScan, error) {
	snap, err := m.GetBagSnapshot(ctx, bagTag)
	if err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	scans := append([]JourneyScan(nil), m.scans[bagTag]...)
	m.mu.RUnlock()
	sort.Slice(scans, func(i, j int) bool {
		if scans[i].Timestamp.Equal(scans[j].Timestamp) {
			return scans[i].EventID < scans[j].EventID
		}
		return scans[i].Timestamp.Before(scans[j].Timestamp)
	})
	return snap, scans, nil
}

func (m *Memory) GetCurrentLocation(ctx context.Context, bagTag string) (string, time.Time, error) {
	snap, err := m.GetBagSnapshot(ctx, bagTag)
	if err != nil {
		return "", time.Time{}, err
	}
	return snap.CurrentLocation, snap.LastSeenAt, nil
}

func (m *Memory) GetFlightBags(_ context.Context, flightNumber string) ([]BagSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.flights[flightNumber]))
	for tag := range m.flights[flightNumber] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out := make([]BagSnapshot, 0, len(tags))
	for _, tag := range tags {
		if snap := m.bags[tag]; snap != nil {
			out = append(out, *snap)
		}
	}
	return out, nil
}

func (m *Memory) Bottlenecks(_ context.Context, window time.Duration, minBags int) ([]Bottleneck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-window)

	type dwell struct {
		bags   map[string]bool
		dwells []float64
	}
	perLocation := make(map[string]*dwell)
	for tag, scans := range m.scans {
		first := make(map[string]time.Time)
		last := make(map[string]time.Time)
		for _, sc := range scans {
			if sc.Timestamp.Before(cutoff) {
				continue
			}
			d := perLocation[sc.Location]
			if d == nil {
				d = &dwell{bags: make(map[string]bool)}
				perLocation[sc.Location] = d
			}
			d.bags[tag] = true
			if f, ok := first[sc.Location]; !ok || sc.Timestamp.Before(f) {
				first[sc.Location] = sc.Timestamp
			}
			if l, ok := last[sc.Location]; !ok || sc.Timestamp.After(l) {
				last[sc.Location] = sc.Timestamp
			}
		}
		for loc := range first {
			perLocation[loc].dwells = append(perLocation[loc].dwells,
				last[loc].Sub(first[loc]).Seconds())
		}
	}

	var out []Bottleneck
	for loc, d := range perLocation {
		if len(d.bags) < minBags {
			continue
		}
		sort.Float64s(d.dwells)
		out = append(out, Bottleneck{
			Location:           loc,
			BagCount:           int64(len(d.bags)),
			MedianDwellSeconds: d.dwells[len(d.dwells)/2],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BagCount > out[j].BagCount })
	return out, nil
}
