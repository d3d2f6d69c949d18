// Package graph is the Neo4j projection of the relational truth: Baggage,
// ScanEvent, Flight, Passenger, Risk, Exception, PIR and CourierDispatch
// nodes connected by SCANNED_AT, ON_FLIGHT, BELONGS_TO, HAS_RISK,
// HAS_EXCEPTION, DOCUMENTS and DISPATCHES relationships. Everything here is
// MERGE-based and idempotent: the dual-write coordinator and the
// reconciler may replay any projection at any time. Traversals are
// read-only; on divergence the relational store wins.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// JourneyScan is one hop of a bag's reconstructed journey.
type JourneyScan struct {
	EventID   string          `json:"event_id"`
	EventType model.EventType `json:"event_type"`
	Location  string          `json:"location"`
	Timestamp time.Time       `json:"timestamp"`
}

// BagSnapshot is the graph's view of one bag.
type BagSnapshot struct {
	BagTag          string          `json:"bag_tag"`
	Status          model.BagStatus `json:"status"`
	CurrentLocation string          `json:"current_location"`
	RiskScore       float64         `json:"risk_score"`
	LastSeenAt      time.Time       `json:"last_seen_at"`
}

// Bottleneck is one congested location in the analytics window.
type Bottleneck struct {
	Location           string  `json:"location"`
	BagCount           int64   `json:"bag_count"`
	MedianDwellSeconds float64 `json:"median_dwell_seconds"`
}

// tsFormat encodes timestamps fixed-width: Cypher compares and sorts them
// as strings, so lexicographic order must equal chronological order.
// RFC3339Nano trims trailing fraction zeros and loses that property.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

func tsString(t time.Time) string { return t.UTC().Format(tsFormat) }

// Store talks to Neo4j through the official driver.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New connects, verifies connectivity, and applies the uniqueness
// constraints. An unreachable graph store at startup is NOT fatal for the
// platform (the coordinator records debt), so callers decide how to treat
// the error.
func New(ctx context.Context, url, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, faults.Wrapf(faults.Fatal, "graph driver: %w", err)
	}
	s := &Store{driver: driver, logger: logger.Named("graph")}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return s, faults.Wrapf(faults.Transient, "graph connectivity: %w", err)
	}
	if err := s.ensureConstraints(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Close shuts the driver down.
func (s *Store) Close(ctx context.Context) error { return s.driver.Close(ctx) }

var constraints = []string{
	`CREATE CONSTRAINT baggage_tag IF NOT EXISTS FOR (b:Baggage) REQUIRE b.bag_tag IS UNIQUE`,
	`CREATE CONSTRAINT scan_event_id IF NOT EXISTS FOR (e:ScanEvent) REQUIRE e.event_id IS UNIQUE`,
	`CREATE CONSTRAINT flight_number IF NOT EXISTS FOR (f:Flight) REQUIRE f.flight_number IS UNIQUE`,
	`CREATE CONSTRAINT passenger_pnr IF NOT EXISTS FOR (p:Passenger) REQUIRE p.pnr IS UNIQUE`,
}

func (s *Store) ensureConstraints(ctx context.Context) error {
	for _, stmt := range constraints {
		if err := s.write(ctx, stmt, nil); err != nil {
			return faults.Wrapf(faults.Transient, "apply constraint: %w", err)
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, cypher string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	if err != nil {
		return faults.Wrapf(faults.Transient, "graph write: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "graph read: %w", err)
	}
	return records.([]*neo4j.Record), nil
}

// ProjectBag merges the Baggage node and its Passenger relationship.
func (s *Store) ProjectBag(ctx context.Context, bag *model.Bag) error {
	if err := s.write(ctx, `
		MERGE (b:Baggage {bag_tag: $bag_tag})
		SET b.status = $status,
		    b.current_location = $location,
		    b.risk_score = $risk_score,
		    b.routing = $routing,
		    b.updated_at = $updated_at,
		    b.version = $version`,
		map[string]any{
			"bag_tag":    bag.BagTag,
			"status":     string(bag.Status),
			"location":   bag.CurrentLocation,
			"risk_score": bag.RiskScore,
			"routing":    bag.Routing,
			"updated_at": tsString(bag.UpdatedAt),
			"version":    bag.Version,
		}); err != nil {
		return err
	}
	if bag.PNR == "" {
		return nil
	}
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (p:Passenger {pnr: $pnr})
		SET p.name = coalesce($name, p.name)
		MERGE (b)-[:BELONGS_TO]->(p)`,
		map[string]any{"bag_tag": bag.BagTag, "pnr": bag.PNR, "name": bag.PassengerRef})
}

// ProjectEvent merges the ScanEvent node, its SCANNED_AT edge, and any
// Flight relationship the payload carries, then refreshes the Baggage
// properties to the committed bag state.
func (s *Store) ProjectEvent(ctx context.Context, ev *model.CanonicalEvent, bag *model.Bag) error {
	if err := s.ProjectBag(ctx, bag); err != nil {
		return err
	}
	if err := s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (e:ScanEvent {event_id: $event_id})
		SET e.event_type = $event_type,
		    e.location = $location,
		    e.ts = $ts,
		    e.source_system = $source
		MERGE (b)-[:SCANNED_AT {ts: $ts}]->(e)`,
		map[string]any{
			"bag_tag":    ev.BagTag,
			"event_id":   ev.EventID,
			"event_type": string(ev.EventType),
			"location":   ev.Location,
			"ts":         tsString(ev.Timestamp),
			"source":     ev.SourceSystem,
		}); err != nil {
		return err
	}

	flight := flightNumberOf(ev)
	if flight == "" {
		return nil
	}
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (f:Flight {flight_number: $flight})
		MERGE (b)-[:ON_FLIGHT]->(f)`,
		map[string]any{"bag_tag": ev.BagTag, "flight": flight})
}

func flightNumberOf(ev *model.CanonicalEvent) string {
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

// ProjectRisk merges the Risk node and refreshes the Baggage risk score.
func (s *Store) ProjectRisk(ctx context.Context, a *model.RiskAssessment) error {
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (r:Risk {bag_tag: $bag_tag, assessed_at: $assessed_at})
		SET r.score = $score, r.level = $level, r.factors = $factors,
		    r.confidence = $confidence, r.algorithm_version = $version
		MERGE (b)-[:HAS_RISK]->(r)
		SET b.risk_score = $score`,
		map[string]any{
			"bag_tag":     a.BagTag,
			"assessed_at": tsString(a.AssessedAt),
			"score":       a.Score,
			"level":       string(a.Level),
			"factors":     a.Factors,
			"confidence":  a.Confidence,
			"version":     a.AlgorithmVersion,
		})
}

// ProjectCase merges the Exception node.
func (s *Store) ProjectCase(ctx context.Context, c *model.ExceptionCase) error {
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (x:Exception {case_id: $case_id})
		SET x.case_type = $case_type, x.priority = $priority, x.status = $status,
		    x.sla_deadline = $sla
		MERGE (b)-[:HAS_EXCEPTION]->(x)`,
		map[string]any{
			"bag_tag":   c.BagTag,
			"case_id":   c.CaseID,
			"case_type": c.CaseType,
			"priority":  string(c.Priority),
			"status":    string(c.Status),
			"sla":       tsString(c.SLADeadline),
		})
}

// ProjectPIR merges the PIR node.
func (s *Store) ProjectPIR(ctx context.Context, p *model.PIR) error {
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (r:PIR {pir_number: $pir_number})
		SET r.type = $type, r.status = $status, r.filed_at = $filed_at
		MERGE (r)-[:DOCUMENTS]->(b)`,
		map[string]any{
			"bag_tag":    p.BagTag,
			"pir_number": p.PIRNumber,
			"type":       string(p.Type),
			"status":     string(p.Status),
			"filed_at":   tsString(p.FiledAt),
		})
}

// ProjectDispatch merges the CourierDispatch node.
func (s *Store) ProjectDispatch(ctx context.Context, d *model.CourierDispatch) error {
	return s.write(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		MERGE (c:CourierDispatch {dispatch_id: $dispatch_id})
		SET c.status = $status, c.cost_estimate = $cost, c.requires_approval = $requires
		MERGE (c)-[:DISPATCHES]->(b)`,
		map[string]any{
			"bag_tag":     d.BagTag,
			"dispatch_id": d.DispatchID,
			"status":      string(d.Status),
			"cost":        d.CostEstimate,
			"requires":    d.RequiresApproval,
		})
}

// GetJourney reconstructs a bag's journey in timestamp order.
func (s *Store) GetJourney(ctx context.Context, bagTag string) (*BagSnapshot, []JourneyScan, error) {
	snapshot, err := s.GetBagSnapshot(ctx, bagTag)
	if err != nil {
		return nil, nil, err
	}
	records, err := s.read(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})-[:SCANNED_AT]->(e:ScanEvent)
		RETURN e.event_id AS event_id, e.event_type AS event_type,
		       e.location AS location, e.ts AS ts
		ORDER BY e.ts, e.event_id`,
		map[string]any{"bag_tag": bagTag})
	if err != nil {
		return nil, nil, err
	}

	scans := make([]JourneyScan, 0, len(records))
	for _, rec := range records {
		scans = append(scans, JourneyScan{
			EventID:   stringValue(rec, "event_id"),
			EventType: model.EventType(stringValue(rec, "event_type")),
			Location:  stringValue(rec, "location"),
			Timestamp: timeValue(rec, "ts"),
		})
	}
	return snapshot, scans, nil
}

// GetBagSnapshot returns the graph's view of one bag.
func (s *Store) GetBagSnapshot(ctx context.Context, bagTag string) (*BagSnapshot, error) {
	records, err := s.read(ctx, `
		MATCH (b:Baggage {bag_tag: $bag_tag})
		RETURN b.bag_tag AS bag_tag, b.status AS status,
		       b.current_location AS location, b.risk_score AS risk_score,
		       b.updated_at AS updated_at`,
		map[string]any{"bag_tag": bagTag})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, faults.Wrap(faults.Permanent, fmt.Errorf("bag %s: not projected", bagTag))
	}
	rec := records[0]
	return &BagSnapshot{
		BagTag:          stringValue(rec, "bag_tag"),
		Status:          model.BagStatus(stringValue(rec, "status")),
		CurrentLocation: stringValue(rec, "location"),
		RiskScore:       floatValue(rec, "risk_score"),
		LastSeenAt:      timeValue(rec, "updated_at"),
	}, nil
}

// GetCurrentLocation answers the fast-path lookup.
func (s *Store) GetCurrentLocation(ctx context.Context, bagTag string) (string, time.Time, error) {
	snap, err := s.GetBagSnapshot(ctx, bagTag)
	if err != nil {
		return "", time.Time{}, err
	}
	return snap.CurrentLocation, snap.LastSeenAt, nil
}

// GetFlightBags lists the bags related to one flight.
func (s *Store) GetFlightBags(ctx context.Context, flightNumber string) ([]BagSnapshot, error) {
	records, err := s.read(ctx, `
		MATCH (b:Baggage)-[:ON_FLIGHT]->(f:Flight {flight_number: $flight})
		RETURN b.bag_tag AS bag_tag, b.status AS status,
		       b.current_location AS location, b.risk_score AS risk_score,
		       b.updated_at AS updated_at
		ORDER BY b.bag_tag`,
		map[string]any{"flight": flightNumber})
	if err != nil {
		return nil, err
	}
	bags := make([]BagSnapshot, 0, len(records))
	for _, rec := range records {
		bags = append(bags, BagSnapshot{
			BagTag:          stringValue(rec, "bag_tag"),
			Status:          model.BagStatus(stringValue(rec, "status")),
			CurrentLocation: stringValue(rec, "location"),
			RiskScore:       floatValue(rec, "risk_score"),
			LastSeenAt:      timeValue(rec, "updated_at"),
		})
	}
	return bags, nil
}

// Bottlenecks groups recent scans by location and reports the median dwell
// (gap between consecutive scans of the same bag at that location).
func (s *Store) Bottlenecks(ctx context.Context, window time.Duration, minBags int) ([]Bottleneck, error) {
	cutoff := tsString(time.Now().Add(-window))
	records, err := s.read(ctx, `
		MATCH (b:Baggage)-[:SCANNED_AT]->(e:ScanEvent)
		WHERE e.ts >= $cutoff
		WITH e.location AS location, b.bag_tag AS bag_tag,
		     min(e.ts) AS first_seen, max(e.ts) AS last_seen
		WITH location, bag_tag,
		     duration.between(datetime(first_seen), datetime(last_seen)).seconds AS dwell
		WITH location, count(DISTINCT bag_tag) AS bag_count, percentileCont(dwell, 0.5) AS median_dwell
		WHERE bag_count >= $min_bags
		RETURN location, bag_count, median_dwell
		ORDER BY bag_count DESC`,
		map[string]any{"cutoff": cutoff, "min_bags": minBags})
	if err != nil {
		return nil, err
	}

	out := make([]Bottleneck, 0, len(records))
	for _, rec := range records {
		out = append(out, Bottleneck{
			Location:           stringValue(rec, "location"),
			BagCount:           intValue(rec, "bag_count"),
			MedianDwellSeconds: floatValue(rec, "median_dwell"),
		})
	}
	return out, nil
}

func stringValue(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatValue(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func intValue(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func timeValue(rec *neo4j.Record, key string) time.Time {
	raw := stringValue(rec, key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
