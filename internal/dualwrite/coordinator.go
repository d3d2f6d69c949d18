// Package dualwrite coordinates the two stores: PostgreSQL is
// authoritative and commits first; Neo4j receives a best-effort projection
// afterwards. A projection that keeps failing becomes reconciliation debt,
// repaired later by the background reconciler, so an outage of the graph
// store never blocks ingestion. Reads prefer the graph and fall back to
// the relational store when the graph is unavailable or stale.
package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/graph"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/risk"
	"github.com/skytrace/backend/internal/store"
)

// Debt scopes. The scope tells the reconciler how to decode the debt
// payload and which projection to replay.
const (
	ScopeEvent    = "event"
	ScopeBag      = "bag"
	ScopeRisk     = "risk"
	ScopeCase     = "case"
	ScopePIR      = "pir"
	ScopeDispatch = "dispatch"
)

// Relational is the authoritative-store surface the coordinator needs.
// *store.Store satisfies it; tests substitute a recording fake.
type Relational interface {
	ApplyEvent(ctx context.Context, ev *model.CanonicalEvent) (*store.EventApplication, error)
	UpsertBag(ctx context.Context, b *model.Bag) error
	GetBag(ctx context.Context, bagTag string) (*model.Bag, error)
	EventsForBag(ctx context.Context, bagTag string) ([]*model.CanonicalEvent, error)
	MarkDelayed(ctx context.Context, bagTag string, at time.Time) (*model.Bag, bool, error)
	InsertRisk(ctx context.Context, a *model.RiskAssessment) error
	InsertCase(ctx context.Context, c *model.ExceptionCase) error
	UpdateCase(ctx context.Context, caseID string, patch model.CasePatch, now time.Time) (*model.ExceptionCase, error)
	InsertDispatch(ctx context.Context, d *model.CourierDispatch) error
	UpdateDispatch(ctx context.Context, d *model.CourierDispatch) error
	InsertPIR(ctx context.Context, p *model.PIR) error
	ClosePIR(ctx context.Context, pirNumber string) error
	RecordDebt(ctx context.Context, scope, refID, reason string, payload []byte, at time.Time) error
	OutstandingDebts(ctx context.Context, limit int) ([]store.Debt, error)
	ResolveDebt(ctx context.Context, id int64, at time.Time) error
	OutstandingDebtCount(ctx context.Context) (int64, error)
}

// Graph is the projection-store surface. *graph.Store and *graph.Memory
// both satisfy it.
type Graph interface {
	ProjectBag(ctx context.Context, bag *model.Bag) error
	ProjectEvent(ctx context.Context, ev *model.CanonicalEvent, bag *model.Bag) error
	ProjectRisk(ctx context.Context, a *model.RiskAssessment) error
	ProjectCase(ctx context.Context, c *model.ExceptionCase) error
	ProjectPIR(ctx context.Context, p *model.PIR) error
	ProjectDispatch(ctx context.Context, d *model.CourierDispatch) error
	GetBagSnapshot(ctx context.Context, bagTag string) (*graph.BagSnapshot, error)
	GetJourney(ctx context.Context, bagTag string) (*graph.BagSnapshot, []graph.JourneyScan, error)
	GetCurrentLocation(ctx context.Context, bagTag string) (string, time.Time, error)
	GetFlightBags(ctx context.Context, flightNumber string) ([]graph.BagSnapshot, error)
	Bottlenecks(ctx context.Context, window time.Duration, minBags int) ([]graph.Bottleneck, error)
}

// Coordinator runs every dual-store write and the graph query surface.
type Coordinator struct {
	rel     Relational
	gr      Graph
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger

	retryAttempts int
	retryInterval time.Duration

	locks sync.Map // bag_tag -> *sync.Mutex
	now   func() time.Time
}

// Option tweaks coordinator construction.
type Option func(*Coordinator)

// WithRetry overrides the projection retry schedule.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(c *Coordinator) {
		c.retryAttempts = attempts
		c.retryInterval = interval
	}
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New wires a coordinator. The breaker trips after five consecutive
// projection failures and probes again after thirty seconds; while open,
// writes skip the graph and go straight to debt.
func New(rel Relational, gr Graph, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		rel:           rel,
		gr:            gr,
		metrics:       m,
		logger:        logger.Named("dualwrite"),
		retryAttempts: 3,
		retryInterval: time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "graph-projection",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

func (c *Coordinator) lockFor(bagTag string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(bagTag, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// project runs one graph write through the breaker with bounded backoff.
// When every attempt fails the committed relational state becomes debt and
// the error is absorbed: the caller's write has already succeeded.
func (c *Coordinator) project(ctx context.Context, scope, refID string, payload interface{}, fn func(context.Context) error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.metrics.ProjectionRetries.Inc()
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.retryAttempts-1)), ctx))
	if err == nil {
		return
	}

	raw, mErr := json.Marshal(payload)
	if mErr != nil {
		c.logger.Error("encode debt payload", zap.String("scope", scope),
			zap.String("ref", refID), zap.Error(mErr))
		raw = nil
	}
	if dErr := c.rel.RecordDebt(ctx, scope, refID, err.Error(), raw, c.now()); dErr != nil {
		c.logger.Error("record reconciliation debt", zap.String("scope", scope),
			zap.String("ref", refID), zap.Error(dErr))
		return
	}
	c.metrics.DebtOutstanding.Inc()
	c.logger.Warn("projection failed, debt recorded",
		zap.String("scope", scope), zap.String("ref", refID),
		zap.Int("attempts", attempt), zap.Error(err))
}

// eventDebt is the debt payload for an event projection.
type eventDebt struct {
	Event *model.CanonicalEvent `json:"event"`
	Bag   *model.Bag            `json:"bag"`
}

// RecordEvent is the write path for one canonical event: authoritative
// commit first, projection second. Per-bag ordering is enforced by the
// in-process lock on top of the store's row lock, so two workers holding
// events for the same bag serialize here.
func (c *Coordinator) RecordEvent(ctx context.Context, ev *model.CanonicalEvent) (*store.EventApplication, error) {
	mu := c.lockFor(ev.BagTag)
	mu.Lock()
	defer mu.Unlock()

	app, err := c.rel.ApplyEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if app.AlreadyApplied {
		return app, nil
	}
	c.project(ctx, ScopeEvent, ev.EventID, eventDebt{Event: ev, Bag: app.Bag},
		func(ctx context.Context) error {
			return c.gr.ProjectEvent(ctx, ev, app.Bag)
		})
	return app, nil
}

// UpsertBag writes a bag outside the event path and projects it.
func (c *Coordinator) UpsertBag(ctx context.Context, b *model.Bag) error {
	mu := c.lockFor(b.BagTag)
	mu.Lock()
	defer mu.Unlock()

	if err := c.rel.UpsertBag(ctx, b); err != nil {
		return err
	}
	c.project(ctx, ScopeBag, b.BagTag, b, func(ctx context.Context) error {
		return c.gr.ProjectBag(ctx, b)
	})
	return nil
}

// MarkDelayed runs the scan-gap transition and projects the result. The
// boolean mirrors the store's: false when a fresher scan already moved the
// bag on.
func (c *Coordinator) MarkDelayed(ctx context.Context, bagTag string, at time.Time) (*model.Bag, bool, error) {
	mu := c.lockFor(bagTag)
	mu.Lock()
	defer mu.Unlock()

	bag, marked, err := c.rel.MarkDelayed(ctx, bagTag, at)
	if err != nil || !marked {
		return bag, marked, err
	}
	c.project(ctx, ScopeBag, bag.BagTag, bag, func(ctx context.Context) error {
		return c.gr.ProjectBag(ctx, bag)
	})
	return bag, true, nil
}

// RecordRisk appends an assessment and projects it.
func (c *Coordinator) RecordRisk(ctx context.Context, a *model.RiskAssessment) error {
	if err := c.rel.InsertRisk(ctx, a); err != nil {
		return err
	}
	c.project(ctx, ScopeRisk, a.BagTag+"@"+a.AssessedAt.UTC().Format(time.RFC3339Nano), a,
		func(ctx context.Context) error {
			return c.gr.ProjectRisk(ctx, a)
		})
	return nil
}

// OpenCase opens an exception case and projects it. store.ErrCaseExists
// passes through untouched so the workflow can treat it as idempotent
// success.
func (c *Coordinator) OpenCase(ctx context.Context, ec *model.ExceptionCase) error {
	if err := c.rel.InsertCase(ctx, ec); err != nil {
		return err
	}
	c.metrics.CasesOpened.Inc()
	c.project(ctx, ScopeCase, ec.CaseID, ec, func(ctx context.Context) error {
		return c.gr.ProjectCase(ctx, ec)
	})
	return nil
}

// UpdateCase patches a case and projects the result.
func (c *Coordinator) UpdateCase(ctx context.Context, caseID string, patch model.CasePatch) (*model.ExceptionCase, error) {
	ec, err := c.rel.UpdateCase(ctx, caseID, patch, c.now())
	if err != nil {
		return nil, err
	}
	c.project(ctx, ScopeCase, ec.CaseID, ec, func(ctx context.Context) error {
		return c.gr.ProjectCase(ctx, ec)
	})
	return ec, nil
}

// SaveDispatch records a new dispatch and projects it.
func (c *Coordinator) SaveDispatch(ctx context.Context, d *model.CourierDispatch) error {
	if err := c.rel.InsertDispatch(ctx, d); err != nil {
		return err
	}
	c.project(ctx, ScopeDispatch, d.DispatchID, d, func(ctx context.Context) error {
		return c.gr.ProjectDispatch(ctx, d)
	})
	return nil
}

// UpdateDispatch persists a dispatch change and projects it. The approval
// guard lives in the relational store.
func (c *Coordinator) UpdateDispatch(ctx context.Context, d *model.CourierDispatch) error {
	if err := c.rel.UpdateDispatch(ctx, d); err != nil {
		return err
	}
	c.project(ctx, ScopeDispatch, d.DispatchID, d, func(ctx context.Context) error {
		return c.gr.ProjectDispatch(ctx, d)
	})
	return nil
}

// FilePIR records a property irregularity report and projects it.
func (c *Coordinator) FilePIR(ctx context.Context, p *model.PIR) error {
	if err := c.rel.InsertPIR(ctx, p); err != nil {
		return err
	}
	c.metrics.PIRsFiled.Inc()
	c.project(ctx, ScopePIR, p.PIRNumber, p, func(ctx context.Context) error {
		return c.gr.ProjectPIR(ctx, p)
	})
	return nil
}

// ClosePIR closes the report in both stores.
func (c *Coordinator) ClosePIR(ctx context.Context, p *model.PIR) error {
	if err := c.rel.ClosePIR(ctx, p.PIRNumber); err != nil {
		return err
	}
	closed := *p
	closed.Status = model.PIRClosed
	c.project(ctx, ScopePIR, closed.PIRNumber, &closed, func(ctx context.Context) error {
		return c.gr.ProjectPIR(ctx, &closed)
	})
	return nil
}

// GetJourney serves the journey query from the graph, falling back to the
// relational scan history when the graph cannot answer.
func (c *Coordinator) GetJourney(ctx context.Context, bagTag string) (*graph.BagSnapshot, []graph.JourneyScan, error) {
	start := c.now()
	snap, scans, err := c.gr.GetJourney(ctx, bagTag)
	c.metrics.ObserveGraphQuery("journey", c.now().Sub(start))
	if err == nil {
		return snap, scans, nil
	}

	bag, relErr := c.rel.GetBag(ctx, bagTag)
	if relErr != nil {
		return nil, nil, relErr
	}
	events, relErr := c.rel.EventsForBag(ctx, bagTag)
	if relErr != nil {
		return nil, nil, relErr
	}
	scans = make([]graph.JourneyScan, 0, len(events))
	for _, ev := range events {
		scans = append(scans, graph.JourneyScan{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			Location:  ev.Location,
			Timestamp: ev.Timestamp,
		})
	}
	return &graph.BagSnapshot{
		BagTag:          bag.BagTag,
		Status:          bag.Status,
		CurrentLocation: bag.CurrentLocation,
		RiskScore:       bag.RiskScore,
		LastSeenAt:      bag.UpdatedAt,
	}, scans, nil
}

// GetCurrentLocation answers the fast-path location lookup, falling back
// to the relational row when the graph cannot answer.
func (c *Coordinator) GetCurrentLocation(ctx context.Context, bagTag string) (string, time.Time, error) {
	start := c.now()
	loc, at, err := c.gr.GetCurrentLocation(ctx, bagTag)
	c.metrics.ObserveGraphQuery("location", c.now().Sub(start))
	if err == nil {
		return loc, at, nil
	}
	bag, relErr := c.rel.GetBag(ctx, bagTag)
	if relErr != nil {
		return "", time.Time{}, relErr
	}
	return bag.CurrentLocation, bag.UpdatedAt, nil
}

// GetFlightBags lists the bags on one flight from the graph.
func (c *Coordinator) GetFlightBags(ctx context.Context, flightNumber string) ([]graph.BagSnapshot, error) {
	start := c.now()
	bags, err := c.gr.GetFlightBags(ctx, flightNumber)
	c.metrics.ObserveGraphQuery("flight_bags", c.now().Sub(start))
	return bags, err
}

// Bottlenecks surfaces congested locations from the graph.
func (c *Coordinator) Bottlenecks(ctx context.Context, window time.Duration, minBags int) ([]graph.Bottleneck, error) {
	start := c.now()
	out, err := c.gr.Bottlenecks(ctx, window, minBags)
	c.metrics.ObserveGraphQuery("bottlenecks", c.now().Sub(start))
	return out, err
}

// AnalyzeConnectionRisk evaluates a bag against a proposed connection. The
// answer is at least the bag's standing risk: scoring with fresh
// connection context may raise it, never lower it. Read-only, nothing is
// persisted.
func (c *Coordinator) AnalyzeConnectionRisk(ctx context.Context, bagTag string, connectionMinutes *int) (*model.RiskAssessment, error) {
	start := c.now()
	snap, err := c.gr.GetBagSnapshot(ctx, bagTag)
	c.metrics.ObserveGraphQuery("connection_risk", c.now().Sub(start))
	if err != nil {
		bag, relErr := c.rel.GetBag(ctx, bagTag)
		if relErr != nil {
			return nil, relErr
		}
		snap = &graph.BagSnapshot{
			BagTag:          bag.BagTag,
			Status:          bag.Status,
			CurrentLocation: bag.CurrentLocation,
			RiskScore:       bag.RiskScore,
			LastSeenAt:      bag.UpdatedAt,
		}
	}

	a := risk.Score(bagTag, risk.Input{
		Status:            snap.Status,
		CurrentLocation:   snap.CurrentLocation,
		ConnectionMinutes: connectionMinutes,
	}, c.now())
	if snap.RiskScore > a.Score {
		a.Score = snap.RiskScore
		a.Level = risk.LevelFor(a.Score)
	}
	return &a, nil
}

// Unavailable reports whether err means the graph answer is missing rather
// than the bag being unknown.
func Unavailable(err error) bool {
	return err != nil && !errors.Is(err, store.ErrNotFound) && faults.KindOf(err) == faults.Transient
}
