package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/courier"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/enrich"
	"github.com/skytrace/backend/internal/graph"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/notify"
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/store"
)

var testMetrics = metrics.New()

type fixture struct {
	rel     *store.Memory
	gr      *graph.Memory
	coord   *dualwrite.Coordinator
	pirSvc  *pir.Memory
	courier *courier.Memory
	engine  *Engine
	enr     *enrich.Enricher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rel := store.NewMemory()
	gr := graph.NewMemory()
	coord := dualwrite.New(rel, gr, testMetrics, logger,
		dualwrite.WithRetry(2, time.Millisecond))

	cache := enrich.NewCache(time.Hour)
	cache.PutPassenger("0012345678", enrich.PassengerContext{
		PNR:  "ABC123",
		Name: "J. Traveller",
		Contacts: []enrich.Contact{
			{Channel: model.ChannelEmail, Address: "pax@example.com"},
		},
	})
	enr := enrich.NewEnricher(cache)

	catalog, err := notify.LoadCatalog("")
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher(rel, notify.NewLogSink(logger), catalog, testMetrics, logger, 1)
	t.Cleanup(dispatcher.Shutdown)

	pirSvc := pir.NewMemory("LHR", "XS")
	courierSvc := courier.NewMemory()

	cfg := &config.Config{
		HighRiskThreshold:     0.7,
		CriticalRiskThreshold: 0.9,
		AutoDispatchThreshold: 0.8,
		ScanGapWarning:        30 * time.Minute,
		ScanGapDelayed:        2 * time.Hour,
	}
	engine := New(coord, rel, pirSvc, courierSvc, dispatcher, enr, cfg, testMetrics, logger)
	engine.sleep = func(time.Duration) {}

	return &fixture{rel: rel, gr: gr, coord: coord, pirSvc: pirSvc,
		courier: courierSvc, engine: engine, enr: enr}
}

func event(id, bagTag string, et model.EventType, at time.Time, payload model.EventPayload) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		EventID:      id,
		Timestamp:    at,
		BagTag:       bagTag,
		Location:     "LHR-T5-BELT",
		EventType:    et,
		Payload:      payload,
		SourceSystem: "test",
	}
}

// process commits the event and runs the workflow, the way the stream
// processor does.
func (f *fixture) process(t *testing.T, ev *model.CanonicalEvent) *StepContext {
	t.Helper()
	ctx := context.Background()
	app, err := f.coord.RecordEvent(ctx, ev)
	require.NoError(t, err)
	sc := &StepContext{
		Event:       ev,
		Application: app,
		Bag:         app.Bag,
		Enrichment:  f.enr.Enrich(ev),
	}
	require.NoError(t, f.engine.HandleEvent(ctx, sc))
	return sc
}

func (f *fixture) checkIn(t *testing.T, bagTag string, at time.Time) {
	t.Helper()
	f.process(t, event("ev-checkin-"+bagTag, bagTag, model.EventCheckIn, at,
		&model.ScanPayload{DeviceID: "ck-01"}))
}

func TestEngine_MishandledPipelineWithApprovalGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// A quote whose cost eats most of the compensation exposure needs a
	// human decision before booking.
	f.courier.QuoteFor = func(string, string) courier.Quote {
		return courier.Quote{CostEstimate: 170, CompensationRisk: 180}
	}

	f.checkIn(t, "0012345678", base)
	sc := f.process(t, event("ev-anom-1", "0012345678", model.EventAnomaly, base.Add(time.Hour),
		&model.AnomalyPayload{Severity: model.SeverityHigh, Description: "belt jam damage"}))

	require.NotNil(t, sc.Risk)
	assert.GreaterOrEqual(t, sc.Risk.Score, 0.4)

	require.NotNil(t, sc.Case, "high severity anomaly opens a case")
	assert.Equal(t, "anomaly", sc.Case.CaseType)
	assert.Equal(t, model.CaseOpen, sc.Case.Status)

	require.NotNil(t, sc.PIR, "urgent case on a mishandled bag files a report")
	assert.NotEmpty(t, sc.PIR.PIRNumber)

	require.NotNil(t, sc.Dispatch)
	assert.Equal(t, model.DispatchPendingApproval, sc.Dispatch.Status)
	assert.True(t, sc.Dispatch.RequiresApproval)

	pending, err := f.rel.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sc.Dispatch.DispatchID, pending[0].Dispatch.DispatchID)

	// Duty manager approves; the suspended workflow resumes and books.
	approval := event("ev-appr-1", "0012345678", model.EventApprovalGranted, base.Add(2*time.Hour),
		&model.ApprovalPayload{DispatchID: sc.Dispatch.DispatchID, Approver: "duty-mgr-7"})
	require.NoError(t, f.engine.HandleEvent(ctx, &StepContext{Event: approval}))

	d, err := f.rel.GetDispatch(ctx, sc.Dispatch.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchBooked, d.Status)
	assert.NotEmpty(t, d.BookingRef)
	assert.Equal(t, "duty-mgr-7", d.ApprovedBy)

	// A replayed approval event changes nothing.
	require.NoError(t, f.engine.HandleEvent(ctx, &StepContext{Event: approval}))
	again, err := f.rel.GetDispatch(ctx, sc.Dispatch.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, d.BookingRef, again.BookingRef)
}

func TestEngine_ApprovalDeniedCancelsDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.courier.QuoteFor = func(string, string) courier.Quote {
		return courier.Quote{CostEstimate: 170, CompensationRisk: 180}
	}

	f.checkIn(t, "0012345678", base)
	sc := f.process(t, event("ev-anom-2", "0012345678", model.EventAnomaly, base.Add(time.Hour),
		&model.AnomalyPayload{Severity: model.SeverityCritical, Description: "bag missing from make-up"}))
	require.NotNil(t, sc.Dispatch)

	denial := event("ev-deny-1", "0012345678", model.EventApprovalDenied, base.Add(2*time.Hour),
		&model.ApprovalPayload{DispatchID: sc.Dispatch.DispatchID, Approver: "duty-mgr-7", Reason: "cost"})
	require.NoError(t, f.engine.HandleEvent(ctx, &StepContext{Event: denial}))

	d, err := f.rel.GetDispatch(ctx, sc.Dispatch.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCancelled, d.Status)
	assert.Empty(t, d.BookingRef)
}

func TestEngine_CheapQuoteBooksWithoutApproval(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.checkIn(t, "0012345678", base)
	// Default fake quote is 45 against 180 exposure, well under the
	// approval threshold.
	sc := f.process(t, event("ev-anom-3", "0012345678", model.EventAnomaly, base.Add(time.Hour),
		&model.AnomalyPayload{Severity: model.SeverityHigh, Description: "torn tag"}))

	require.NotNil(t, sc.Dispatch)
	assert.Equal(t, model.DispatchBooked, sc.Dispatch.Status)
	assert.NotEmpty(t, sc.Dispatch.BookingRef)
	assert.False(t, sc.Dispatch.RequiresApproval)
}

func TestEngine_UnprofitableQuoteRefusesDispatch(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.courier.QuoteFor = func(string, string) courier.Quote {
		return courier.Quote{CostEstimate: 200, CompensationRisk: 60}
	}

	f.checkIn(t, "0012345678", base)
	sc := f.process(t, event("ev-anom-4", "0012345678", model.EventAnomaly, base.Add(time.Hour),
		&model.AnomalyPayload{Severity: model.SeverityHigh, Description: "crushed"}))

	assert.Nil(t, sc.Dispatch)
	_, err := f.rel.ActiveDispatchForBag(context.Background(), "0012345678")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestEngine_ReprocessedEventRunsNoStepTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.checkIn(t, "0012345678", base)
	ev := event("ev-anom-5", "0012345678", model.EventAnomaly, base.Add(time.Hour),
		&model.AnomalyPayload{Severity: model.SeverityHigh, Description: "belt jam"})
	sc := f.process(t, ev)
	require.NotNil(t, sc.Case)

	// Redelivery: the event is already applied and every step key is
	// already claimed.
	app, err := f.coord.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, app.AlreadyApplied)
	require.NoError(t, f.engine.HandleEvent(ctx, &StepContext{
		Event: ev, Application: app, Bag: app.Bag, Enrichment: f.enr.Enrich(ev),
	}))

	c, err := f.rel.OpenCaseForBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, sc.Case.CaseID, c.CaseID, "no second case")
}

func TestEngine_TightConnectionOpensCaseAndClaimResolvesIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	minutes := 20

	f.checkIn(t, "0012345678", base)
	f.process(t, event("ev-sort-1", "0012345678", model.EventSortation, base.Add(10*time.Minute), nil))

	transfer := event("ev-xfer-1", "0012345678", model.EventTransfer, base.Add(time.Hour),
		&model.TransferPayload{FromFlight: "XS101", ToFlight: "XS204", ConnectionMinutes: &minutes})
	transfer.Location = "LHR-TRANSFER-GATE"
	sc := f.process(t, transfer)

	require.NotNil(t, sc.Risk)
	assert.Equal(t, model.RiskHigh, sc.Risk.Level)
	require.NotNil(t, sc.Case, "tight connection opens a case")
	assert.Equal(t, "high_risk", sc.Case.CaseType)
	assert.Nil(t, sc.PIR, "bag is not mishandled, no report")
	assert.Nil(t, sc.Dispatch, "bag is still moving, no courier")

	// The connection is made after all; the bag flows through to claim.
	f.process(t, event("ev-load-1", "0012345678", model.EventLoad, base.Add(90*time.Minute),
		&model.LoadPayload{FlightNumber: "XS204", Hold: "FWD"}))
	f.process(t, event("ev-arr-1", "0012345678", model.EventArrival, base.Add(4*time.Hour), nil))
	claim := f.process(t, event("ev-claim-1", "0012345678", model.EventClaim, base.Add(5*time.Hour),
		&model.ClaimPayload{}))

	assert.Equal(t, model.StatusClaimed, claim.Bag.Status)
	_, err := f.rel.OpenCaseForBag(ctx, "0012345678")
	assert.True(t, errors.Is(err, store.ErrNotFound), "case resolved on claim")

	c, err := f.rel.GetCase(ctx, sc.Case.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseResolved, c.Status)
}

func TestSweeper_MarksQuietHighRiskBagsDelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.checkIn(t, "0012345678", base)
	require.NoError(t, f.rel.InsertRisk(ctx, &model.RiskAssessment{
		BagTag: "0012345678", AssessedAt: base.Add(time.Minute),
		Score: 0.85, Level: model.RiskCritical, AlgorithmVersion: "v2.1",
	}))

	f.engine.now = func() time.Time { return base.Add(3 * time.Hour) }
	s := NewSweeper(f.engine)
	require.NoError(t, s.Sweep(ctx))

	bag, err := f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelayed, bag.Status)

	// Second pass finds nothing to do.
	require.NoError(t, s.Sweep(ctx))
	bag2, err := f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, bag.Version, bag2.Version)
}

func TestSweeper_WarningWindowDoesNotMarkDelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	f.checkIn(t, "0012345678", base)
	require.NoError(t, f.rel.InsertRisk(ctx, &model.RiskAssessment{
		BagTag: "0012345678", AssessedAt: base.Add(time.Minute),
		Score: 0.85, Level: model.RiskCritical, AlgorithmVersion: "v2.1",
	}))

	// One hour quiet: past the warning window, short of the delayed one.
	f.engine.now = func() time.Time { return base.Add(time.Hour) }
	s := NewSweeper(f.engine)
	require.NoError(t, s.Sweep(ctx))

	bag, err := f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, bag.Status)

	// Three hours quiet crosses the delayed window.
	f.engine.now = func() time.Time { return base.Add(3 * time.Hour) }
	require.NoError(t, s.Sweep(ctx))

	bag, err = f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelayed, bag.Status)
}
