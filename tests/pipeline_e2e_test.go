// Package tests exercises the full node end to end: events submitted
// through the HTTP surface with the public SDK, committed by the stream
// processor, and observed back through the query and operations
// endpoints.
package tests

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skytrace/backend/internal/api"
	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/courier"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/enrich"
	"github.com/skytrace/backend/internal/graph"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/notify"
	"github.com/skytrace/backend/internal/orchestrator"
	"github.com/skytrace/backend/internal/parser"
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/processor"
	"github.com/skytrace/backend/internal/store"
	"github.com/skytrace/backend/pkg/sdk"
)

var testMetrics = metrics.New()

type node struct {
	rel     *store.Memory
	gr      *graph.Memory
	courier *courier.Memory
	client  *sdk.Client
}

// startNode wires a complete in-process node: ingest API, event log on
// miniredis, stream processor and workflow engine, with memory stores.
func startNode(t *testing.T) *node {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b, err := bus.New(ctx, rdb, bus.Options{}, logger)
	require.NoError(t, err)

	rel := store.NewMemory()
	gr := graph.NewMemory()
	coord := dualwrite.New(rel, gr, testMetrics, logger,
		dualwrite.WithRetry(2, time.Millisecond))

	cache := enrich.NewCache(time.Hour)
	cache.PutPassenger("0125123456", enrich.PassengerContext{
		PNR:  "XK9PT2",
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

	courierSvc := courier.NewMemory()
	cfg := &config.Config{
		Port:                  8080,
		Env:                   "development",
		HighRiskThreshold:     0.7,
		CriticalRiskThreshold: 0.9,
		AutoDispatchThreshold: 0.8,
		ScanGapWarning:        30 * time.Minute,
		ScanGapDelayed:        2 * time.Hour,
	}
	engine := orchestrator.New(coord, rel, pir.NewMemory("LHR", "XS"), courierSvc,
		dispatcher, enr, cfg, testMetrics, logger)

	proc := processor.New(b, coord, engine, enr, nil, testMetrics, logger, processor.Options{
		Workers:   1,
		BatchSize: 5,
		Block:     20 * time.Millisecond,
	})
	proc.Start(ctx)
	t.Cleanup(proc.Stop)

	server := api.NewServer(b, coord, rel, parser.NewSet(), nil, testMetrics, logger, cfg)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	return &node{
		rel:     rel,
		gr:      gr,
		courier: courierSvc,
		client:  sdk.NewClient(sdk.Config{BaseURL: srv.URL}),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached within 5s")
}

func (n *node) submit(t *testing.T, bagTag, eventType, location string, at time.Time, payload interface{}) *sdk.IngestResult {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		buf, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = buf
	}
	res, err := n.client.SubmitScan(context.Background(), sdk.ScanEvent{
		BagTag:       bagTag,
		Location:     location,
		Timestamp:    at,
		EventType:    eventType,
		Payload:      raw,
		SourceSystem: "e2e",
	})
	require.NoError(t, err)
	return res
}

func (n *node) waitStatus(t *testing.T, bagTag, status string) *sdk.BagDetail {
	t.Helper()
	var detail *sdk.BagDetail
	waitFor(t, func() bool {
		d, err := n.client.GetBag(context.Background(), bagTag)
		if err != nil {
			return false
		}
		detail = d
		return d.Bag.Status == status
	})
	return detail
}

func TestPipeline_BagJourneyEndToEnd(t *testing.T) {
	n := startNode(t)
	bagTag := "0125123456"
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	steps := []struct {
		eventType string
		location  string
		payload   interface{}
	}{
		{"check_in", "LHR-T5-CHECKIN", map[string]interface{}{"flight_number": "BA117"}},
		{"sortation", "LHR-T5-SORTATION-2", nil},
		{"load", "LHR-T5-LOAD-STAND-12", map[string]interface{}{"flight_number": "BA117"}},
		{"arrival", "JFK-T4-ARRIVAL", map[string]interface{}{"flight_number": "BA117"}},
		{"claim", "JFK-T4-CAROUSEL-6", nil},
	}
	for i, step := range steps {
		res := n.submit(t, bagTag, step.eventType, step.location, t0.Add(time.Duration(i)*10*time.Minute), step.payload)
		assert.Equal(t, "success", res.Status)
	}

	detail := n.waitStatus(t, bagTag, "claimed")
	assert.Equal(t, "JFK-T4-CAROUSEL-6", detail.Bag.CurrentLocation)
	assert.Len(t, detail.Events, 5)
	require.NotNil(t, detail.Risk)
	assert.Equal(t, "v2.1", detail.Risk.AlgorithmVersion)

	// The graph projection answers the journey in scan order.
	journey, err := n.client.Journey(context.Background(), bagTag)
	require.NoError(t, err)
	require.Len(t, journey.Steps, 5)
	assert.Equal(t, "check_in", journey.Steps[0].EventType)
	assert.Equal(t, "claim", journey.Steps[4].EventType)

	// Resubmitting an identical scan is absorbed by dedup.
	res := n.submit(t, bagTag, "check_in", "LHR-T5-CHECKIN", t0, map[string]interface{}{"flight_number": "BA117"})
	assert.True(t, res.Duplicate())
}

func TestPipeline_MishandledBagApprovalFlow(t *testing.T) {
	n := startNode(t)
	// An expensive quote forces the approval gate.
	n.courier.QuoteFor = func(bagTag, destination string) courier.Quote {
		return courier.Quote{CostEstimate: 170, CompensationRisk: 180}
	}

	bagTag := "0125123456"
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	n.submit(t, bagTag, "check_in", "LHR-T5-CHECKIN", t0, map[string]interface{}{"flight_number": "BA117"})
	n.submit(t, bagTag, "anomaly", "LHR-T5-BELT", t0.Add(10*time.Minute),
		map[string]interface{}{"severity": "high", "description": "bag jammed in chute"})

	detail := n.waitStatus(t, bagTag, "mishandled")
	require.NotNil(t, detail.Risk)
	assert.GreaterOrEqual(t, detail.Risk.Score, 0.4)

	// Case and PIR were raised, the dispatch is parked for approval.
	var pending []sdk.PendingApproval
	waitFor(t, func() bool {
		p, err := n.client.PendingDispatches(context.Background())
		if err != nil || len(p) == 0 {
			return false
		}
		pending = p
		return true
	})
	require.Len(t, pending, 1)
	d := pending[0].Dispatch
	assert.Equal(t, bagTag, d.BagTag)
	assert.Equal(t, "pending_approval", d.Status)
	assert.True(t, d.RequiresApproval)

	openPIR, err := n.rel.OpenPIRForBag(context.Background(), bagTag)
	require.NoError(t, err)
	assert.NotEmpty(t, openPIR.PIRNumber)

	openCase, err := n.rel.OpenCaseForBag(context.Background(), bagTag)
	require.NoError(t, err)
	assert.Equal(t, model.CaseOpen, openCase.Status)

	// The duty manager approves; a worker books the courier.
	res, err := n.client.ApproveDispatch(context.Background(), d.DispatchID, "duty-mgr-7", "high value bag")
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)

	waitFor(t, func() bool {
		got, err := n.rel.GetDispatch(context.Background(), d.DispatchID)
		return err == nil && got.Status == model.DispatchBooked
	})
	booked, err := n.rel.GetDispatch(context.Background(), d.DispatchID)
	require.NoError(t, err)
	assert.Equal(t, "duty-mgr-7", booked.ApprovedBy)
	assert.NotEmpty(t, booked.BookingRef)
}

func TestPipeline_CheapDispatchBooksWithoutApproval(t *testing.T) {
	n := startNode(t)

	bagTag := "0125123456"
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	n.submit(t, bagTag, "check_in", "LHR-T5-CHECKIN", t0, map[string]interface{}{"flight_number": "BA117"})
	n.submit(t, bagTag, "anomaly", "LHR-T5-BELT", t0.Add(10*time.Minute),
		map[string]interface{}{"severity": "high", "description": "tag unreadable"})

	n.waitStatus(t, bagTag, "mishandled")

	var booked *model.CourierDispatch
	waitFor(t, func() bool {
		d, err := n.rel.ActiveDispatchForBag(context.Background(), bagTag)
		if err != nil {
			return false
		}
		booked = d
		return d.Status == model.DispatchBooked
	})
	assert.False(t, booked.RequiresApproval)
	assert.NotEmpty(t, booked.BookingRef)

	pending, err := n.client.PendingDispatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

const sampleBSM = `BSM
FM CMPTY
TO CMMIA
CM0456/15JAN PTY MIA
.SMITH/JOHN 0220123456 1/23.5 MIA
.DOE/JANE 0220654321 2/40 MIA
ENDBSM
`

func TestPipeline_TypeBTelegramCreatesBags(t *testing.T) {
	n := startNode(t)

	res, err := n.client.SubmitTypeB(context.Background(), sampleBSM)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Ingested)

	for _, bagTag := range []string{"0220123456", "0220654321"} {
		waitFor(t, func() bool {
			_, err := n.client.GetBag(context.Background(), bagTag)
			return err == nil
		})
		detail, err := n.client.GetBag(context.Background(), bagTag)
		require.NoError(t, err)
		assert.Equal(t, "PTY", detail.Bag.CurrentLocation)
		assert.Len(t, detail.Events, 1)
	}
}

func TestPipeline_SchemaViolationNeverReachesStores(t *testing.T) {
	n := startNode(t)

	_, err := n.client.SubmitScan(context.Background(), sdk.ScanEvent{
		BagTag:    "12345", // not a licence plate
		Location:  "LHR-T5-CHECKIN",
		Timestamp: time.Now(),
		EventType: "check_in",
	})
	var apiErr *sdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retriable())

	_, err = n.client.GetBag(context.Background(), "12345")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestPipeline_HealthReportsComponents(t *testing.T) {
	n := startNode(t)
	h, err := n.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Components["eventlog"])
}
