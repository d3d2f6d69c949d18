package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/graph"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/parser"
	"github.com/skytrace/backend/internal/store"
)

var testMetrics = metrics.New()

// saturatingRel lets a test flip the pool-saturation signal.
type saturatingRel struct {
	*store.Memory
	saturated bool
}

func (r *saturatingRel) Saturated() bool { return r.saturated }

type fixture struct {
	rel   *saturatingRel
	gr    *graph.Memory
	coord *dualwrite.Coordinator
	bus   *bus.Bus
	srv   *httptest.Server
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b, err := bus.New(context.Background(), rdb, bus.Options{DedupTTL: 5 * time.Minute}, logger)
	require.NoError(t, err)

	rel := &saturatingRel{Memory: store.NewMemory()}
	gr := graph.NewMemory()
	coord := dualwrite.New(rel.Memory, gr, testMetrics, logger,
		dualwrite.WithRetry(2, time.Millisecond))

	cfg := &config.Config{
		Port:                  8080,
		Env:                   "development",
		HighRiskThreshold:     0.7,
		CriticalRiskThreshold: 0.9,
		AutoDispatchThreshold: 0.8,
		ScanGapWarning:        30 * time.Minute,
		ScanGapDelayed:        2 * time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	server := NewServer(b, coord, rel, parser.NewSet(), nil, testMetrics, logger, cfg)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	return &fixture{rel: rel, gr: gr, coord: coord, bus: b, srv: srv}
}

func (f *fixture) post(t *testing.T, path string, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestScanEvent_SuccessAndDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"bag_id":"0012345678","location":"LHR-T5-CHECKIN","scan_type":"check_in","timestamp":"2026-03-01T09:00:00Z"}`

	resp, decoded := f.post(t, "/events/scan", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decoded["status"])
	assert.NotEmpty(t, decoded["event_id"])

	resp, decoded = f.post(t, "/events/scan", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decoded["status"])

	info, err := f.bus.StreamInfo(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Length, "duplicate must not grow the log")
}

func TestScanEvent_BadBagTagIs422(t *testing.T) {
	f := newFixture(t, nil)
	resp, decoded := f.post(t, "/events/scan",
		`{"bag_id":"123456789","location":"LHR","scan_type":"check_in"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "parse_failure", decoded["error"])

	resp, decoded = f.post(t, "/events/scan", `{"location":"LHR","scan_type":"check_in"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "missing_field", decoded["reason"])
}

func TestBatch_MixedOutcomes(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"source_system":"dcs","events":[
		{"bag_id":"0012345678","location":"LHR-T5","scan_type":"check_in","timestamp":"2026-03-01T09:00:00Z"},
		{"bag_id":"0012345678","location":"LHR-T5","scan_type":"check_in","timestamp":"2026-03-01T09:00:00Z"},
		{"bag_id":"bogus","location":"LHR-T5","scan_type":"check_in"}
	]}`
	resp, decoded := f.post(t, "/events/batch", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, decoded["total"])
	assert.EqualValues(t, 1, decoded["ingested"])
	assert.EqualValues(t, 1, decoded["duplicates"])
	errs := decoded["per_event_errors"].([]interface{})
	assert.Len(t, errs, 1)
}

func TestTypeB_TelegramIngests(t *testing.T) {
	f := newFixture(t, nil)
	telegram := "BSM\nFM CMPTY\nTO CMMIA\nCM0456/15JAN PTY MIA\n.SMITH/JOHN 0220123456 1/23.5 MIA\n.DOE/JANE 0220654321 2/40 MIA\nENDBSM\n"
	payload, err := json.Marshal(map[string]string{
		"message": telegram, "message_type": "BSM", "from_station": "PTY", "to_station": "MIA",
	})
	require.NoError(t, err)

	resp, decoded := f.post(t, "/type-b", string(payload))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decoded["total"])
	assert.EqualValues(t, 2, decoded["ingested"])
}

func TestGetBag_NotFoundAndFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, decoded := f.get(t, "/bag/0012345678")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decoded["error"])

	_, err := f.coord.RecordEvent(ctx, &model.CanonicalEvent{
		EventID: "ev-1", BagTag: "0012345678", Location: "LHR-T5-CHECKIN",
		EventType: model.EventCheckIn, Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	resp, decoded = f.get(t, "/bag/0012345678")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	bag := decoded["bag"].(map[string]interface{})
	assert.Equal(t, "checked_in", bag["status"])
	assert.Len(t, decoded["events"].([]interface{}), 1)
}

func TestJourney_ServedFromGraph(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, et := range []model.EventType{model.EventCheckIn, model.EventSortation} {
		_, err := f.coord.RecordEvent(ctx, &model.CanonicalEvent{
			EventID: fmt.Sprintf("ev-%d", i), BagTag: "0012345678",
			Location: "LHR-STOP-" + string(rune('A'+i)), EventType: et,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	resp, decoded := f.get(t, "/graph/bags/0012345678/journey")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	journey := decoded["journey"].([]interface{})
	require.Len(t, journey, 2)
	first := journey[0].(map[string]interface{})
	assert.Equal(t, "ev-0", first["event_id"])
}

func TestDispatchDecision_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, _ := f.post(t, "/dispatches/unknown/decision", `{"decision":"approved","approver":"mgr"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := &model.CourierDispatch{
		DispatchID: "disp-1", BagTag: "0012345678",
		DestinationAddress: "address-on-file:0012345678",
		CostEstimate:       170, CompensationRisk: 180,
		Status: model.DispatchPendingApproval, RequiresApproval: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.rel.InsertDispatch(ctx, d))
	require.NoError(t, f.rel.InsertApprovalRequest(ctx, &model.ApprovalRequest{
		DispatchID: "disp-1", BagTag: "0012345678", CostValue: 170, RequestedAt: now,
	}))

	resp, decoded := f.get(t, "/dispatches/pending")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decoded["count"])

	resp, _ = f.post(t, "/dispatches/disp-1/decision", `{"decision":"maybe","approver":"mgr"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, decoded = f.post(t, "/dispatches/disp-1/decision", `{"decision":"approved","approver":"duty-mgr-7"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", decoded["status"])

	// The decision rides the bus as an approval event.
	envs, err := f.bus.Consume(ctx, "w1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, model.EventApprovalGranted, envs[0].Event.EventType)
	p, ok := envs[0].Event.Payload.(*model.ApprovalPayload)
	require.True(t, ok)
	assert.Equal(t, "disp-1", p.DispatchID)

	// A decision on a dispatch that is not awaiting approval conflicts.
	d.Status = model.DispatchBooked
	d.ApprovedBy = "duty-mgr-7"
	require.NoError(t, f.rel.UpdateDispatch(ctx, d))
	resp, _ = f.post(t, "/dispatches/disp-1/decision", `{"decision":"approved","approver":"mgr"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIngest_RateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.IngestRatePerMin = 2 })

	body := func(i int) string {
		return fmt.Sprintf(`{"bag_id":"00123456%02d","location":"LHR","scan_type":"check_in"}`, i)
	}
	for i := 0; i < 2; i++ {
		resp, _ := f.post(t, "/events/scan", body(i))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.post(t, "/events/scan", body(3))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestIngest_BackpressureWhenPoolSaturated(t *testing.T) {
	f := newFixture(t, nil)
	f.rel.saturated = true

	resp, decoded := f.post(t, "/events/scan",
		`{"bag_id":"0012345678","location":"LHR","scan_type":"check_in"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "backpressure", decoded["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, decoded := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decoded["status"])
}
