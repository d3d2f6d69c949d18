package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

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
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/store"
)

var testMetrics = metrics.New()

type captureFeed struct {
	mu     sync.Mutex
	events []string
}

func (f *captureFeed) Broadcast(ev *model.CanonicalEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev.EventID)
}

func (f *captureFeed) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fixture struct {
	bus  *bus.Bus
	rel  *store.Memory
	proc *Processor
	feed *captureFeed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b, err := bus.New(context.Background(), rdb, bus.Options{DedupTTL: 5 * time.Minute}, logger)
	require.NoError(t, err)

	rel := store.NewMemory()
	gr := graph.NewMemory()
	coord := dualwrite.New(rel, gr, testMetrics, logger,
		dualwrite.WithRetry(2, time.Millisecond))

	cache := enrich.NewCache(time.Hour)
	enr := enrich.NewEnricher(cache)
	catalog, err := notify.LoadCatalog("")
	require.NoError(t, err)
	dispatcher := notify.NewDispatcher(rel, notify.NewLogSink(logger), catalog, testMetrics, logger, 1)
	t.Cleanup(dispatcher.Shutdown)

	cfg := &config.Config{
		HighRiskThreshold:     0.7,
		CriticalRiskThreshold: 0.9,
		AutoDispatchThreshold: 0.8,
		ScanGapWarning:        30 * time.Minute,
		ScanGapDelayed:        2 * time.Hour,
	}
	engine := orchestrator.New(coord, rel, pir.NewMemory("LHR", "XS"), courier.NewMemory(),
		dispatcher, enr, cfg, testMetrics, logger)

	feed := &captureFeed{}
	proc := New(b, coord, engine, enr, feed, testMetrics, logger, Options{Workers: 1})
	return &fixture{bus: b, rel: rel, proc: proc, feed: feed}
}

// drain consumes whatever is on the stream and pushes it through the
// pipeline synchronously, the way one worker iteration does.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	envelopes, err := f.bus.Consume(ctx, "test-worker", 100, 10*time.Millisecond)
	require.NoError(t, err)
	for i := range envelopes {
		f.proc.handle(ctx, &envelopes[i])
	}
}

func checkIn(id, tag string, at time.Time) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		EventID:      id,
		Timestamp:    at,
		BagTag:       tag,
		Location:     "LHR-T5-CHECKIN",
		EventType:    model.EventCheckIn,
		SourceSystem: "dcs",
	}
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestHandle_CommitsOrchestratesAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bus.Publish(ctx, checkIn("ev-1", "0012345678", t0))
	require.NoError(t, err)
	f.drain(t)

	bag, err := f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, bag.Status)

	info, err := f.bus.StreamInfo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Pending, "processed envelope must be acked")
	assert.Equal(t, []string{"ev-1"}, f.feed.seen())
}

func TestHandle_SchemaViolationDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := checkIn("ev-bad", "12345", t0) // bag tag too short
	_, err := f.bus.Publish(ctx, bad)
	require.NoError(t, err)
	f.drain(t)

	n, err := f.bus.DLQLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	info, err := f.bus.StreamInfo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Pending)
	assert.Empty(t, f.feed.seen())
}

func TestHandle_InvalidTransitionDeadLettersAndStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bus.Publish(ctx, checkIn("ev-1", "0012345678", t0))
	require.NoError(t, err)
	f.drain(t)

	// A second check-in for an existing bag is an illegal transition.
	_, err = f.bus.Publish(ctx, checkIn("ev-2", "0012345678", t0.Add(time.Hour)))
	require.NoError(t, err)
	f.drain(t)

	n, err := f.bus.DLQLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	bag, err := f.rel.GetBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, bag.Status)
	events, err := f.rel.EventsForBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Len(t, events, 1, "rejected event leaves no scan row")
}

func TestHandle_UnknownBagDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := checkIn("ev-1", "0099999999", t0)
	ev.EventType = model.EventSortation
	_, err := f.bus.Publish(ctx, ev)
	require.NoError(t, err)
	f.drain(t)

	n, err := f.bus.DLQLength(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bus.Publish(ctx, checkIn("ev-1", "0012345678", t0))
	require.NoError(t, err)

	envelopes, err := f.bus.Consume(ctx, "test-worker", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	// Crash-and-redeliver: the same envelope is handled twice.
	f.proc.handle(ctx, &envelopes[0])
	f.proc.handle(ctx, &envelopes[0])

	events, err := f.rel.EventsForBag(ctx, "0012345678")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, []string{"ev-1"}, f.feed.seen(), "replay must not rebroadcast")
}

func TestStartStop_DrainsCleanly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bus.Publish(ctx, checkIn("ev-1", "0012345678", t0))
	require.NoError(t, err)

	f.proc.opts.Block = 20 * time.Millisecond
	f.proc.Start(ctx)
	defer f.proc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.rel.GetBag(ctx, "0012345678"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never processed the published event")
}
