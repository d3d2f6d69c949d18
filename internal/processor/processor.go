// Package processor runs the worker pool that drains the ingest bus.
// Each worker is single-threaded over its own consume loop: validate,
// enrich, commit through the dual-write coordinator, orchestrate, ack.
// Failures are classified; permanent ones and envelopes past the
// redelivery ceiling dead-letter, transient ones stay unacked so the
// stale-claim loop redelivers them.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/bus"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/enrich"
	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/orchestrator"
)

// maxDeliveries is the redelivery ceiling: an envelope seen this many
// times goes to the dead-letter stream whatever the error kind.
const maxDeliveries = 3

// Broadcaster receives every successfully committed event. The live
// feed hub implements it; tests use a capture.
type Broadcaster interface {
	Broadcast(ev *model.CanonicalEvent)
}

// Options tune the pool.
type Options struct {
	Workers    int
	BatchSize  int64
	Block      time.Duration
	StaleClaim time.Duration
}

// Processor is the worker pool.
type Processor struct {
	bus      *bus.Bus
	coord    *dualwrite.Coordinator
	engine   *orchestrator.Engine
	enricher *enrich.Enricher
	feed     Broadcaster
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(b *bus.Bus, coord *dualwrite.Coordinator, engine *orchestrator.Engine,
	enricher *enrich.Enricher, feed Broadcaster, m *metrics.Metrics,
	logger *zap.Logger, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.StaleClaim <= 0 {
		opts.StaleClaim = time.Minute
	}
	return &Processor{
		bus:      b,
		coord:    coord,
		engine:   engine,
		enricher: enricher,
		feed:     feed,
		metrics:  m,
		logger:   logger.Named("processor"),
		opts:     opts,
	}
}

// Start launches the consume loops and the stale-claim loop. It returns
// immediately; Stop drains them.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.opts.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consumeLoop(ctx, consumer)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.claimLoop(ctx)
	}()
}

// Stop halts consumption and waits for in-flight envelopes. Entries not
// yet acked stay pending for the group and redeliver on restart.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		envelopes, err := p.bus.Consume(ctx, consumer, p.opts.BatchSize, p.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("consume failed", zap.String("consumer", consumer), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for i := range envelopes {
			p.handle(ctx, &envelopes[i])
		}
	}
}

// claimLoop takes over entries abandoned by crashed consumers.
func (p *Processor) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.StaleClaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		envelopes, err := p.bus.ClaimStale(ctx, "reaper", p.opts.StaleClaim)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("stale claim failed", zap.Error(err))
			}
			continue
		}
		for i := range envelopes {
			p.metrics.StaleClaims.Inc()
			p.handle(ctx, &envelopes[i])
		}
	}
}

// handle drives one envelope through the pipeline and decides its fate.
func (p *Processor) handle(ctx context.Context, env *bus.Envelope) {
	start := time.Now()
	ev := &env.Event

	if err := ev.Validate(); err != nil {
		p.deadLetter(ctx, env, "schema: "+err.Error())
		p.metrics.ObserveProcessing("dlq", time.Since(start))
		return
	}

	enrichment := p.enricher.Enrich(ev)

	app, err := p.coord.RecordEvent(ctx, ev)
	if err != nil {
		p.finishError(ctx, env, err, start)
		return
	}

	sc := &orchestrator.StepContext{
		Event:       ev,
		Application: app,
		Bag:         app.Bag,
		Enrichment:  enrichment,
	}
	if err := p.engine.HandleEvent(ctx, sc); err != nil {
		p.finishError(ctx, env, err, start)
		return
	}

	if p.feed != nil && !app.AlreadyApplied {
		p.feed.Broadcast(ev)
	}

	if err := p.bus.Ack(ctx, env.IngestID); err != nil {
		// The entry stays pending and redelivers; application is idempotent.
		p.logger.Warn("ack failed", zap.String("ingest_id", env.IngestID), zap.Error(err))
	}
	p.metrics.ObserveProcessing("acked", time.Since(start))
}

// finishError applies the redelivery policy: permanent or exhausted
// envelopes dead-letter, transient ones stay pending for redelivery.
func (p *Processor) finishError(ctx context.Context, env *bus.Envelope, err error, start time.Time) {
	switch {
	case faults.KindOf(err) == faults.Permanent:
		p.deadLetter(ctx, env, err.Error())
		p.metrics.ObserveProcessing("dlq", time.Since(start))
	case env.Deliveries >= maxDeliveries:
		p.deadLetter(ctx, env, fmt.Sprintf("exhausted after %d deliveries: %v", env.Deliveries, err))
		p.metrics.ObserveProcessing("dlq", time.Since(start))
	default:
		p.logger.Warn("leaving envelope for redelivery",
			zap.String("ingest_id", env.IngestID),
			zap.String("event_id", env.Event.EventID),
			zap.Int64("deliveries", env.Deliveries),
			zap.Error(err))
		p.metrics.ObserveProcessing("redelivered", time.Since(start))
	}
}

func (p *Processor) deadLetter(ctx context.Context, env *bus.Envelope, reason string) {
	p.metrics.DLQTotal.WithLabelValues(dlqReason(reason)).Inc()
	p.logger.Warn("dead-lettering envelope",
		zap.String("ingest_id", env.IngestID),
		zap.String("event_id", env.Event.EventID),
		zap.String("reason", reason))
	if err := p.bus.MoveToDLQ(ctx, env.IngestID, reason); err != nil {
		p.logger.Error("dlq move failed", zap.String("ingest_id", env.IngestID), zap.Error(err))
	}
}

// dlqReason folds a free-form reason into a bounded metric label.
func dlqReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, "schema"):
		return "schema"
	case strings.Contains(reason, model.ErrInvalidTransition.Error()):
		return "invalid_transition"
	case strings.Contains(reason, "unknown bag_tag"):
		return "unknown_bag"
	case strings.HasPrefix(reason, "exhausted"):
		return "exhausted"
	}
	return "other"
}
