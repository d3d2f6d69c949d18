// Package orchestrator drives the per-event workflow: risk evaluation,
// exception cases, PIR filing, courier dispatch with its approval gate,
// and passenger notification. Each step is a Capability with an
// idempotency key (bag_tag, step, event_id) recorded in the relational
// store, so reprocessing an event re-runs nothing that already completed.
// The engine never talks to external services directly; effects flow
// through the dual-write coordinator and the capability adapters.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/courier"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/enrich"
	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/notify"
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/store"
)

// Step names, also the step component of the idempotency key.
const (
	StepRisk         = "risk-evaluate"
	StepCase         = "open-or-update-case"
	StepPIR          = "file-pir"
	StepCourier      = "request-courier"
	StepNotify       = "notify"
	StepApprovalBook = "approval-book"
)

const stepAttempts = 3

// Store is the slice of the relational store the workflow reads and the
// step ledger it writes. *store.Store and *store.Memory both satisfy it.
type Store interface {
	ClaimStep(ctx context.Context, bagTag, step, eventID string, now time.Time) (bool, error)
	FinishStep(ctx context.Context, bagTag, step, eventID, status, detail string, now time.Time) error
	PendingSteps(ctx context.Context, bagTag string) ([]string, error)
	OpenCaseForBag(ctx context.Context, bagTag string) (*model.ExceptionCase, error)
	OpenPIRForBag(ctx context.Context, bagTag string) (*model.PIR, error)
	ActiveDispatchForBag(ctx context.Context, bagTag string) (*model.CourierDispatch, error)
	GetDispatch(ctx context.Context, dispatchID string) (*model.CourierDispatch, error)
	InsertApprovalRequest(ctx context.Context, r *model.ApprovalRequest) error
	DecideApproval(ctx context.Context, dispatchID, decision, approver string, at time.Time) (bool, error)
	BagsWithScanGap(ctx context.Context, cutoff time.Time, minRisk float64) ([]*model.Bag, error)
}

// StepContext carries the event and everything earlier steps produced.
type StepContext struct {
	Event       *model.CanonicalEvent
	Application *store.EventApplication
	Bag         *model.Bag
	Enrichment  enrich.Enrichment

	Risk     *model.RiskAssessment
	Case     *model.ExceptionCase
	PIR      *model.PIR
	Dispatch *model.CourierDispatch

	quote      *courier.Quote
	closePIR   bool
	template   string
	recipients []notify.Recipient
}

// Capability is one workflow step.
type Capability interface {
	Name() string
	Evaluate(ctx context.Context, sc *StepContext) (Decision, error)
	Apply(ctx context.Context, d Decision, sc *StepContext) error
}

// Engine runs the workflow.
type Engine struct {
	coord      *dualwrite.Coordinator
	rel        Store
	courierSvc courier.Service
	dispatcher *notify.Dispatcher
	enricher   *enrich.Enricher
	cfg        *config.Config
	metrics    *metrics.Metrics
	logger     *zap.Logger

	caps  []Capability
	now   func() time.Time
	sleep func(time.Duration)
}

// New wires the engine with the standard step order.
func New(coord *dualwrite.Coordinator, rel Store, pirSvc pir.Service, courierSvc courier.Service,
	dispatcher *notify.Dispatcher, enricher *enrich.Enricher, cfg *config.Config,
	m *metrics.Metrics, logger *zap.Logger) *Engine {
	e := &Engine{
		coord:      coord,
		rel:        rel,
		courierSvc: courierSvc,
		dispatcher: dispatcher,
		enricher:   enricher,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
		sleep:      time.Sleep,
	}
	e.caps = []Capability{
		&riskCapability{coord: coord},
		&caseCapability{coord: coord, rel: e.rel, now: func() time.Time { return e.now() }},
		&pirCapability{coord: coord, rel: e.rel, svc: pirSvc, now: func() time.Time { return e.now() }},
		&courierCapability{coord: coord, rel: e.rel, svc: courierSvc, cfg: cfg,
			now: func() time.Time { return e.now() }, logger: e.logger},
		&notifyCapability{dispatcher: dispatcher, recipients: e.recipientsFor},
	}
	return e
}

// HandleEvent runs the workflow for one committed event. Approval events
// resume a suspended courier workflow instead of running the pipeline.
// The returned error is always classified; the caller acks regardless of
// step outcomes because every step result is durable.
func (e *Engine) HandleEvent(ctx context.Context, sc *StepContext) error {
	ev := sc.Event
	if ev.EventType == model.EventApprovalGranted || ev.EventType == model.EventApprovalDenied {
		return e.handleApproval(ctx, ev)
	}
	if sc.Application != nil && sc.Application.AlreadyApplied {
		return nil
	}

	for _, step := range e.caps {
		if err := e.runStep(ctx, step, sc); err != nil {
			return err
		}
	}
	return nil
}

// runStep claims the idempotency key and drives one capability with the
// bounded transient-retry schedule. Only context expiry propagates; every
// other failure is recorded on the step and the pipeline continues.
func (e *Engine) runStep(ctx context.Context, step Capability, sc *StepContext) error {
	bagTag, eventID := sc.Event.BagTag, sc.Event.EventID

	claimed, err := e.rel.ClaimStep(ctx, bagTag, step.Name(), eventID, e.now())
	if err != nil {
		return err
	}
	if !claimed {
		e.metrics.WorkflowSteps.WithLabelValues(step.Name(), "skip").Inc()
		return nil
	}

	var decision Decision
	run := func() error {
		d, err := step.Evaluate(ctx, sc)
		if err != nil {
			return err
		}
		decision = d
		if d.Kind == DecisionProceed || d.Kind == DecisionDefer {
			return step.Apply(ctx, d, sc)
		}
		return nil
	}

	err = run()
	for attempt := 1; attempt < stepAttempts && faults.IsTransient(err); attempt++ {
		e.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		err = run()
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return faults.Wrap(faults.Transient, ctx.Err())
	case faults.IsTransient(err):
		// Durable pending record; the next event for this bag or the sweep
		// picks it back up.
		e.metrics.WorkflowSteps.WithLabelValues(step.Name(), "pending").Inc()
		e.logger.Warn("step exhausted retries",
			zap.String("step", step.Name()), zap.String("bag_tag", bagTag), zap.Error(err))
		return e.rel.FinishStep(ctx, bagTag, step.Name(), eventID, store.StepPending, err.Error(), e.now())
	default:
		e.metrics.WorkflowSteps.WithLabelValues(step.Name(), "fail").Inc()
		e.logger.Warn("step failed permanently",
			zap.String("step", step.Name()), zap.String("bag_tag", bagTag), zap.Error(err))
		return e.rel.FinishStep(ctx, bagTag, step.Name(), eventID, store.StepSkipped, err.Error(), e.now())
	}

	e.metrics.WorkflowSteps.WithLabelValues(step.Name(), decision.Kind.String()).Inc()
	switch decision.Kind {
	case DecisionProceed:
		return e.rel.FinishStep(ctx, bagTag, step.Name(), eventID, store.StepDone, "", e.now())
	case DecisionSkip, DecisionFail:
		return e.rel.FinishStep(ctx, bagTag, step.Name(), eventID, store.StepSkipped, decision.Reason, e.now())
	case DecisionDefer:
		return e.rel.FinishStep(ctx, bagTag, step.Name(), eventID, store.StepPending, decision.Reason, e.now())
	}
	return nil
}

// handleApproval resumes a workflow suspended on an approval request.
// DecideApproval is the idempotency gate: a duplicate approval event finds
// the request already decided and does nothing.
func (e *Engine) handleApproval(ctx context.Context, ev *model.CanonicalEvent) error {
	p, _ := ev.Payload.(*model.ApprovalPayload)
	if p == nil || p.DispatchID == "" {
		e.logger.Warn("approval event without dispatch reference",
			zap.String("event_id", ev.EventID))
		return nil
	}

	decision := "approved"
	if ev.EventType == model.EventApprovalDenied {
		decision = "denied"
	}
	decidedNow, err := e.rel.DecideApproval(ctx, p.DispatchID, decision, p.Approver, ev.Timestamp)
	if err != nil {
		return err
	}
	if !decidedNow {
		return nil
	}

	d, err := e.rel.GetDispatch(ctx, p.DispatchID)
	if err != nil {
		return err
	}
	d.ApprovedBy = p.Approver
	d.UpdatedAt = e.now().UTC()

	if decision == "denied" {
		d.Status = model.DispatchCancelled
		return e.coord.UpdateDispatch(ctx, d)
	}

	var ref string
	book := func() error {
		var bErr error
		ref, bErr = e.courierSvc.Book(ctx, d)
		return bErr
	}
	err = book()
	for attempt := 1; attempt < stepAttempts && faults.IsTransient(err); attempt++ {
		e.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		err = book()
	}
	if err != nil {
		// The approval is recorded; the booking stays pending for the
		// operations queue to re-drive.
		e.logger.Warn("booking after approval failed",
			zap.String("dispatch_id", d.DispatchID), zap.Error(err))
		return e.rel.FinishStep(ctx, d.BagTag, StepApprovalBook, ev.EventID,
			store.StepPending, err.Error(), e.now())
	}

	d.Status = model.DispatchBooked
	d.BookingRef = ref
	if err := e.coord.UpdateDispatch(ctx, d); err != nil {
		return err
	}
	e.notifyForDispatch(ctx, d)
	return nil
}

func (e *Engine) notifyForDispatch(ctx context.Context, d *model.CourierDispatch) {
	recipients := e.recipientsFor(d.BagTag)
	if len(recipients) == 0 {
		return
	}
	_, err := e.dispatcher.Notify(ctx, d.BagTag, notify.TemplateCourierDispatched, recipients,
		map[string]string{"BagTag": d.BagTag, "BookingRef": d.BookingRef})
	if err != nil {
		e.logger.Warn("dispatch notification", zap.String("bag_tag", d.BagTag), zap.Error(err))
	}
}

func (e *Engine) recipientsFor(bagTag string) []notify.Recipient {
	pc, ok := e.enricher.Cache().Passenger(bagTag)
	if !ok {
		return nil
	}
	recipients := make([]notify.Recipient, 0, len(pc.Contacts))
	for _, c := range pc.Contacts {
		recipients = append(recipients, notify.Recipient{Channel: c.Channel, Address: c.Address})
	}
	return recipients
}
