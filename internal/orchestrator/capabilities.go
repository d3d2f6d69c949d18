package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/config"
	"github.com/skytrace/backend/internal/courier"
	"github.com/skytrace/backend/internal/dualwrite"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/notify"
	"github.com/skytrace/backend/internal/pir"
	"github.com/skytrace/backend/internal/risk"
	"github.com/skytrace/backend/internal/store"
)

// riskCapability re-scores the bag on every event, folding in whatever
// connection context the event or its enrichment carries.
type riskCapability struct {
	coord *dualwrite.Coordinator
}

func (c *riskCapability) Name() string { return StepRisk }

func (c *riskCapability) Evaluate(context.Context, *StepContext) (Decision, error) {
	return Proceed(), nil
}

func (c *riskCapability) Apply(ctx context.Context, _ Decision, sc *StepContext) error {
	a := risk.Score(sc.Bag.BagTag, risk.Input{
		Status:            sc.Bag.Status,
		CurrentLocation:   sc.Bag.CurrentLocation,
		ConnectionMinutes: sc.Event.ConnectionMinutes(),
	}, sc.Event.Timestamp)
	a.EventID = sc.Event.EventID
	if err := c.coord.RecordRisk(ctx, &a); err != nil {
		return err
	}
	sc.Risk = &a
	return nil
}

// caseCapability keeps at most one open exception case per bag: opened on
// high risk or anomalies, updated while the disruption lasts, resolved
// when the passenger claims the bag.
type caseCapability struct {
	coord *dualwrite.Coordinator
	rel   Store
	now   func() time.Time
}

func (c *caseCapability) Name() string { return StepCase }

func (c *caseCapability) Evaluate(ctx context.Context, sc *StepContext) (Decision, error) {
	open, err := c.rel.OpenCaseForBag(ctx, sc.Bag.BagTag)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, err
	}
	sc.Case = open

	if sc.Bag.Status == model.StatusClaimed {
		if open == nil {
			return Skip("no open case to resolve"), nil
		}
		return Proceed(), nil
	}
	if sc.Event.EventType == model.EventAnomaly {
		return Proceed(), nil
	}
	if sc.Risk != nil && (sc.Risk.Level == model.RiskHigh || sc.Risk.Level == model.RiskCritical) {
		return Proceed(), nil
	}
	return Skip("risk below case threshold"), nil
}

func (c *caseCapability) Apply(ctx context.Context, _ Decision, sc *StepContext) error {
	now := c.now().UTC()

	if sc.Case != nil {
		patch := model.CasePatch{
			Entry: &model.CaseTimelineEntry{
				At: now, Actor: "workflow", Action: "event",
				Detail: fmt.Sprintf("%s at %s", sc.Event.EventType, sc.Event.Location),
			},
		}
		if sc.Bag.Status == model.StatusClaimed {
			resolved := model.CaseResolved
			patch.Status = &resolved
			patch.Entry.Action = "resolved"
			patch.Entry.Detail = "bag claimed by passenger"
		} else if sc.Risk != nil {
			if p := model.PriorityForRisk(sc.Risk.Level); moreUrgent(p, sc.Case.Priority) {
				patch.Priority = &p
			}
		}
		updated, err := c.coord.UpdateCase(ctx, sc.Case.CaseID, patch)
		if err != nil {
			return err
		}
		sc.Case = updated
		return nil
	}

	caseType := "high_risk"
	if sc.Event.EventType == model.EventAnomaly {
		caseType = "anomaly"
	}
	level := model.RiskMedium
	if sc.Risk != nil {
		level = sc.Risk.Level
	}
	priority := model.PriorityForRisk(level)
	ec := &model.ExceptionCase{
		CaseID:      uuid.NewString(),
		BagTag:      sc.Bag.BagTag,
		CaseType:    caseType,
		Priority:    priority,
		Status:      model.CaseOpen,
		SLADeadline: model.SLAFor(priority, now),
		Timeline: []model.CaseTimelineEntry{{
			At: now, Actor: "workflow", Action: "opened",
			Detail: fmt.Sprintf("%s at %s", sc.Event.EventType, sc.Event.Location),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := c.coord.OpenCase(ctx, ec)
	if errors.Is(err, store.ErrCaseExists) {
		// A concurrent worker opened it; fetch and carry on.
		existing, getErr := c.rel.OpenCaseForBag(ctx, sc.Bag.BagTag)
		if getErr != nil {
			return getErr
		}
		sc.Case = existing
		return nil
	}
	if err != nil {
		return err
	}
	sc.Case = ec
	return nil
}

var priorityRank = map[model.CasePriority]int{
	model.PriorityP0: 0, model.PriorityP1: 1, model.PriorityP2: 2, model.PriorityP3: 3,
}

func moreUrgent(a, b model.CasePriority) bool { return priorityRank[a] < priorityRank[b] }

// pirCapability files a property irregularity report for urgent mishandled
// bags and closes it when the bag is claimed.
type pirCapability struct {
	coord *dualwrite.Coordinator
	rel   Store
	svc   pir.Service
	now   func() time.Time
}

func (c *pirCapability) Name() string { return StepPIR }

func (c *pirCapability) Evaluate(ctx context.Context, sc *StepContext) (Decision, error) {
	open, err := c.rel.OpenPIRForBag(ctx, sc.Bag.BagTag)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, err
	}

	if sc.Bag.Status == model.StatusClaimed {
		if open == nil {
			return Skip("no open report"), nil
		}
		sc.PIR = open
		sc.closePIR = true
		return Proceed(), nil
	}
	if open != nil {
		return Skip("report already open"), nil
	}
	if sc.Case != nil && sc.Case.Priority.Urgent() && sc.Bag.Status == model.StatusMishandled {
		return Proceed(), nil
	}
	return Skip("no reportable irregularity"), nil
}

func (c *pirCapability) Apply(ctx context.Context, _ Decision, sc *StepContext) error {
	if sc.closePIR {
		if err := c.svc.Update(ctx, sc.PIR.PIRNumber, "bag claimed by passenger"); err != nil {
			return err
		}
		return c.coord.ClosePIR(ctx, sc.PIR)
	}

	p := &model.PIR{
		BagTag:            sc.Bag.BagTag,
		Type:              model.PIRAdvisory,
		Status:            model.PIROpen,
		FiledAt:           c.now().UTC(),
		LastKnownLocation: sc.Bag.CurrentLocation,
		Description:       sc.Case.CaseType,
	}
	if err := c.svc.File(ctx, p); err != nil {
		return err
	}
	if err := c.coord.FilePIR(ctx, p); err != nil {
		return err
	}
	sc.PIR = p
	return nil
}

// courierCapability applies the cost-benefit rule and either books a
// courier outright or parks the dispatch behind the approval gate.
type courierCapability struct {
	coord  *dualwrite.Coordinator
	rel    Store
	svc    courier.Service
	cfg    *config.Config
	now    func() time.Time
	logger *zap.Logger
}

func (c *courierCapability) Name() string { return StepCourier }

func disrupted(s model.BagStatus) bool {
	return s == model.StatusMishandled || s == model.StatusOffloaded || s == model.StatusDelayed
}

func (c *courierCapability) destination(sc *StepContext) string {
	if sc.Bag.PNR != "" {
		return "address-on-file:" + sc.Bag.PNR
	}
	return "address-on-file:" + sc.Bag.BagTag
}

func (c *courierCapability) Evaluate(ctx context.Context, sc *StepContext) (Decision, error) {
	if !disrupted(sc.Bag.Status) {
		return Skip("bag not disrupted"), nil
	}
	active, err := c.rel.ActiveDispatchForBag(ctx, sc.Bag.BagTag)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, err
	}
	if active != nil {
		sc.Dispatch = active
		return Skip("dispatch already active"), nil
	}

	q, err := c.svc.Quote(ctx, sc.Bag.BagTag, c.destination(sc))
	if err != nil {
		return Decision{}, err
	}
	sc.quote = &q

	if !q.Worthwhile() {
		return Fail("compensation exposure below courier cost"), nil
	}
	if q.NeedsApproval(c.cfg.AutoDispatchThreshold) {
		return Defer(model.EventApprovalGranted), nil
	}
	return Proceed(), nil
}

func (c *courierCapability) Apply(ctx context.Context, d Decision, sc *StepContext) error {
	now := c.now().UTC()
	dispatch := &model.CourierDispatch{
		DispatchID:         uuid.NewString(),
		BagTag:             sc.Bag.BagTag,
		DestinationAddress: c.destination(sc),
		CostEstimate:       sc.quote.CostEstimate,
		CompensationRisk:   sc.quote.CompensationRisk,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if d.Kind == DecisionDefer {
		dispatch.RequiresApproval = true
		dispatch.Status = model.DispatchPendingApproval
		if err := c.coord.SaveDispatch(ctx, dispatch); err != nil {
			return err
		}
		if err := c.rel.InsertApprovalRequest(ctx, &model.ApprovalRequest{
			DispatchID:  dispatch.DispatchID,
			BagTag:      dispatch.BagTag,
			CostValue:   dispatch.CostEstimate,
			RequestedAt: now,
		}); err != nil {
			return err
		}
		sc.Dispatch = dispatch
		return nil
	}

	dispatch.Status = model.DispatchRequested
	if err := c.coord.SaveDispatch(ctx, dispatch); err != nil {
		return err
	}
	ref, err := c.svc.Book(ctx, dispatch)
	if err != nil {
		// The dispatch row stays requested; the operations queue re-drives
		// the booking.
		c.logger.Warn("courier booking failed",
			zap.String("dispatch_id", dispatch.DispatchID), zap.Error(err))
		sc.Dispatch = dispatch
		return nil
	}
	dispatch.Status = model.DispatchBooked
	dispatch.BookingRef = ref
	if err := c.coord.UpdateDispatch(ctx, dispatch); err != nil {
		return err
	}
	sc.Dispatch = dispatch
	return nil
}

// notifyCapability turns the event's outcome into passenger messages.
type notifyCapability struct {
	dispatcher *notify.Dispatcher
	recipients func(bagTag string) []notify.Recipient
}

func (c *notifyCapability) Name() string { return StepNotify }

// chooseTemplate picks the most specific message for what this event did.
func chooseTemplate(sc *StepContext) string {
	switch {
	case sc.Dispatch != nil && sc.Dispatch.Status == model.DispatchBooked:
		return notify.TemplateCourierDispatched
	case sc.PIR != nil && !sc.closePIR:
		return notify.TemplatePIRFiled
	case sc.Bag.Status == model.StatusMishandled:
		return notify.TemplateBagMishandled
	case sc.Bag.Status == model.StatusDelayed || sc.Bag.Status == model.StatusOffloaded:
		return notify.TemplateBagDelayed
	case sc.Event.EventType == model.EventArrival:
		return notify.TemplateBagArrived
	}
	return ""
}

func (c *notifyCapability) Evaluate(_ context.Context, sc *StepContext) (Decision, error) {
	template := chooseTemplate(sc)
	if template == "" {
		return Skip("nothing to tell the passenger"), nil
	}
	rcpts := c.recipients(sc.Bag.BagTag)
	if len(rcpts) == 0 {
		return Skip("no passenger contact on file"), nil
	}
	sc.template = template
	sc.recipients = rcpts
	return Proceed(), nil
}

func (c *notifyCapability) Apply(ctx context.Context, _ Decision, sc *StepContext) error {
	data := map[string]string{
		"BagTag":   sc.Bag.BagTag,
		"Location": sc.Bag.CurrentLocation,
	}
	if sc.Case != nil {
		data["CaseID"] = sc.Case.CaseID
	}
	if sc.PIR != nil {
		data["PIRNumber"] = sc.PIR.PIRNumber
	}
	if sc.Dispatch != nil {
		data["BookingRef"] = sc.Dispatch.BookingRef
	}
	_, err := c.dispatcher.Notify(ctx, sc.Bag.BagTag, sc.template, sc.recipients, data)
	return err
}
