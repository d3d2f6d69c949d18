package dualwrite

import (
	"context"
	"encoding/json"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/store"
)

// reconcileBatch bounds one sweep so a long outage's backlog drains in
// slices instead of one giant pass.
const reconcileBatch = 200

// Reconciler replays outstanding reconciliation debt against the graph
// store on a fixed schedule.
type Reconciler struct {
	coord  *Coordinator
	cron   *cron.Cron
	logger *zap.Logger
}

// NewReconciler builds the sweeper. Start schedules it every thirty
// seconds; Sweep can also be driven directly (tests, admin endpoint).
func NewReconciler(coord *Coordinator, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		coord:  coord,
		cron:   cron.New(),
		logger: logger.Named("reconciler"),
	}
}

// Start schedules periodic sweeps until Stop.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc("@every 30s", func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Warn("reconciliation sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return faults.Wrapf(faults.Fatal, "schedule reconciler: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep replays one batch of outstanding debt. Debts that still fail stay
// outstanding with their attempt counter bumped by the next projection
// failure; resolved ones are stamped and counted.
func (r *Reconciler) Sweep(ctx context.Context) error {
	debts, err := r.coord.rel.OutstandingDebts(ctx, reconcileBatch)
	if err != nil {
		return err
	}
	for _, debt := range debts {
		if err := r.replay(ctx, debt); err != nil {
			r.logger.Debug("debt replay failed",
				zap.String("scope", debt.Scope), zap.String("ref", debt.RefID),
				zap.Int("attempts", debt.Attempts), zap.Error(err))
			continue
		}
		if err := r.coord.rel.ResolveDebt(ctx, debt.ID, r.coord.now()); err != nil {
			r.logger.Warn("resolve debt", zap.Int64("id", debt.ID), zap.Error(err))
			continue
		}
		r.coord.metrics.DebtResolved.Inc()
	}

	if n, err := r.coord.rel.OutstandingDebtCount(ctx); err == nil {
		r.coord.metrics.DebtOutstanding.Set(float64(n))
	}
	return nil
}

func (r *Reconciler) replay(ctx context.Context, debt store.Debt) error {
	switch debt.Scope {
	case ScopeEvent:
		var d eventDebt
		if err := json.Unmarshal(debt.Payload, &d); err != nil {
			return faults.Wrapf(faults.Permanent, "decode event debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectEvent(ctx, d.Event, d.Bag)
	case ScopeBag:
		var b model.Bag
		if err := json.Unmarshal(debt.Payload, &b); err != nil {
			return faults.Wrapf(faults.Permanent, "decode bag debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectBag(ctx, &b)
	case ScopeRisk:
		var a model.RiskAssessment
		if err := json.Unmarshal(debt.Payload, &a); err != nil {
			return faults.Wrapf(faults.Permanent, "decode risk debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectRisk(ctx, &a)
	case ScopeCase:
		var c model.ExceptionCase
		if err := json.Unmarshal(debt.Payload, &c); err != nil {
			return faults.Wrapf(faults.Permanent, "decode case debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectCase(ctx, &c)
	case ScopePIR:
		var p model.PIR
		if err := json.Unmarshal(debt.Payload, &p); err != nil {
			return faults.Wrapf(faults.Permanent, "decode pir debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectPIR(ctx, &p)
	case ScopeDispatch:
		var d model.CourierDispatch
		if err := json.Unmarshal(debt.Payload, &d); err != nil {
			return faults.Wrapf(faults.Permanent, "decode dispatch debt %s: %w", debt.RefID, err)
		}
		return r.coord.gr.ProjectDispatch(ctx, &d)
	}
	return faults.Wrapf(faults.Permanent, "unknown debt scope %q", debt.Scope)
}
