package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// Memory is an in-process stand-in for the PostgreSQL store with the same
// transactional semantics per bag: idempotency on event_id, the status
// transition table, stale-event handling, and the one-open-row guards.
// Tests and single-binary local runs use it.
type Memory struct {
	mu sync.Mutex

	bags       map[string]*model.Bag
	events     map[string][]*model.CanonicalEvent // bag_tag -> ordered by arrival
	eventSeen  map[string]bool
	risks      map[string][]*model.RiskAssessment
	cases      map[string]*model.ExceptionCase
	pirs       map[string]*model.PIR
	dispatches map[string]*model.CourierDispatch
	approvals  map[string]*approvalRow
	notifs     map[string]*model.Notification
	debts      []*Debt
	steps      map[string]string // bag|step|event -> status
	stepDetail map[string]string
	nextDebtID int64
}

type approvalRow struct {
	req       model.ApprovalRequest
	decidedAt *time.Time
	decision  string
	approver  string
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bags:       make(map[string]*model.Bag),
		events:     make(map[string][]*model.CanonicalEvent),
		eventSeen:  make(map[string]bool),
		risks:      make(map[string][]*model.RiskAssessment),
		cases:      make(map[string]*model.ExceptionCase),
		pirs:       make(map[string]*model.PIR),
		dispatches: make(map[string]*model.CourierDispatch),
		approvals:  make(map[string]*approvalRow),
		notifs:     make(map[string]*model.Notification),
		steps:      make(map[string]string),
		stepDetail: make(map[string]string),
	}
}

// Saturated always reports headroom.
func (m *Memory) Saturated() bool { return false }

// Close is a no-op.
func (m *Memory) Close() {}

func (m *Memory) ApplyEvent(_ context.Context, ev *model.CanonicalEvent) (*EventApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bag := m.bags[ev.BagTag]
	if bag == nil {
		if !model.CreatesBag(ev.EventType) {
			return nil, faults.Wrap(faults.Permanent,
				fmt.Errorf("%w: %s referenced by %s event %s", ErrUnknownBag, ev.BagTag, ev.EventType, ev.EventID))
		}
		bag = model.NewBag(ev)
		m.bags[ev.BagTag] = bag
		m.recordEvent(ev)
		cp := *bag
		return &EventApplication{Bag: &cp, Created: true, StatusChanged: true}, nil
	}

	if m.eventSeen[ev.EventID] {
		cp := *bag
		return &EventApplication{AlreadyApplied: true, Bag: &cp}, nil
	}

	app := &EventApplication{PreviousStatus: bag.Status}
	if ev.Timestamp.Before(bag.UpdatedAt) {
		m.recordEvent(ev)
		bag.Version++
		app.Stale = true
		cp := *bag
		app.Bag = &cp
		return app, nil
	}

	next, changed, err := model.NextStatus(bag.Status, ev)
	if err != nil {
		return nil, faults.Wrap(faults.Permanent, err)
	}
	m.recordEvent(ev)
	if changed {
		bag.Status = next
		app.StatusChanged = true
	}
	if model.Locates(ev.EventType) {
		bag.CurrentLocation = ev.Location
	}
	bag.UpdatedAt = ev.Timestamp
	bag.Version++
	cp := *bag
	app.Bag = &cp
	return app, nil
}

func (m *Memory) recordEvent(ev *model.CanonicalEvent) {
	m.eventSeen[ev.EventID] = true
	cp := *ev
	m.events[ev.BagTag] = append(m.events[ev.BagTag], &cp)
}

func (m *Memory) UpsertBag(_ context.Context, b *model.Bag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	if prev := m.bags[b.BagTag]; prev != nil {
		cp.Version = prev.Version + 1
		if prev.UpdatedAt.After(cp.UpdatedAt) {
			cp.UpdatedAt = prev.UpdatedAt
		}
		cp.RiskScore = prev.RiskScore
	}
	m.bags[b.BagTag] = &cp
	return nil
}

func (m *Memory) GetBag(_ context.Context, bagTag string) (*model.Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bag := m.bags[bagTag]
	if bag == nil {
		return nil, ErrNotFound
	}
	cp := *bag
	return &cp, nil
}

func (m *Memory) ListBags(_ context.Context, f BagFilter) ([]*model.Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Bag
	for _, bag := range m.bags {
		if f.Status != "" && string(bag.Status) != f.Status {
			continue
		}
		if f.RiskMin != nil && bag.RiskScore < *f.RiskMin {
			continue
		}
		if f.RiskMax != nil && bag.RiskScore > *f.RiskMax {
			continue
		}
		if f.Location != "" && bag.CurrentLocation != f.Location {
			continue
		}
		cp := *bag
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) EventsForBag(_ context.Context, bagTag string) ([]*model.CanonicalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]*model.CanonicalEvent(nil), m.events[bagTag]...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (m *Memory) BagsWithScanGap(_ context.Context, cutoff time.Time, minRisk float64) ([]*model.Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Bag
	for _, bag := range m.bags {
		if bag.UpdatedAt.Before(cutoff) && bag.RiskScore >= minRisk &&
			!bag.Status.IsTerminal() && bag.Status != model.StatusDelayed {
			cp := *bag
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) MarkDelayed(_ context.Context, bagTag string, at time.Time) (*model.Bag, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bag := m.bags[bagTag]
	if bag == nil {
		return nil, false, ErrNotFound
	}
	if !model.DelayedTransitionAllowed(bag.Status) {
		cp := *bag
		return &cp, false, nil
	}
	bag.Status = model.StatusDelayed
	if at.After(bag.UpdatedAt) {
		bag.UpdatedAt = at
	}
	bag.Version++
	cp := *bag
	return &cp, true, nil
}

func (m *Memory) InsertRisk(_ context.Context, a *model.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, prev := range m.risks[a.BagTag] {
		if prev.AssessedAt.Equal(a.AssessedAt) {
			return nil
		}
	}
	cp := *a
	m.risks[a.BagTag] = append(m.risks[a.BagTag], &cp)
	newest := true
	for _, prev := range m.risks[a.BagTag] {
		if prev.AssessedAt.After(a.AssessedAt) {
			newest = false
		}
	}
	if newest {
		if bag := m.bags[a.BagTag]; bag != nil {
			bag.RiskScore = a.Score
			bag.Version++
		}
	}
	return nil
}

func (m *Memory) LatestRisk(_ context.Context, bagTag string) (*model.RiskAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.RiskAssessment
	for _, a := range m.risks[bagTag] {
		if latest == nil || a.AssessedAt.After(latest.AssessedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) InsertCase(_ context.Context, c *model.ExceptionCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cases {
		if existing.BagTag == c.BagTag && !existing.Status.Terminal() {
			return faults.Wrap(faults.Permanent, ErrCaseExists)
		}
	}
	cp := *c
	m.cases[c.CaseID] = &cp
	return nil
}

func (m *Memory) GetCase(_ context.Context, caseID string) (*model.ExceptionCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cases[caseID]
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) OpenCaseForBag(_ context.Context, bagTag string) (*model.ExceptionCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cases {
		if c.BagTag == bagTag && !c.Status.Terminal() {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateCase(_ context.Context, caseID string, patch model.CasePatch, now time.Time) (*model.ExceptionCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cases[caseID]
	if c == nil {
		return nil, ErrNotFound
	}
	if patch.Status != nil && *patch.Status != c.Status {
		if !model.ValidCaseTransition(c.Status, *patch.Status) {
			return nil, faults.Wrap(faults.Permanent,
				fmt.Errorf("%w: case %s %s -> %s", model.ErrInvalidTransition, caseID, c.Status, *patch.Status))
		}
		c.Status = *patch.Status
	}
	if patch.Priority != nil {
		c.Priority = *patch.Priority
	}
	if patch.Assignee != nil {
		c.Assignee = *patch.Assignee
	}
	if patch.Entry != nil {
		c.Timeline = append(c.Timeline, *patch.Entry)
	}
	c.UpdatedAt = now.UTC()
	cp := *c
	return &cp, nil
}

func (m *Memory) InsertDispatch(_ context.Context, d *model.CourierDispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dispatches[d.DispatchID]; ok {
		return nil
	}
	cp := *d
	m.dispatches[d.DispatchID] = &cp
	return nil
}

func (m *Memory) GetDispatch(_ context.Context, dispatchID string) (*model.CourierDispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dispatches[dispatchID]
	if d == nil {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ActiveDispatchForBag(_ context.Context, bagTag string) (*model.CourierDispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.CourierDispatch
	for _, d := range m.dispatches {
		if d.BagTag != bagTag || d.Status.Terminal() {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) UpdateDispatch(_ context.Context, d *model.CourierDispatch) error {
	if d.RequiresApproval && d.Status != model.DispatchPendingApproval &&
		d.Status != model.DispatchCancelled && d.ApprovedBy == "" {
		return faults.Wrapf(faults.Permanent,
			"dispatch %s requires approval before %s", d.DispatchID, d.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dispatches[d.DispatchID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.dispatches[d.DispatchID] = &cp
	return nil
}

func (m *Memory) InsertApprovalRequest(_ context.Context, r *model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[r.DispatchID]; ok {
		return nil
	}
	m.approvals[r.DispatchID] = &approvalRow{req: *r}
	return nil
}

func (m *Memory) PendingApprovals(_ context.Context) ([]PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingApproval
	for id, row := range m.approvals {
		if row.decidedAt != nil {
			continue
		}
		d := m.dispatches[id]
		if d == nil {
			continue
		}
		out = append(out, PendingApproval{
			Dispatch:    *d,
			CostValue:   row.req.CostValue,
			RequestedAt: row.req.RequestedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *Memory) DecideApproval(_ context.Context, dispatchID, decision, approver string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.approvals[dispatchID]
	if row == nil || row.decidedAt != nil {
		return false, nil
	}
	t := at.UTC()
	row.decidedAt = &t
	row.decision = decision
	row.approver = approver
	return true, nil
}

func (m *Memory) InsertNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifs[n.NotificationID]; ok {
		return nil
	}
	for _, prev := range m.notifs {
		if prev.BagTag == n.BagTag && prev.TemplateID == n.TemplateID &&
			prev.Channel == n.Channel &&
			n.CreatedAt.Sub(prev.CreatedAt) < NotificationDedupWindow {
			return ErrNotificationDeduped
		}
	}
	cp := *n
	m.notifs[n.NotificationID] = &cp
	return nil
}

func (m *Memory) MarkNotification(_ context.Context, notificationID string, status model.NotificationStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notifs[notificationID]
	if n == nil {
		return ErrNotFound
	}
	n.Status = status
	if status == model.NotificationSent {
		t := at.UTC()
		n.SentAt = &t
	}
	return nil
}

func (m *Memory) NotificationsForBag(_ context.Context, bagTag string) ([]*model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Notification
	for _, n := range m.notifs {
		if n.BagTag == bagTag {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertPIR(_ context.Context, p *model.PIR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pirs[p.PIRNumber]; ok {
		return nil
	}
	for _, prev := range m.pirs {
		if prev.BagTag == p.BagTag && prev.Status == model.PIROpen {
			return faults.Wrap(faults.Permanent, ErrPIRExists)
		}
	}
	cp := *p
	m.pirs[p.PIRNumber] = &cp
	return nil
}

func (m *Memory) OpenPIRForBag(_ context.Context, bagTag string) (*model.PIR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pirs {
		if p.BagTag == bagTag && p.Status == model.PIROpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ClosePIR(_ context.Context, pirNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pirs[pirNumber]
	if p == nil || p.Status != model.PIROpen {
		return ErrNotFound
	}
	p.Status = model.PIRClosed
	return nil
}

func (m *Memory) RecordDebt(_ context.Context, scope, refID, reason string, payload []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.debts {
		if d.Scope == scope && d.RefID == refID && d.resolvedAt == nil {
			d.Attempts++
			d.Reason = reason
			return nil
		}
	}
	m.nextDebtID++
	if payload == nil {
		payload = []byte("{}")
	}
	m.debts = append(m.debts, &Debt{
		ID: m.nextDebtID, Scope: scope, RefID: refID, TargetStore: "graph",
		Reason: reason, Payload: payload, Attempts: 1, FirstFailedAt: at.UTC(),
	})
	return nil
}

func (m *Memory) OutstandingDebts(_ context.Context, limit int) ([]Debt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Debt
	for _, d := range m.debts {
		if d.resolvedAt == nil {
			out = append(out, *d)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ResolveDebt(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.debts {
		if d.ID == id && d.resolvedAt == nil {
			t := at.UTC()
			d.resolvedAt = &t
			return nil
		}
	}
	return nil
}

func (m *Memory) OutstandingDebtCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.debts {
		if d.resolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func stepKey(bagTag, step, eventID string) string {
	return strings.Join([]string{bagTag, step, eventID}, "|")
}

func (m *Memory) ClaimStep(_ context.Context, bagTag, step, eventID string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(bagTag, step, eventID)
	status, ok := m.steps[key]
	if !ok {
		m.steps[key] = StepPending
		return true, nil
	}
	return status == StepPending, nil
}

func (m *Memory) FinishStep(_ context.Context, bagTag, step, eventID, status, detail string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepKey(bagTag, step, eventID)
	m.steps[key] = status
	m.stepDetail[key] = detail
	return nil
}

func (m *Memory) PendingSteps(_ context.Context, bagTag string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for key, status := range m.steps {
		if status != StepPending {
			continue
		}
		parts := strings.SplitN(key, "|", 3)
		if parts[0] == bagTag && !seen[parts[1]] {
			seen[parts[1]] = true
			out = append(out, parts[1])
		}
	}
	sort.Strings(out)
	return out, nil
}
