package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func scan(id, bagTag string, et model.EventType, at time.Time) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		EventID:      id,
		Timestamp:    at,
		BagTag:       bagTag,
		Location:     "LHR-T5-CHECKIN",
		EventType:    et,
		SourceSystem: "test",
	}
}

func TestApplyEvent_CheckInCreatesOnceOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	app, err := m.ApplyEvent(ctx, scan("ev-1", "0125123456", model.EventCheckIn, t0))
	require.NoError(t, err)
	assert.True(t, app.Created)
	assert.Equal(t, model.StatusCheckedIn, app.Bag.Status)
	assert.EqualValues(t, 1, app.Bag.Version)

	_, err = m.ApplyEvent(ctx, scan("ev-2", "0125123456", model.EventCheckIn, t0.Add(time.Minute)))
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestApplyEvent_UnknownBagIsPermanent(t *testing.T) {
	m := NewMemory()
	_, err := m.ApplyEvent(context.Background(), scan("ev-1", "0125999999", model.EventSortation, t0))
	require.ErrorIs(t, err, ErrUnknownBag)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))
}

func TestApplyEvent_ReplayedEventIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.ApplyEvent(ctx, scan("ev-1", "0125123456", model.EventCheckIn, t0))
	require.NoError(t, err)

	ev := scan("ev-2", "0125123456", model.EventSortation, t0.Add(time.Minute))
	first, err := m.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, first.StatusChanged)

	again, err := m.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, again.AlreadyApplied)
	assert.Equal(t, first.Bag.Version, again.Bag.Version)

	events, err := m.EventsForBag(ctx, "0125123456")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestApplyEvent_LateScanKeptWithoutRegressingStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.ApplyEvent(ctx, scan("ev-1", "0125123456", model.EventCheckIn, t0))
	require.NoError(t, err)
	_, err = m.ApplyEvent(ctx, scan("ev-2", "0125123456", model.EventSortation, t0.Add(10*time.Minute)))
	require.NoError(t, err)

	// A scan timestamped before the last update is recorded but does not
	// move the bag.
	late, err := m.ApplyEvent(ctx, scan("ev-3", "0125123456", model.EventClaim, t0.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.True(t, late.Stale)
	assert.Equal(t, model.StatusInTransit, late.Bag.Status)

	events, err := m.EventsForBag(ctx, "0125123456")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestApplyEvent_ApprovalDecisionDoesNotMoveBag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.ApplyEvent(ctx, scan("ev-1", "0125123456", model.EventCheckIn, t0))
	require.NoError(t, err)

	approval := scan("ev-2", "0125123456", model.EventApprovalGranted, t0.Add(time.Hour))
	approval.Location = "OPS-APPROVAL-DESK"
	approval.Payload = &model.ApprovalPayload{DispatchID: "disp-1", Approver: "duty-mgr-7"}
	app, err := m.ApplyEvent(ctx, approval)
	require.NoError(t, err)
	assert.False(t, app.StatusChanged)
	assert.Equal(t, "LHR-T5-CHECKIN", app.Bag.CurrentLocation)
}

func TestUpdateDispatch_ApprovalGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	d := &model.CourierDispatch{
		DispatchID:       "disp-1",
		BagTag:           "0125123456",
		Status:           model.DispatchPendingApproval,
		RequiresApproval: true,
		CreatedAt:        t0,
	}
	require.NoError(t, m.InsertDispatch(ctx, d))

	// Booking without a recorded approver is refused.
	d.Status = model.DispatchBooked
	err := m.UpdateDispatch(ctx, d)
	require.Error(t, err)
	assert.Equal(t, faults.Permanent, faults.KindOf(err))

	d.ApprovedBy = "duty-mgr-7"
	require.NoError(t, m.UpdateDispatch(ctx, d))

	got, err := m.GetDispatch(ctx, "disp-1")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchBooked, got.Status)
}

func TestBagsWithScanGap_FiltersRiskAndState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seed := func(bagTag string, risk float64) {
		_, err := m.ApplyEvent(ctx, scan("ev-"+bagTag, bagTag, model.EventCheckIn, t0))
		require.NoError(t, err)
		require.NoError(t, m.InsertRisk(ctx, &model.RiskAssessment{
			BagTag: bagTag, AssessedAt: t0, Score: risk,
		}))
	}
	seed("0125000001", 0.85)
	seed("0125000002", 0.2)

	quiet, err := m.BagsWithScanGap(ctx, t0.Add(time.Hour), 0.7)
	require.NoError(t, err)
	require.Len(t, quiet, 1)
	assert.Equal(t, "0125000001", quiet[0].BagTag)

	// Once delayed, the bag leaves the sweep's view.
	_, marked, err := m.MarkDelayed(ctx, "0125000001", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, marked)

	quiet, err = m.BagsWithScanGap(ctx, t0.Add(3*time.Hour), 0.7)
	require.NoError(t, err)
	assert.Empty(t, quiet)
}

func TestListBags_RiskBandFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i, risk := range []float64{0.1, 0.5, 0.9} {
		bagTag := string(rune('1'+i)) + "125000000"
		_, err := m.ApplyEvent(ctx, scan("ev-"+bagTag, bagTag, model.EventCheckIn, t0))
		require.NoError(t, err)
		require.NoError(t, m.InsertRisk(ctx, &model.RiskAssessment{
			BagTag: bagTag, AssessedAt: t0, Score: risk,
		}))
	}

	min, max := 0.3, 0.8
	bags, err := m.ListBags(ctx, BagFilter{RiskMin: &min, RiskMax: &max, Limit: 10})
	require.NoError(t, err)
	require.Len(t, bags, 1)
	assert.InDelta(t, 0.5, bags[0].RiskScore, 1e-9)
}
