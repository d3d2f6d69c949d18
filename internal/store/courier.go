package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

const dispatchColumns = `dispatch_id, bag_tag, destination_address, cost_estimate,
	compensation_risk, status, requires_approval, approved_by, booking_ref,
	created_at, updated_at`

func scanDispatch(row pgx.Row) (*model.CourierDispatch, error) {
	var d model.CourierDispatch
	var status string
	err := row.Scan(&d.DispatchID, &d.BagTag, &d.DestinationAddress, &d.CostEstimate,
		&d.CompensationRisk, &status, &d.RequiresApproval, &d.ApprovedBy,
		&d.BookingRef, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "scan dispatch row: %w", err)
	}
	d.Status = model.DispatchStatus(status)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// InsertDispatch records a new courier dispatch, idempotent on dispatch_id.
func (s *Store) InsertDispatch(ctx context.Context, d *model.CourierDispatch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_dispatches (`+dispatchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dispatch_id) DO NOTHING`,
		d.DispatchID, d.BagTag, d.DestinationAddress, d.CostEstimate,
		d.CompensationRisk, string(d.Status), d.RequiresApproval, d.ApprovedBy,
		d.BookingRef, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert dispatch %s: %w", d.DispatchID, err)
	}
	return nil
}

// GetDispatch fetches one dispatch.
func (s *Store) GetDispatch(ctx context.Context, dispatchID string) (*model.CourierDispatch, error) {
	return scanDispatch(s.pool.QueryRow(ctx,
		`SELECT `+dispatchColumns+` FROM courier_dispatches WHERE dispatch_id = $1`, dispatchID))
}

// ActiveDispatchForBag returns the bag's non-terminal dispatch, if any.
// The courier step uses it to avoid double-dispatching.
func (s *Store) ActiveDispatchForBag(ctx context.Context, bagTag string) (*model.CourierDispatch, error) {
	return scanDispatch(s.pool.QueryRow(ctx, `
		SELECT `+dispatchColumns+` FROM courier_dispatches
		WHERE bag_tag = $1 AND status NOT IN ('delivered', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, bagTag))
}

// UpdateDispatch persists status/approval/booking changes. A dispatch that
// requires approval may not leave pending_approval without an approval
// record; the guard lives here so no caller can bypass it.
func (s *Store) UpdateDispatch(ctx context.Context, d *model.CourierDispatch) error {
	if d.RequiresApproval && d.Status != model.DispatchPendingApproval &&
		d.Status != model.DispatchCancelled && d.ApprovedBy == "" {
		return faults.Wrapf(faults.Permanent,
			"dispatch %s requires approval before %s", d.DispatchID, d.Status)
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_dispatches
		SET status = $2, approved_by = $3, booking_ref = $4, updated_at = $5
		WHERE dispatch_id = $1`,
		d.DispatchID, string(d.Status), d.ApprovedBy, d.BookingRef, d.UpdatedAt)
	if err != nil {
		return faults.Wrapf(faults.Transient, "update dispatch %s: %w", d.DispatchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertApprovalRequest records the durable gate for a dispatch awaiting a
// human decision. Idempotent on dispatch_id.
func (s *Store) InsertApprovalRequest(ctx context.Context, r *model.ApprovalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approval_requests (dispatch_id, bag_tag, cost_value, requested_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dispatch_id) DO NOTHING`,
		r.DispatchID, r.BagTag, r.CostValue, r.RequestedAt.UTC())
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert approval request %s: %w", r.DispatchID, err)
	}
	return nil
}

// PendingApproval is one dispatch awaiting a decision, as listed for the
// operations queue.
type PendingApproval struct {
	Dispatch    model.CourierDispatch `json:"dispatch"`
	CostValue   float64               `json:"cost_value"`
	RequestedAt time.Time             `json:"requested_at"`
}

// PendingApprovals lists undecided approval requests, oldest first.
func (s *Store) PendingApprovals(ctx context.Context) ([]PendingApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualifiedDispatchColumns+`, r.cost_value, r.requested_at
		FROM approval_requests r
		JOIN courier_dispatches d ON d.dispatch_id = r.dispatch_id
		WHERE r.decided_at IS NULL
		ORDER BY r.requested_at`)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "pending approvals: %w", err)
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		var p PendingApproval
		var status string
		err := rows.Scan(&p.Dispatch.DispatchID, &p.Dispatch.BagTag,
			&p.Dispatch.DestinationAddress, &p.Dispatch.CostEstimate,
			&p.Dispatch.CompensationRisk, &status, &p.Dispatch.RequiresApproval,
			&p.Dispatch.ApprovedBy, &p.Dispatch.BookingRef,
			&p.Dispatch.CreatedAt, &p.Dispatch.UpdatedAt,
			&p.CostValue, &p.RequestedAt)
		if err != nil {
			return nil, faults.Wrapf(faults.Transient, "scan pending approval: %w", err)
		}
		p.Dispatch.Status = model.DispatchStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

const qualifiedDispatchColumns = `d.dispatch_id, d.bag_tag, d.destination_address,
	d.cost_estimate, d.compensation_risk, d.status, d.requires_approval,
	d.approved_by, d.booking_ref, d.created_at, d.updated_at`

// DecideApproval stamps the decision on an undecided request. The boolean
// reports whether this call decided it (false when already decided, which
// keeps approval events idempotent).
func (s *Store) DecideApproval(ctx context.Context, dispatchID, decision, approver string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests
		SET decided_at = $2, decision = $3, approver = $4
		WHERE dispatch_id = $1 AND decided_at IS NULL`,
		dispatchID, at.UTC(), decision, approver)
	if err != nil {
		return false, faults.Wrapf(faults.Transient, "decide approval %s: %w", dispatchID, err)
	}
	return tag.RowsAffected() == 1, nil
}
