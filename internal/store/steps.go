package store

import (
	"context"
	"time"

	"github.com/skytrace/backend/internal/faults"
)

// Workflow step statuses. A step row keyed (bag_tag, step, event_id) is
// the orchestrator's idempotency anchor: re-entering a completed step is a
// no-op, and a pending step is retried on the bag's next event.
const (
	StepDone    = "done"
	StepPending = "pending"
	StepSkipped = "skipped"
)

// ClaimStep records that the step is being attempted for this event. The
// boolean is false when the step already completed (or was skipped) for
// the same idempotency key, in which case the orchestrator must not run it
// again.
func (s *Store) ClaimStep(ctx context.Context, bagTag, step, eventID string, now time.Time) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_steps (bag_tag, step, event_id, status, updated_at)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (bag_tag, step, event_id) DO UPDATE SET updated_at = workflow_steps.updated_at
		RETURNING status`,
		bagTag, step, eventID, now.UTC()).Scan(&status)
	if err != nil {
		return false, faults.Wrapf(faults.Transient, "claim step %s/%s: %w", bagTag, step, err)
	}
	return status == StepPending, nil
}

// FinishStep records the step's terminal status for this event.
func (s *Store) FinishStep(ctx context.Context, bagTag, step, eventID, status, detail string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_steps SET status = $4, detail = $5, updated_at = $6
		WHERE bag_tag = $1 AND step = $2 AND event_id = $3`,
		bagTag, step, eventID, status, detail, now.UTC())
	if err != nil {
		return faults.Wrapf(faults.Transient, "finish step %s/%s: %w", bagTag, step, err)
	}
	return nil
}

// PendingSteps lists steps recorded pending for a bag, oldest first. The
// orchestrator re-drives them when the bag's next event arrives.
func (s *Store) PendingSteps(ctx context.Context, bagTag string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT step FROM workflow_steps
		WHERE bag_tag = $1 AND status = 'pending'`, bagTag)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "pending steps for %s: %w", bagTag, err)
	}
	defer rows.Close()

	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, faults.Wrapf(faults.Transient, "scan step row: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
