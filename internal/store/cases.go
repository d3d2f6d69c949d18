package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// ErrCaseExists is returned when a bag already has an open case.
var ErrCaseExists = errors.New("open case already exists for bag")

// InsertCase opens a new exception case. The partial unique index enforces
// at most one open case per bag; a second open attempt returns
// ErrCaseExists.
func (s *Store) InsertCase(ctx context.Context, c *model.ExceptionCase) error {
	timeline, err := json.Marshal(c.Timeline)
	if err != nil {
		return faults.Wrapf(faults.Permanent, "encode timeline: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO exception_cases
			(case_id, bag_tag, case_type, priority, status, assignee,
			 sla_deadline, timeline, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.CaseID, c.BagTag, c.CaseType, string(c.Priority), string(c.Status),
		c.Assignee, c.SLADeadline.UTC(), timeline, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return faults.Wrap(faults.Permanent, ErrCaseExists)
	}
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert case %s: %w", c.CaseID, err)
	}
	return nil
}

const caseColumns = `case_id, bag_tag, case_type, priority, status, assignee,
	sla_deadline, timeline, created_at, updated_at`

func scanCase(row pgx.Row) (*model.ExceptionCase, error) {
	var c model.ExceptionCase
	var priority, status string
	var timeline []byte
	err := row.Scan(&c.CaseID, &c.BagTag, &c.CaseType, &priority, &status,
		&c.Assignee, &c.SLADeadline, &timeline, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "scan case row: %w", err)
	}
	c.Priority = model.CasePriority(priority)
	c.Status = model.CaseStatus(status)
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &c.Timeline); err != nil {
			return nil, faults.Wrapf(faults.Permanent, "decode timeline: %w", err)
		}
	}
	c.SLADeadline = c.SLADeadline.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// GetCase fetches one case by id.
func (s *Store) GetCase(ctx context.Context, caseID string) (*model.ExceptionCase, error) {
	return scanCase(s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM exception_cases WHERE case_id = $1`, caseID))
}

// OpenCaseForBag returns the bag's open case, if any.
func (s *Store) OpenCaseForBag(ctx context.Context, bagTag string) (*model.ExceptionCase, error) {
	return scanCase(s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM exception_cases
		WHERE bag_tag = $1 AND status IN ('open', 'in_progress')`, bagTag))
}

// UpdateCase applies a patch under the case's row lock. Status changes
// outside the open → in_progress → (resolved|closed) edges fail with
// ErrInvalidTransition; reopening is forbidden.
func (s *Store) UpdateCase(ctx context.Context, caseID string, patch model.CasePatch, now time.Time) (*model.ExceptionCase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	c, err := scanCase(tx.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM exception_cases WHERE case_id = $1 FOR UPDATE`, caseID))
	if err != nil {
		return nil, err
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

	timeline, err := json.Marshal(c.Timeline)
	if err != nil {
		return nil, faults.Wrapf(faults.Permanent, "encode timeline: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE exception_cases
		SET priority = $2, status = $3, assignee = $4, timeline = $5, updated_at = $6
		WHERE case_id = $1`,
		caseID, string(c.Priority), string(c.Status), c.Assignee, timeline, c.UpdatedAt)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "update case %s: %w", caseID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, faults.Wrapf(faults.Transient, "commit: %w", err)
	}
	return c, nil
}
