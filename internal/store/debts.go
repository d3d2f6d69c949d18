package store

import (
	"context"
	"time"

	"github.com/skytrace/backend/internal/faults"
)

// Debt is one reconciliation debt row: a graph projection that failed
// after retries and awaits repair by the background reconciler.
type Debt struct {
	ID            int64     `json:"id"`
	Scope         string    `json:"scope"` // event, bag, risk, case, dispatch, pir
	RefID         string    `json:"ref_id"`
	TargetStore   string    `json:"target_store"`
	Reason        string    `json:"reason"`
	Payload       []byte    `json:"-"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`

	resolvedAt *time.Time // set only by the in-memory store
}

// RecordDebt upserts an open debt for (scope, ref_id), bumping the attempt
// counter when the projection keeps failing.
func (s *Store) RecordDebt(ctx context.Context, scope, refID, reason string, payload []byte, at time.Time) error {
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_debts (scope, ref_id, reason, payload, first_failed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, ref_id) WHERE resolved_at IS NULL
		DO UPDATE SET attempts = reconciliation_debts.attempts + 1, reason = EXCLUDED.reason`,
		scope, refID, reason, payload, at.UTC())
	if err != nil {
		return faults.Wrapf(faults.Transient, "record debt %s/%s: %w", scope, refID, err)
	}
	return nil
}

// OutstandingDebts lists unresolved debts, oldest first.
func (s *Store) OutstandingDebts(ctx context.Context, limit int) ([]Debt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scope, ref_id, target_store, reason, payload, attempts, first_failed_at
		FROM reconciliation_debts
		WHERE resolved_at IS NULL
		ORDER BY first_failed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "outstanding debts: %w", err)
	}
	defer rows.Close()

	var debts []Debt
	for rows.Next() {
		var d Debt
		if err := rows.Scan(&d.ID, &d.Scope, &d.RefID, &d.TargetStore, &d.Reason,
			&d.Payload, &d.Attempts, &d.FirstFailedAt); err != nil {
			return nil, faults.Wrapf(faults.Transient, "scan debt row: %w", err)
		}
		d.FirstFailedAt = d.FirstFailedAt.UTC()
		debts = append(debts, d)
	}
	return debts, rows.Err()
}

// ResolveDebt marks one debt repaired.
func (s *Store) ResolveDebt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE reconciliation_debts SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`,
		id, at.UTC())
	if err != nil {
		return faults.Wrapf(faults.Transient, "resolve debt %d: %w", id, err)
	}
	return nil
}

// OutstandingDebtCount feeds the reconciliation gauge.
func (s *Store) OutstandingDebtCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM reconciliation_debts WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, faults.Wrapf(faults.Transient, "debt count: %w", err)
	}
	return n, nil
}
