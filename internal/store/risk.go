package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// InsertRisk appends one assessment and pins the bag's current risk_score
// to it. Idempotent on (bag_tag, assessed_at): reprocessing the same event
// produces the same timestamp and collapses into the existing row.
func (s *Store) InsertRisk(ctx context.Context, a *model.RiskAssessment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return faults.Wrapf(faults.Transient, "begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO risk_assessments
			(bag_tag, assessed_at, score, level, factors, confidence, algorithm_version, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (bag_tag, assessed_at) DO NOTHING`,
		a.BagTag, a.AssessedAt.UTC(), a.Score, string(a.Level), a.Factors,
		a.Confidence, a.AlgorithmVersion, a.EventID)
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert risk for %s: %w", a.BagTag, err)
	}
	if tag.RowsAffected() == 1 {
		// The latest assessment defines Bag.risk_score.
		_, err = tx.Exec(ctx, `
			UPDATE bags SET risk_score = $2, version = version + 1
			WHERE bag_tag = $1
			  AND NOT EXISTS (
				SELECT 1 FROM risk_assessments
				WHERE bag_tag = $1 AND assessed_at > $3)`,
			a.BagTag, a.Score, a.AssessedAt.UTC())
		if err != nil {
			return faults.Wrapf(faults.Transient, "update bag risk %s: %w", a.BagTag, err)
		}
	}
	return faults.Wrap(faults.Transient, tx.Commit(ctx))
}

// LatestRisk returns the most recent assessment for a bag.
func (s *Store) LatestRisk(ctx context.Context, bagTag string) (*model.RiskAssessment, error) {
	var a model.RiskAssessment
	var level string
	err := s.pool.QueryRow(ctx, `
		SELECT bag_tag, assessed_at, score, level, factors, confidence, algorithm_version, event_id
		FROM risk_assessments WHERE bag_tag = $1
		ORDER BY assessed_at DESC LIMIT 1`, bagTag).
		Scan(&a.BagTag, &a.AssessedAt, &a.Score, &level, &a.Factors,
			&a.Confidence, &a.AlgorithmVersion, &a.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "latest risk for %s: %w", bagTag, err)
	}
	a.Level = model.RiskLevel(level)
	a.AssessedAt = a.AssessedAt.UTC()
	return &a, nil
}
