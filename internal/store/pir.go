package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

// ErrPIRExists is returned when a bag already has an open PIR.
var ErrPIRExists = errors.New("open PIR already exists for bag")

// InsertPIR records a filed report. The partial unique index enforces at
// most one open PIR per bag.
func (s *Store) InsertPIR(ctx context.Context, p *model.PIR) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pirs (pir_number, bag_tag, type, status, filed_at, last_known_location, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pir_number) DO NOTHING`,
		p.PIRNumber, p.BagTag, string(p.Type), string(p.Status), p.FiledAt.UTC(),
		p.LastKnownLocation, p.Description)
	if isUniqueViolation(err) {
		return faults.Wrap(faults.Permanent, ErrPIRExists)
	}
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert pir %s: %w", p.PIRNumber, err)
	}
	return nil
}

func scanPIR(row pgx.Row) (*model.PIR, error) {
	var p model.PIR
	var typ, status string
	err := row.Scan(&p.PIRNumber, &p.BagTag, &typ, &status, &p.FiledAt,
		&p.LastKnownLocation, &p.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "scan pir row: %w", err)
	}
	p.Type = model.PIRType(typ)
	p.Status = model.PIRStatus(status)
	p.FiledAt = p.FiledAt.UTC()
	return &p, nil
}

// OpenPIRForBag returns the bag's open report, if any.
func (s *Store) OpenPIRForBag(ctx context.Context, bagTag string) (*model.PIR, error) {
	return scanPIR(s.pool.QueryRow(ctx, `
		SELECT pir_number, bag_tag, type, status, filed_at, last_known_location, description
		FROM pirs WHERE bag_tag = $1 AND status = 'open'`, bagTag))
}

// ClosePIR closes a report on recovery.
func (s *Store) ClosePIR(ctx context.Context, pirNumber string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pirs SET status = 'closed' WHERE pir_number = $1 AND status = 'open'`, pirNumber)
	if err != nil {
		return faults.Wrapf(faults.Transient, "close pir %s: %w", pirNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
