// Package store is the authoritative relational store on PostgreSQL. Every
// mutation of the platform lands here first; the graph store only ever
// receives projections of rows this package has committed. Row-level locks
// (SELECT ... FOR UPDATE) serialize mutations of a single bag, and the
// event_id primary key on scan_events is the idempotency anchor the rest of
// the pipeline leans on.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownBag is returned when an event references a bag that does not
// exist and the event type may not create one. Permanent: the processor
// dead-letters the event.
var ErrUnknownBag = errors.New("unknown bag_tag")

const uniqueViolation = "23505"

// Store wraps the pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects, pings, and applies the schema. An unreachable store at
// startup is fatal.
func New(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, faults.Wrapf(faults.Fatal, "relational pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, faults.Wrapf(faults.Fatal, "relational ping: %w", err)
	}
	s := &Store{pool: pool, logger: logger.Named("store")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return faults.Wrapf(faults.Fatal, "apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Saturated reports whether more than 80% of the pool is in use. The
// ingest layer turns this into 429 backpressure.
func (s *Store) Saturated() bool {
	stat := s.pool.Stat()
	max := stat.MaxConns()
	if max <= 0 {
		return false
	}
	return float64(stat.AcquiredConns())/float64(max) > 0.8
}

// EventApplication is the outcome of applying one event to the relational
// store.
type EventApplication struct {
	Bag            *model.Bag
	AlreadyApplied bool // event_id seen before; nothing changed
	Created        bool // the event created the bag
	StatusChanged  bool
	PreviousStatus model.BagStatus
	Stale          bool // timestamp older than the bag's high-water mark
}

// ApplyEvent runs the relational half of record_event in one transaction:
// insert the scan row idempotently on event_id, row-lock the bag, apply the
// status transition table, and bump the derived fields. Out-of-order
// timestamps are recorded without regressing status, location or
// updated_at. An illegal transition rolls the whole transaction back and
// surfaces ErrInvalidTransition.
func (s *Store) ApplyEvent(ctx context.Context, ev *model.CanonicalEvent) (*EventApplication, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	app, err := s.applyEventTx(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, faults.Wrapf(faults.Transient, "commit: %w", err)
	}
	return app, nil
}

func (s *Store) applyEventTx(ctx context.Context, tx pgx.Tx, ev *model.CanonicalEvent) (*EventApplication, error) {
	bag, err := lockBag(ctx, tx, ev.BagTag)
	switch {
	case errors.Is(err, ErrNotFound):
		if !model.CreatesBag(ev.EventType) {
			return nil, faults.Wrap(faults.Permanent,
				fmt.Errorf("%w: %s referenced by %s event %s", ErrUnknownBag, ev.BagTag, ev.EventType, ev.EventID))
		}
		bag = nil
	case err != nil:
		return nil, err
	}

	if bag == nil {
		// The bag row must exist before the scan row (FK); a concurrent
		// create surfaces as a unique violation and is retried.
		bag = model.NewBag(ev)
		if err := insertBag(ctx, tx, bag); err != nil {
			return nil, err
		}
		if _, err := insertScan(ctx, tx, ev); err != nil {
			return nil, err
		}
		return &EventApplication{Bag: bag, Created: true, StatusChanged: true}, nil
	}

	inserted, err := insertScan(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &EventApplication{AlreadyApplied: true, Bag: bag}, nil
	}

	app := &EventApplication{}
	app.PreviousStatus = bag.Status
	if ev.Timestamp.Before(bag.UpdatedAt) {
		// Late arrival: keep the scan, do not regress derived fields.
		app.Stale = true
		bag.Version++
		if err := updateBagRow(ctx, tx, bag); err != nil {
			return nil, err
		}
		app.Bag = bag
		return app, nil
	}

	next, changed, err := model.NextStatus(bag.Status, ev)
	if err != nil {
		return nil, faults.Wrap(faults.Permanent, err)
	}
	if changed {
		bag.Status = next
		app.StatusChanged = true
	}
	if model.Locates(ev.EventType) {
		bag.CurrentLocation = ev.Location
	}
	bag.UpdatedAt = ev.Timestamp
	bag.Version++
	if err := updateBagRow(ctx, tx, bag); err != nil {
		return nil, err
	}
	app.Bag = bag
	return app, nil
}

func insertScan(ctx context.Context, tx pgx.Tx, ev *model.CanonicalEvent) (bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, faults.Wrapf(faults.Permanent, "encode event %s: %w", ev.EventID, err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO scan_events
			(event_id, bag_tag, scan_type, location, ts, source_system,
			 correlation_id, signal_strength, handler, annotations, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.BagTag, string(ev.EventType), ev.Location, ev.Timestamp.UTC(),
		ev.SourceSystem, ev.CorrelationID, ev.SignalStrength, ev.Handler,
		ev.Annotations, raw)
	if err != nil {
		return false, faults.Wrapf(faults.Transient, "insert scan %s: %w", ev.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const bagColumns = `bag_tag, routing, status, current_location, risk_score,
	passenger_ref, pnr, created_at, updated_at, version`

func scanBag(row pgx.Row) (*model.Bag, error) {
	var b model.Bag
	var status string
	err := row.Scan(&b.BagTag, &b.Routing, &status, &b.CurrentLocation, &b.RiskScore,
		&b.PassengerRef, &b.PNR, &b.CreatedAt, &b.UpdatedAt, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "scan bag row: %w", err)
	}
	b.Status = model.BagStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func lockBag(ctx context.Context, tx pgx.Tx, bagTag string) (*model.Bag, error) {
	return scanBag(tx.QueryRow(ctx,
		`SELECT `+bagColumns+` FROM bags WHERE bag_tag = $1 FOR UPDATE`, bagTag))
}

func insertBag(ctx context.Context, tx pgx.Tx, b *model.Bag) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bags (`+bagColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.BagTag, b.Routing, string(b.Status), b.CurrentLocation, b.RiskScore,
		b.PassengerRef, b.PNR, b.CreatedAt.UTC(), b.UpdatedAt.UTC(), b.Version)
	if err != nil {
		return faults.Wrapf(faults.Transient, "insert bag %s: %w", b.BagTag, err)
	}
	return nil
}

func updateBagRow(ctx context.Context, tx pgx.Tx, b *model.Bag) error {
	_, err := tx.Exec(ctx, `
		UPDATE bags SET routing = $2, status = $3, current_location = $4,
			risk_score = $5, passenger_ref = $6, pnr = $7, updated_at = $8,
			version = $9
		WHERE bag_tag = $1`,
		b.BagTag, b.Routing, string(b.Status), b.CurrentLocation, b.RiskScore,
		b.PassengerRef, b.PNR, b.UpdatedAt.UTC(), b.Version)
	if err != nil {
		return faults.Wrapf(faults.Transient, "update bag %s: %w", b.BagTag, err)
	}
	return nil
}

// UpsertBag inserts or updates a bag outside the event path (manifest
// preloads, administrative fixes). The version still increases on update.
func (s *Store) UpsertBag(ctx context.Context, b *model.Bag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bags (`+bagColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bag_tag) DO UPDATE SET
			routing = EXCLUDED.routing,
			status = EXCLUDED.status,
			current_location = EXCLUDED.current_location,
			passenger_ref = EXCLUDED.passenger_ref,
			pnr = EXCLUDED.pnr,
			updated_at = GREATEST(bags.updated_at, EXCLUDED.updated_at),
			version = bags.version + 1`,
		b.BagTag, b.Routing, string(b.Status), b.CurrentLocation, b.RiskScore,
		b.PassengerRef, b.PNR, b.CreatedAt.UTC(), b.UpdatedAt.UTC(), b.Version)
	if err != nil {
		return faults.Wrapf(faults.Transient, "upsert bag %s: %w", b.BagTag, err)
	}
	return nil
}

// GetBag fetches one bag.
func (s *Store) GetBag(ctx context.Context, bagTag string) (*model.Bag, error) {
	return scanBag(s.pool.QueryRow(ctx,
		`SELECT `+bagColumns+` FROM bags WHERE bag_tag = $1`, bagTag))
}

// BagFilter narrows ListBags.
type BagFilter struct {
	Status   string
	RiskMin  *float64
	RiskMax  *float64
	Location string
	Limit    int
	Offset   int
}

// ListBags returns bags matching the filter, newest first.
func (s *Store) ListBags(ctx context.Context, f BagFilter) ([]*model.Bag, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.RiskMin != nil {
		add("risk_score >= $%d", *f.RiskMin)
	}
	if f.RiskMax != nil {
		add("risk_score <= $%d", *f.RiskMax)
	}
	if f.Location != "" {
		add("current_location = $%d", f.Location)
	}

	query := `SELECT ` + bagColumns + ` FROM bags`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "list bags: %w", err)
	}
	defer rows.Close()

	var bags []*model.Bag
	for rows.Next() {
		b, err := scanBag(rows)
		if err != nil {
			return nil, err
		}
		bags = append(bags, b)
	}
	return bags, rows.Err()
}

// EventsForBag returns the committed scan events of one bag ordered by
// timestamp. This is the authoritative journey; the graph serves the same
// answer at lower latency.
func (s *Store) EventsForBag(ctx context.Context, bagTag string) ([]*model.CanonicalEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT raw_payload FROM scan_events WHERE bag_tag = $1 ORDER BY ts, event_id`, bagTag)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "events for %s: %w", bagTag, err)
	}
	defer rows.Close()

	var events []*model.CanonicalEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, faults.Wrapf(faults.Transient, "scan event row: %w", err)
		}
		var ev model.CanonicalEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, faults.Wrapf(faults.Permanent, "decode stored event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// BagsWithScanGap returns non-terminal bags that have not been scanned
// since cutoff and carry at least minRisk. The scan-gap sweep moves them to
// delayed.
func (s *Store) BagsWithScanGap(ctx context.Context, cutoff time.Time, minRisk float64) ([]*model.Bag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bagColumns+` FROM bags
		WHERE updated_at < $1 AND risk_score >= $2
		  AND status NOT IN ('claimed', 'archived', 'delayed')`,
		cutoff.UTC(), minRisk)
	if err != nil {
		return nil, faults.Wrapf(faults.Transient, "scan gap query: %w", err)
	}
	defer rows.Close()

	var bags []*model.Bag
	for rows.Next() {
		b, err := scanBag(rows)
		if err != nil {
			return nil, err
		}
		bags = append(bags, b)
	}
	return bags, rows.Err()
}

// MarkDelayed transitions a bag to delayed under its row lock. The boolean
// reports whether the transition happened (false when a fresher scan
// already moved the bag on).
func (s *Store) MarkDelayed(ctx context.Context, bagTag string, at time.Time) (*model.Bag, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, faults.Wrapf(faults.Transient, "begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	bag, err := lockBag(ctx, tx, bagTag)
	if err != nil {
		return nil, false, err
	}
	if !model.DelayedTransitionAllowed(bag.Status) {
		return bag, false, nil
	}
	bag.Status = model.StatusDelayed
	if at.After(bag.UpdatedAt) {
		bag.UpdatedAt = at
	}
	bag.Version++
	if err := updateBagRow(ctx, tx, bag); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, faults.Wrapf(faults.Transient, "commit: %w", err)
	}
	return bag, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
