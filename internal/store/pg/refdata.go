package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

// Reference-data stores: loads, trips, partner relationships, the directory,
// and read marks. The messaging core reads these tables; only the driver
// visibility setting and read marks are written here.

// PGLoadStore implements store.LoadStore.
type PGLoadStore struct {
	db *sql.DB
}

func NewPGLoadStore(db *sql.DB) *PGLoadStore { return &PGLoadStore{db: db} }

const loadColumns = `id, carrier_id, partner_company_id, assigned_driver_id, driver_visibility`

func (s *PGLoadStore) GetLoad(ctx context.Context, id uuid.UUID) (*messaging.Load, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loadColumns+` FROM loads WHERE id = $1`, id)
	return scanLoad(row.Scan)
}

func (s *PGLoadStore) ListByDriver(ctx context.Context, driverID uuid.UUID) ([]messaging.Load, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loadColumns+` FROM loads WHERE assigned_driver_id = $1`, driverID)
	if err != nil {
		return nil, fmt.Errorf("list loads by driver: %w", err)
	}
	defer rows.Close()

	var out []messaging.Load
	for rows.Next() {
		l, err := scanLoad(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PGLoadStore) SetDriverVisibility(ctx context.Context, loadID uuid.UUID, v messaging.Visibility) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE loads SET driver_visibility = $2 WHERE id = $1`, loadID, v)
	if err != nil {
		return fmt.Errorf("set driver visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return messaging.ErrNotFound
	}
	return nil
}

func scanLoad(scan func(...any) error) (*messaging.Load, error) {
	var (
		l                 messaging.Load
		partnerID, driver uuid.NullUUID
		vis               sql.NullString
	)
	if err := scan(&l.ID, &l.CarrierID, &partnerID, &driver, &vis); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan load: %w", err)
	}
	l.PartnerCompanyID = nullableID(partnerID)
	l.AssignedDriverID = nullableID(driver)
	if vis.Valid {
		v := messaging.Visibility(vis.String)
		l.DriverVisibility = &v
	}
	return &l, nil
}

// PGTripStore implements store.TripStore.
type PGTripStore struct {
	db *sql.DB
}

func NewPGTripStore(db *sql.DB) *PGTripStore { return &PGTripStore{db: db} }

func (s *PGTripStore) GetTrip(ctx context.Context, id uuid.UUID) (*messaging.Trip, error) {
	var t messaging.Trip
	err := s.db.QueryRowContext(ctx,
		`SELECT id, carrier_id FROM trips WHERE id = $1`, id).Scan(&t.ID, &t.CarrierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	return &t, nil
}

// PGPartnerStore implements store.PartnerStore.
type PGPartnerStore struct {
	db *sql.DB
}

func NewPGPartnerStore(db *sql.DB) *PGPartnerStore { return &PGPartnerStore{db: db} }

// GetPartner looks the relationship up in both directions; the row is stored
// once per pair.
func (s *PGPartnerStore) GetPartner(ctx context.Context, companyID, partnerCompanyID uuid.UUID) (*messaging.Partner, error) {
	var (
		p   messaging.Partner
		vis sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT company_id, partner_company_id, lock_driver_visibility, mandated_visibility, platform_member
		 FROM partners
		 WHERE (company_id = $1 AND partner_company_id = $2)
		    OR (company_id = $2 AND partner_company_id = $1)
		 LIMIT 1`,
		companyID, partnerCompanyID,
	).Scan(&p.CompanyID, &p.PartnerCompanyID, &p.LockDriverVisibility, &vis, &p.PlatformMember)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, messaging.ErrNotFound
		}
		return nil, fmt.Errorf("scan partner: %w", err)
	}
	if vis.Valid {
		p.MandatedVisibility = messaging.Visibility(vis.String)
	}
	return &p, nil
}

// PGDirectoryStore implements store.DirectoryStore over the name tables.
type PGDirectoryStore struct {
	db *sql.DB
}

func NewPGDirectoryStore(db *sql.DB) *PGDirectoryStore { return &PGDirectoryStore{db: db} }

func (s *PGDirectoryStore) UserName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM users WHERE id = $1`, id)
}

func (s *PGDirectoryStore) DriverName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM drivers WHERE id = $1`, id)
}

func (s *PGDirectoryStore) CompanyName(ctx context.Context, id uuid.UUID) (string, error) {
	return s.name(ctx, `SELECT name FROM companies WHERE id = $1`, id)
}

func (s *PGDirectoryStore) name(ctx context.Context, query string, id uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", messaging.ErrNotFound
		}
		return "", err
	}
	return name, nil
}

// PGReadMarkStore implements store.ReadMarkStore.
type PGReadMarkStore struct {
	db *sql.DB
}

func NewPGReadMarkStore(db *sql.DB) *PGReadMarkStore { return &PGReadMarkStore{db: db} }

func (s *PGReadMarkStore) LastRead(ctx context.Context, convID uuid.UUID, scope string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_at FROM read_marks WHERE conversation_id = $1 AND scope = $2`,
		convID, scope).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil // never read
		}
		return time.Time{}, fmt.Errorf("get read mark: %w", err)
	}
	return at, nil
}

func (s *PGReadMarkStore) SetLastRead(ctx context.Context, convID uuid.UUID, scope string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_marks (conversation_id, scope, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, scope)
		 DO UPDATE SET last_read_at = GREATEST(read_marks.last_read_at, EXCLUDED.last_read_at)`,
		convID, scope, at)
	if err != nil {
		return fmt.Errorf("set read mark: %w", err)
	}
	return nil
}
