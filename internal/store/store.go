// Package store provides database access for the control plane.
//
// # Design
//
// The store uses raw SQL with pgx. It is the source of truth for
// organizations, devices and network instances; nothing in memory duplicates
// that state authoritatively. Mutations that must be serialized per device
// (instance creation, enable/disable) take a row-level lock on the owning
// device row inside a transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store with the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewFromURL creates a store by connecting to the given database URL.
func NewFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for migrations and diagnostics.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// storeErr wraps a database failure so callers can classify it with
// errors.Is(err, types.ErrStoreUnavailable).
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, op, err)
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *types.Organization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (id, name, created_at)
		VALUES ($1, $2, $3)
	`, org.ID, org.Name, org.CreatedAt)
	if err != nil {
		return storeErr("creating organization", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*types.Organization, error) {
	var org types.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at FROM organizations WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: organization %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeErr("getting organization", err)
	}
	return &org, nil
}

// RenameOrganization updates an organization's name.
func (s *Store) RenameOrganization(ctx context.Context, id, name string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE organizations SET name = $2 WHERE id = $1
	`, id, name)
	if err != nil {
		return storeErr("renaming organization", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: organization %s", types.ErrNotFound, id)
	}
	return nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]types.Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, created_at FROM organizations ORDER BY name
	`)
	if err != nil {
		return nil, storeErr("listing organizations", err)
	}
	defer rows.Close()

	var orgs []types.Organization
	for rows.Next() {
		var org types.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, storeErr("scanning organization", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// =============================================================================
// DEVICES
// =============================================================================

const deviceColumns = `
	id, name, serial_number, device_type, status, organization_id,
	hostname, client_version, last_heartbeat, location, created_at, updated_at`

func scanDevice(row pgx.Row) (*types.Device, error) {
	var d types.Device
	var locJSON []byte
	err := row.Scan(
		&d.ID, &d.Name, &d.SerialNumber, &d.DeviceType, &d.Status, &d.OrganizationID,
		&d.Hostname, &d.ClientVersion, &d.LastHeartbeat, &locJSON, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(locJSON) > 0 {
		var loc types.Location
		if json.Unmarshal(locJSON, &loc) == nil {
			d.Location = &loc
		}
	}
	return &d, nil
}

// CreateDevice inserts a new device row.
func (s *Store) CreateDevice(ctx context.Context, d *types.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, name, serial_number, device_type, status, organization_id, hostname, client_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, d.ID, d.Name, d.SerialNumber, d.DeviceType, d.Status, d.OrganizationID, d.Hostname, d.ClientVersion, time.Now())
	if err != nil {
		return storeErr("creating device", err)
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT`+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeErr("getting device", err)
	}
	return d, nil
}

// GetDeviceBySerial retrieves a device by serial number.
// Returns (nil, nil) when no device with that serial exists.
func (s *Store) GetDeviceBySerial(ctx context.Context, serial string) (*types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT`+deviceColumns+` FROM devices WHERE serial_number = $1`, serial))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("getting device by serial", err)
	}
	return d, nil
}

// ListDevicesByOrganization returns an organization's devices ordered by name.
func (s *Store) ListDevicesByOrganization(ctx context.Context, orgID string) ([]types.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+deviceColumns+` FROM devices WHERE organization_id = $1 ORDER BY name, id`, orgID)
	if err != nil {
		return nil, storeErr("listing devices", err)
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, storeErr("scanning device", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// TransitionDeviceStatus updates a device's status only if it still has the
// expected current status. Returns ErrConflict when another writer moved the
// device first; the registry retries after re-reading.
func (s *Store) TransitionDeviceStatus(ctx context.Context, id string, from, to types.DeviceStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return storeErr("transitioning device status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device %s no longer %s", types.ErrConflict, id, from)
	}
	return nil
}

// SetDeviceOrganization assigns a device to an organization (approval path).
func (s *Store) SetDeviceOrganization(ctx context.Context, id, orgID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET organization_id = $2, updated_at = NOW() WHERE id = $1
	`, id, orgID)
	if err != nil {
		return storeErr("assigning device organization", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	return nil
}

// UpdateDeviceHeartbeat mirrors heartbeat fields onto the device row.
func (s *Store) UpdateDeviceHeartbeat(ctx context.Context, id string, at time.Time, hostname, clientVersion string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET last_heartbeat = $2, hostname = $3, client_version = $4, updated_at = NOW()
		WHERE id = $1
	`, id, at, hostname, clientVersion)
	if err != nil {
		return storeErr("updating device heartbeat", err)
	}
	return nil
}

// UpdateDeviceLocation stores a freshly resolved location.
func (s *Store) UpdateDeviceLocation(ctx context.Context, id string, loc types.Location) error {
	locJSON, _ := json.Marshal(loc)
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET location = $2, updated_at = NOW() WHERE id = $1
	`, id, locJSON)
	if err != nil {
		return storeErr("updating device location", err)
	}
	return nil
}

// SetDeviceAuthTokenHash stores the bcrypt hash of a device's auth token.
func (s *Store) SetDeviceAuthTokenHash(ctx context.Context, id, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET auth_token_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, hash)
	if err != nil {
		return storeErr("setting device auth token", err)
	}
	return nil
}

// GetDeviceAuthTokenHash returns the stored bcrypt hash for a device, or ""
// if none is set.
func (s *Store) GetDeviceAuthTokenHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(auth_token_hash, '') FROM devices WHERE id = $1
	`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	if err != nil {
		return "", storeErr("getting device auth token", err)
	}
	return hash, nil
}

// DeleteDevice removes a device; network instances cascade at the schema level.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return storeErr("deleting device", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	return nil
}
