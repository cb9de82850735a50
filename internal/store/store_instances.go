package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// =============================================================================
// NETWORK INSTANCES
// =============================================================================
//
// All mutations here lock the owning device row (SELECT ... FOR UPDATE) so
// two concurrent administrative calls for the same device serialize at the
// store and cannot both pass the capacity check. Enable/disable additionally
// carries an optimistic version check so a stale admin client loses with
// ErrConflict instead of silently overwriting.

const instanceColumns = `
	id, device_id, config, enabled, virtual_address, version, created_at, updated_at`

func scanInstance(row pgx.Row) (*types.NetworkInstance, error) {
	var inst types.NetworkInstance
	var configJSON []byte
	err := row.Scan(
		&inst.ID, &inst.DeviceID, &configJSON, &inst.Enabled,
		&inst.VirtualAddress, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &inst.Config); err != nil {
		return nil, fmt.Errorf("decoding instance config: %w", err)
	}
	return &inst, nil
}

// virtualAddrLockID keys the pool-wide advisory lock serializing virtual
// address allocation. The per-device row lock is not enough: two creates for
// different devices would otherwise read the same committed address set and
// pick the same lowest free host.
const virtualAddrLockID = 0x6d635061 // "mcPa", arbitrary but stable

// lockDevice takes the per-device row lock that serializes instance
// mutations. Returns ErrNotFound if the device does not exist.
func lockDevice(ctx context.Context, tx pgx.Tx, deviceID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM devices WHERE id = $1 FOR UPDATE`, deviceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, deviceID)
	}
	if err != nil {
		return storeErr("locking device row", err)
	}
	return nil
}

// CreateNetworkInstance persists a new instance for a device, enforcing the
// per-device cap and assigning a virtual address from the given prefix.
// The write either fully succeeds or leaves no row behind.
func (s *Store) CreateNetworkInstance(ctx context.Context, inst *types.NetworkInstance, maxInstances int, addrPool netip.Prefix) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("starting transaction", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	if err := lockDevice(ctx, tx, inst.DeviceID); err != nil {
		return err
	}

	var count int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM network_instances WHERE device_id = $1
	`, inst.DeviceID).Scan(&count); err != nil {
		return storeErr("counting instances", err)
	}
	if count >= maxInstances {
		return fmt.Errorf("%w: device %s already has %d of %d instances",
			types.ErrCapacityExceeded, inst.DeviceID, count, maxInstances)
	}

	addr, err := nextVirtualAddress(ctx, tx, addrPool)
	if err != nil {
		return err
	}
	inst.VirtualAddress = addr

	configJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encoding instance config: %w", err)
	}

	now := time.Now()
	inst.Version = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO network_instances (id, device_id, config, enabled, virtual_address, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, inst.ID, inst.DeviceID, configJSON, inst.Enabled, inst.VirtualAddress, inst.Version, now); err != nil {
		return storeErr("inserting instance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("committing instance insert", err)
	}
	return nil
}

// nextVirtualAddress picks the lowest free host address in the pool prefix.
// It takes a pool-wide advisory lock for the rest of the transaction so two
// concurrent creates (for any devices) serialize their used-set read against
// each other's insert; the partial unique index on virtual_address is the
// schema-level backstop.
func nextVirtualAddress(ctx context.Context, tx pgx.Tx, pool netip.Prefix) (string, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, virtualAddrLockID); err != nil {
		return "", storeErr("locking address pool", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT virtual_address FROM network_instances WHERE virtual_address <> ''
	`)
	if err != nil {
		return "", storeErr("reading virtual addresses", err)
	}
	defer rows.Close()

	used := make(map[netip.Addr]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", storeErr("scanning virtual address", err)
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			used[p.Addr()] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", storeErr("reading virtual addresses", err)
	}

	return pickVirtualAddress(used, pool)
}

// pickVirtualAddress walks the pool for the lowest free host address,
// skipping the network address and, for IPv4 pools, the broadcast address.
func pickVirtualAddress(used map[netip.Addr]bool, pool netip.Prefix) (string, error) {
	var broadcast netip.Addr
	if pool.Addr().Is4() && pool.Bits() < 31 {
		broadcast = lastAddr(pool)
	}

	for addr := pool.Addr().Next(); pool.Contains(addr); addr = addr.Next() {
		if addr == broadcast {
			break
		}
		if !used[addr] {
			return netip.PrefixFrom(addr, pool.Bits()).String(), nil
		}
	}
	return "", fmt.Errorf("%w: virtual address pool %s exhausted", types.ErrCapacityExceeded, pool)
}

// lastAddr returns the highest address the IPv4 prefix contains.
func lastAddr(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	for i := 0; i < 32-p.Bits(); i++ {
		a[3-i/8] |= 1 << (i % 8)
	}
	return netip.AddrFrom4(a)
}

// GetNetworkInstance retrieves one instance, scoped to its owning device.
func (s *Store) GetNetworkInstance(ctx context.Context, deviceID, instanceID string) (*types.NetworkInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT`+instanceColumns+` FROM network_instances WHERE id = $1 AND device_id = $2`,
		instanceID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s on device %s", types.ErrNotFound, instanceID, deviceID)
	}
	if err != nil {
		return nil, storeErr("getting instance", err)
	}
	return inst, nil
}

// ListNetworkInstances returns all instances for a device, oldest first.
func (s *Store) ListNetworkInstances(ctx context.Context, deviceID string) ([]types.NetworkInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+instanceColumns+` FROM network_instances WHERE device_id = $1 ORDER BY created_at, id`,
		deviceID)
	if err != nil {
		return nil, storeErr("listing instances", err)
	}
	defer rows.Close()

	var instances []types.NetworkInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storeErr("scanning instance", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// ListEnabledNetworkInstances returns the device's enabled instances. The
// reconciler reads this fresh on every heartbeat; it is never cached.
func (s *Store) ListEnabledNetworkInstances(ctx context.Context, deviceID string) ([]types.NetworkInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+instanceColumns+` FROM network_instances WHERE device_id = $1 AND enabled ORDER BY created_at, id`,
		deviceID)
	if err != nil {
		return nil, storeErr("listing enabled instances", err)
	}
	defer rows.Close()

	var instances []types.NetworkInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storeErr("scanning instance", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// ListNetworkInstancesForOrganization returns every instance owned by
// devices of the given organization.
func (s *Store) ListNetworkInstancesForOrganization(ctx context.Context, orgID string) ([]types.NetworkInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+instanceColumns+`
		FROM network_instances
		WHERE device_id IN (SELECT id FROM devices WHERE organization_id = $1)
		ORDER BY device_id, created_at
	`, orgID)
	if err != nil {
		return nil, storeErr("listing org instances", err)
	}
	defer rows.Close()

	var instances []types.NetworkInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storeErr("scanning instance", err)
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// SetNetworkInstanceEnabled toggles an instance with an optimistic version
// check. expectedVersion is the version the caller last read; a mismatch
// means a concurrent admin mutation won and the caller gets ErrConflict.
func (s *Store) SetNetworkInstanceEnabled(ctx context.Context, deviceID, instanceID string, enabled bool, expectedVersion int) (*types.NetworkInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("starting transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDevice(ctx, tx, deviceID); err != nil {
		return nil, err
	}

	inst, err := scanInstance(tx.QueryRow(ctx, `
		UPDATE network_instances
		SET enabled = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND device_id = $2 AND version = $3
		RETURNING`+instanceColumns,
		instanceID, deviceID, expectedVersion, enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing instance from a lost version race.
		var current int
		probe := tx.QueryRow(ctx, `
			SELECT version FROM network_instances WHERE id = $1 AND device_id = $2
		`, instanceID, deviceID).Scan(&current)
		if errors.Is(probe, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: instance %s on device %s", types.ErrNotFound, instanceID, deviceID)
		}
		if probe != nil {
			return nil, storeErr("probing instance version", probe)
		}
		return nil, fmt.Errorf("%w: instance %s version %d (expected %d)",
			types.ErrConflict, instanceID, current, expectedVersion)
	}
	if err != nil {
		return nil, storeErr("toggling instance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("committing instance toggle", err)
	}
	return inst, nil
}

// DeleteNetworkInstance removes an instance row. The deletion is durable
// regardless of whether the device is reachable for a stop push.
func (s *Store) DeleteNetworkInstance(ctx context.Context, deviceID, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM network_instances WHERE id = $1 AND device_id = $2
	`, instanceID, deviceID)
	if err != nil {
		return storeErr("deleting instance", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s on device %s", types.ErrNotFound, instanceID, deviceID)
	}
	return nil
}
