package service

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/lattice-net/mesh-cp/pkg/types"
)

// mockStore is an in-memory Store for tests.
type mockStore struct {
	mu        sync.Mutex
	orgs      map[string]*types.Organization
	devices   map[string]*types.Device
	tokens    map[string]string
	instances map[string]map[string]*types.NetworkInstance

	heartbeatUpdates int
	locationUpdates  int

	failHeartbeat error
}

func newMockStore() *mockStore {
	return &mockStore{
		orgs:      make(map[string]*types.Organization),
		devices:   make(map[string]*types.Device),
		tokens:    make(map[string]string),
		instances: make(map[string]map[string]*types.NetworkInstance),
	}
}

func (m *mockStore) addDevice(d *types.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
}

func (m *mockStore) addOrg(o *types.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orgs[o.ID] = &cp
}

func (m *mockStore) addInstance(inst *types.NetworkInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[inst.DeviceID] == nil {
		m.instances[inst.DeviceID] = make(map[string]*types.NetworkInstance)
	}
	cp := *inst
	m.instances[inst.DeviceID][inst.ID] = &cp
}

func (m *mockStore) deviceStatus(id string) types.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.Status
	}
	return ""
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (m *mockStore) CreateOrganization(_ context.Context, org *types.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *mockStore) GetOrganization(_ context.Context, id string) (*types.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", types.ErrNotFound, id)
	}
	cp := *org
	return &cp, nil
}

func (m *mockStore) RenameOrganization(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[id]
	if !ok {
		return fmt.Errorf("%w: organization %s", types.ErrNotFound, id)
	}
	org.Name = name
	return nil
}

func (m *mockStore) ListOrganizations(_ context.Context) ([]types.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Organization, 0, len(m.orgs))
	for _, org := range m.orgs {
		out = append(out, *org)
	}
	return out, nil
}

// =============================================================================
// DEVICES
// =============================================================================

func (m *mockStore) CreateDevice(_ context.Context, d *types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *mockStore) GetDevice(_ context.Context, id string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *mockStore) GetDeviceBySerial(_ context.Context, serial string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.SerialNumber == serial {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListDevicesByOrganization(_ context.Context, orgID string) ([]types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Device
	for _, d := range m.devices {
		if d.OrganizationID != nil && *d.OrganizationID == orgID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *mockStore) TransitionDeviceStatus(_ context.Context, id string, from, to types.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	if d.Status != from {
		return fmt.Errorf("%w: device %s is %s, not %s", types.ErrConflict, id, d.Status, from)
	}
	d.Status = to
	return nil
}

func (m *mockStore) SetDeviceOrganization(_ context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	d.OrganizationID = &orgID
	return nil
}

func (m *mockStore) UpdateDeviceHeartbeat(_ context.Context, id string, at time.Time, hostname, clientVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failHeartbeat != nil {
		return m.failHeartbeat
	}
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	d.LastHeartbeat = &at
	if hostname != "" {
		d.Hostname = hostname
	}
	if clientVersion != "" {
		d.ClientVersion = clientVersion
	}
	m.heartbeatUpdates++
	return nil
}

func (m *mockStore) UpdateDeviceLocation(_ context.Context, id string, loc types.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", types.ErrNotFound, id)
	}
	d.Location = &loc
	m.locationUpdates++
	return nil
}

func (m *mockStore) SetDeviceAuthTokenHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = hash
	return nil
}

func (m *mockStore) GetDeviceAuthTokenHash(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id], nil
}

func (m *mockStore) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	delete(m.instances, id)
	return nil
}

// =============================================================================
// NETWORK INSTANCES
// =============================================================================

func (m *mockStore) CreateNetworkInstance(_ context.Context, inst *types.NetworkInstance, maxInstances int, addrPool netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.instances[inst.DeviceID]
	if len(existing) >= maxInstances {
		return fmt.Errorf("%w: device %s at instance cap %d", types.ErrCapacityExceeded, inst.DeviceID, maxInstances)
	}

	used := make(map[string]bool)
	for _, other := range existing {
		used[other.VirtualAddress] = true
	}
	for addr := addrPool.Addr().Next(); addrPool.Contains(addr); addr = addr.Next() {
		if !used[addr.String()] {
			inst.VirtualAddress = addr.String()
			break
		}
	}

	inst.Version = 1
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt
	if m.instances[inst.DeviceID] == nil {
		m.instances[inst.DeviceID] = make(map[string]*types.NetworkInstance)
	}
	cp := *inst
	m.instances[inst.DeviceID][inst.ID] = &cp
	return nil
}

func (m *mockStore) GetNetworkInstance(_ context.Context, deviceID, instanceID string) (*types.NetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[deviceID][instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", types.ErrNotFound, instanceID)
	}
	cp := *inst
	return &cp, nil
}

func (m *mockStore) ListNetworkInstances(_ context.Context, deviceID string) ([]types.NetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.NetworkInstance
	for _, inst := range m.instances[deviceID] {
		out = append(out, *inst)
	}
	return out, nil
}

func (m *mockStore) ListEnabledNetworkInstances(_ context.Context, deviceID string) ([]types.NetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.NetworkInstance
	for _, inst := range m.instances[deviceID] {
		if inst.Enabled {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *mockStore) ListNetworkInstancesForOrganization(_ context.Context, orgID string) ([]types.NetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.NetworkInstance
	for deviceID, insts := range m.instances {
		d, ok := m.devices[deviceID]
		if !ok || d.OrganizationID == nil || *d.OrganizationID != orgID {
			continue
		}
		for _, inst := range insts {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (m *mockStore) SetNetworkInstanceEnabled(_ context.Context, deviceID, instanceID string, enabled bool, expectedVersion int) (*types.NetworkInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[deviceID][instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", types.ErrNotFound, instanceID)
	}
	if inst.Version != expectedVersion {
		return nil, fmt.Errorf("%w: instance %s at version %d, expected %d",
			types.ErrConflict, instanceID, inst.Version, expectedVersion)
	}
	inst.Enabled = enabled
	inst.Version++
	inst.UpdatedAt = time.Now()
	cp := *inst
	return &cp, nil
}

func (m *mockStore) DeleteNetworkInstance(_ context.Context, deviceID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[deviceID][instanceID]; !ok {
		return fmt.Errorf("%w: instance %s", types.ErrNotFound, instanceID)
	}
	delete(m.instances[deviceID], instanceID)
	return nil
}
