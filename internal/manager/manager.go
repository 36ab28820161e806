// Package manager owns the device collection, assigns devices to roles and
// aggregates per-metric streams from the devices that fill them.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/staleness"
)

// Device is what the manager needs from a device. *device.FitnessDevice
// implements it.
type Device interface {
	ID() string
	Name() string
	Type() device.Type
	Capabilities() device.CapabilitySet
	// Transports names the protocols in composition order; the first one is
	// persisted as the transport hint.
	Transports() []string
	ConnectionState() events.Observable[device.ConnectionState]

	Power() events.Observable[*device.PowerSample]
	Cadence() events.Observable[*device.CadenceSample]
	Speed() events.Observable[*device.SpeedSample]
	HeartRate() events.Observable[*device.HeartRateSample]

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetTargetPower(ctx context.Context, watts int) error
}

var _ Device = (*device.FitnessDevice)(nil)

type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Store persists assignments; nil keeps them in memory only.
	Store              *RoleStore
	StalenessThreshold time.Duration
}

// RoleStatus describes one role for presentation. A role that references a
// device which is missing or not connected is assigned but unavailable.
type RoleStatus struct {
	Role       Role
	DeviceID   string
	DeviceName string
	// Present is false for a remembered assignment whose device has not
	// been found yet.
	Present bool
	State   device.ConnectionState
}

func (s RoleStatus) Assigned() bool  { return s.DeviceID != "" }
func (s RoleStatus) Available() bool { return s.Present && s.State == device.Connected }

type managedDevice struct {
	dev         Device
	unlistenAll func()
}

type Manager struct {
	logger  *log.Logger
	clk     clock.Clock
	metrics *metrics.Metrics
	store   *RoleStore

	// opMu serializes mutations together with the publication of their
	// effects, so observers see changes in the order they were made.
	opMu       sync.Mutex
	mu         sync.RWMutex
	closed     bool
	devices    map[string]*managedDevice
	order      []string
	roles      Assignments
	assignedAt map[Role]time.Time
	remembered map[Role]SavedAssignment

	devicesOut     *events.Beacon[[]Device]
	assignmentsOut *events.Beacon[Assignments]
	statusTick     *events.Beacon[uint64]
	tick           atomic.Uint64

	power     *aggregator[device.PowerSample]
	cadence   *aggregator[device.CadenceSample]
	speed     *aggregator[device.SpeedSample]
	heartRate *aggregator[device.HeartRateSample]
	statuses  map[Role]*events.Derived[RoleStatus]
}

func New(logger *log.Logger, opts Options) *Manager {
	if logger == nil {
		panic("DeviceManager: logger cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = staleness.DefaultThreshold
	}
	m := &Manager{
		logger:         logger,
		clk:            opts.Clock,
		metrics:        opts.Metrics,
		store:          opts.Store,
		devices:        make(map[string]*managedDevice),
		roles:          make(Assignments),
		assignedAt:     make(map[Role]time.Time),
		remembered:     make(map[Role]SavedAssignment),
		devicesOut:     events.NewBeacon[[]Device](nil),
		assignmentsOut: events.NewBeacon(Assignments{}),
		statusTick:     events.NewBeacon[uint64](0),
		statuses:       make(map[Role]*events.Derived[RoleStatus]),
	}

	threshold := opts.StalenessThreshold
	m.power = newAggregator(logger, MetricPower,
		func(d Device) events.Observable[*device.PowerSample] { return d.Power() }, threshold, m.clk, m.metrics)
	m.cadence = newAggregator(logger, MetricCadence,
		func(d Device) events.Observable[*device.CadenceSample] { return d.Cadence() }, threshold, m.clk, m.metrics)
	m.speed = newAggregator(logger, MetricSpeed,
		func(d Device) events.Observable[*device.SpeedSample] { return d.Speed() }, threshold, m.clk, m.metrics)
	m.heartRate = newAggregator(logger, MetricHeartRate,
		func(d Device) events.Observable[*device.HeartRateSample] { return d.HeartRate() }, threshold, m.clk, m.metrics)

	for _, role := range AllRoles {
		m.statuses[role] = events.Derive(func() RoleStatus { return m.computeStatus(role) },
			m.assignmentsOut, m.devicesOut, m.statusTick)
	}
	return m
}

// Power is the aggregated power stream: the powerSource device, else the
// primary trainer. Values age out after the staleness threshold.
func (m *Manager) Power() events.Observable[*device.PowerSample] { return m.power.Output() }

func (m *Manager) Cadence() events.Observable[*device.CadenceSample] { return m.cadence.Output() }

func (m *Manager) Speed() events.Observable[*device.SpeedSample] { return m.speed.Output() }

// HeartRate follows the heartRateSource only.
func (m *Manager) HeartRate() events.Observable[*device.HeartRateSample] {
	return m.heartRate.Output()
}

// EffectiveSource returns the id of the device currently feeding metric.
func (m *Manager) EffectiveSource(metric Metric) (string, bool) {
	var d Device
	switch metric {
	case MetricPower:
		d = m.power.Source()
	case MetricCadence:
		d = m.cadence.Source()
	case MetricSpeed:
		d = m.speed.Source()
	case MetricHeartRate:
		d = m.heartRate.Source()
	}
	if d == nil {
		return "", false
	}
	return d.ID(), true
}

// AddDevice fails with ErrDuplicateDevice when the id is taken.
func (m *Manager) AddDevice(d Device) error {
	if d == nil {
		panic("DeviceManager: device cannot be nil")
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.devices[d.ID()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID())
	}
	md := &managedDevice{dev: d}
	m.devices[d.ID()] = md
	m.order = append(m.order, d.ID())
	m.mu.Unlock()

	md.unlistenAll = d.ConnectionState().Listen(func(device.ConnectionState) { m.bumpStatus() })
	m.logger.Printf("DeviceManager: Added %s (%s, %v)", d.ID(), d.Name(), d.Capabilities())
	m.devicesOut.Set(m.Devices())
	return nil
}

// AddOrGetExisting returns the device already registered under d's id, or
// adds d. added reports which happened.
func (m *Manager) AddOrGetExisting(d Device) (existing Device, added bool) {
	if current, ok := m.Device(d.ID()); ok {
		return current, false
	}
	if err := m.AddDevice(d); err != nil {
		if current, ok := m.Device(d.ID()); ok {
			return current, false
		}
		m.logger.Printf("DeviceManager: AddOrGetExisting %s: %v", d.ID(), err)
		return d, false
	}
	return d, true
}

// RemoveDevice disconnects the device, clears every role that references it
// and drops it.
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	md, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if err := md.dev.Disconnect(ctx); err != nil {
		m.logger.Printf("DeviceManager: Disconnect %s during removal: %v", id, err)
	}

	m.mu.Lock()
	delete(m.devices, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	var cleared []Role
	for _, role := range AllRoles {
		if m.roles[role] == id {
			delete(m.roles, role)
			delete(m.assignedAt, role)
			cleared = append(cleared, role)
		}
	}
	m.mu.Unlock()

	if md.unlistenAll != nil {
		md.unlistenAll()
	}
	m.logger.Printf("DeviceManager: Removed %s, cleared roles %v", id, cleared)
	for _, role := range cleared {
		m.metrics.RoleChanged(role.String())
	}
	m.publishLocked(len(cleared) > 0)
	m.devicesOut.Set(m.Devices())
	return nil
}

func (m *Manager) Device(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	return md.dev, true
}

// Devices returns the devices in the order they were added.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].dev)
	}
	return out
}

// ListenToDevices calls callback with the device list now and after every
// add or remove.
func (m *Manager) ListenToDevices(callback func([]Device)) func() {
	return m.devicesOut.Listen(callback)
}

// Assign puts the device in the role. It fails without changing anything
// when the role is unknown, the device is missing, or the device lacks the
// role's capabilities.
func (m *Manager) Assign(role Role, deviceID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.assignLocked(role, deviceID, m.clk.Now())
}

// assignLocked must be called with opMu held.
func (m *Manager) assignLocked(role Role, deviceID string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownRole, int(role))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	md, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("assign %s: %w: %s", role, ErrDeviceNotFound, deviceID)
	}
	caps := md.dev.Capabilities()
	required := role.RequiredCapabilities()
	if missing := required &^ caps; missing != 0 {
		m.mu.Unlock()
		if missing.Has(device.CapErgControl) {
			return fmt.Errorf("assign %s to %s: %w", role, deviceID, ErrNotErgCapable)
		}
		return fmt.Errorf("assign %s to %s: %w: needs %v", role, deviceID, ErrMissingCapability, missing)
	}
	_, hadRemembered := m.remembered[role]
	delete(m.remembered, role)
	if m.roles[role] == deviceID {
		m.mu.Unlock()
		if hadRemembered {
			m.bumpStatus()
		}
		return nil
	}
	m.roles[role] = deviceID
	m.assignedAt[role] = at
	m.mu.Unlock()

	m.logger.Printf("DeviceManager: Assigned %s -> %s", role, deviceID)
	m.metrics.RoleChanged(role.String())
	m.publishLocked(true)
	return nil
}

// Unassign empties the role and forgets any remembered assignment for it.
func (m *Manager) Unassign(role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownRole, int(role))
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	_, hadRemembered := m.remembered[role]
	delete(m.remembered, role)
	previous, ok := m.roles[role]
	delete(m.roles, role)
	delete(m.assignedAt, role)
	m.mu.Unlock()

	if !ok {
		if hadRemembered {
			m.persist()
			m.bumpStatus()
		}
		return nil
	}
	m.logger.Printf("DeviceManager: Unassigned %s (was %s)", role, previous)
	m.metrics.RoleChanged(role.String())
	m.publishLocked(true)
	return nil
}

func (m *Manager) Assignment(role Role) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roles[role]
	return id, ok
}

// Assignments returns a snapshot of the live role map.
func (m *Manager) Assignments() Assignments {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles.clone()
}

// WatchAssignments observes the live role map.
func (m *Manager) WatchAssignments() events.Observable[Assignments] {
	return m.assignmentsOut.ReadOnly()
}

// RoleStatus observes whether role is assigned and whether its device is
// reachable.
func (m *Manager) RoleStatus(role Role) (events.Observable[RoleStatus], error) {
	status, ok := m.statuses[role]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(role))
	}
	return status, nil
}

func (m *Manager) computeStatus(role Role) RoleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := RoleStatus{Role: role}
	if id, ok := m.roles[role]; ok {
		status.DeviceID = id
		if md, ok := m.devices[id]; ok {
			status.Present = true
			status.DeviceName = md.dev.Name()
			status.State = md.dev.ConnectionState().Value()
		}
		return status
	}
	if saved, ok := m.remembered[role]; ok {
		status.DeviceID = saved.DeviceID
		status.DeviceName = saved.DeviceName
	}
	return status
}

func (m *Manager) bumpStatus() {
	m.statusTick.Set(m.tick.Add(1))
}

// publishLocked must be called with opMu held. It re-points the
// aggregators, publishes the role map and, when roles changed, persists it.
func (m *Manager) publishLocked(rolesChanged bool) {
	m.recompute()
	if !rolesChanged {
		return
	}
	m.assignmentsOut.Set(m.Assignments())
	m.persist()
}

func (m *Manager) recompute() {
	m.mu.RLock()
	power := m.effectiveSourceLocked(MetricPower)
	cadence := m.effectiveSourceLocked(MetricCadence)
	speed := m.effectiveSourceLocked(MetricSpeed)
	heartRate := m.effectiveSourceLocked(MetricHeartRate)
	m.mu.RUnlock()

	m.power.switchTo(power)
	m.cadence.switchTo(cadence)
	m.speed.switchTo(speed)
	m.heartRate.switchTo(heartRate)
}

func (m *Manager) effectiveSourceLocked(metric Metric) Device {
	if id, ok := m.roles[metric.dedicatedRole()]; ok {
		if md, ok := m.devices[id]; ok {
			return md.dev
		}
	}
	if metric.trainerFallback() {
		if id, ok := m.roles[RolePrimaryTrainer]; ok {
			if md, ok := m.devices[id]; ok {
				return md.dev
			}
		}
	}
	return nil
}

// savedAssignments describes live roles plus remembered ones for roles that
// are still empty.
func (m *Manager) savedAssignments() []SavedAssignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SavedAssignment
	for _, role := range AllRoles {
		if id, ok := m.roles[role]; ok {
			saved := SavedAssignment{DeviceID: id, Role: role, AssignedAt: m.assignedAt[role]}
			if md, ok := m.devices[id]; ok {
				saved.DeviceName = md.dev.Name()
				if transports := md.dev.Transports(); len(transports) > 0 {
					saved.TransportHint = transports[0]
				}
			}
			out = append(out, saved)
			continue
		}
		if saved, ok := m.remembered[role]; ok {
			out = append(out, saved)
		}
	}
	return out
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.savedAssignments()); err != nil {
		m.logger.Printf("DeviceManager: Saving assignments failed: %v", err)
	}
}

// remember records assignments from a previous session that cannot be
// applied yet. Roles that are already assigned are skipped.
func (m *Manager) remember(saved []SavedAssignment) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	for _, s := range saved {
		if !s.Role.Valid() {
			continue
		}
		if _, live := m.roles[s.Role]; live {
			continue
		}
		m.remembered[s.Role] = s
	}
	m.mu.Unlock()
	m.bumpStatus()
}

// restore applies a remembered assignment, keeping its original timestamp.
func (m *Manager) restore(saved SavedAssignment) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	at := saved.AssignedAt
	if at.IsZero() {
		at = m.clk.Now()
	}
	return m.assignLocked(saved.Role, saved.DeviceID, at)
}

// allRolesLive reports whether every role is held by a connected device.
func (m *Manager) allRolesLive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, role := range AllRoles {
		id, ok := m.roles[role]
		if !ok {
			return false
		}
		md, ok := m.devices[id]
		if !ok || md.dev.ConnectionState().Value() != device.Connected {
			return false
		}
	}
	return true
}

func (m *Manager) ConnectDevice(ctx context.Context, id string) error {
	d, ok := m.Device(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.Connect(ctx)
}

func (m *Manager) DisconnectDevice(ctx context.Context, id string) error {
	d, ok := m.Device(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.Disconnect(ctx)
}

// SetTargetPower puts the primary trainer in ERG mode at watts.
func (m *Manager) SetTargetPower(ctx context.Context, watts int) error {
	m.mu.RLock()
	id, ok := m.roles[RolePrimaryTrainer]
	var d Device
	if md, found := m.devices[id]; ok && found {
		d = md.dev
	}
	m.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrRoleUnassigned, RolePrimaryTrainer)
	}
	return d.SetTargetPower(ctx, watts)
}

// Close disconnects every device and stops every stream. Assignments on disk
// are left as they are.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := make([]*managedDevice, 0, len(m.order))
	for _, id := range m.order {
		devices = append(devices, m.devices[id])
	}
	m.mu.Unlock()

	m.logger.Printf("DeviceManager: Closing, disconnecting %d device(s)", len(devices))
	var err error
	for _, md := range devices {
		if md.unlistenAll != nil {
			md.unlistenAll()
		}
		if dErr := md.dev.Disconnect(ctx); dErr != nil {
			err = multierr.Append(err, fmt.Errorf("disconnect %s: %w", md.dev.ID(), dErr))
		}
	}

	m.power.dispose()
	m.cadence.dispose()
	m.speed.dispose()
	m.heartRate.dispose()
	for _, status := range m.statuses {
		status.Dispose()
	}
	return err
}
