package manager

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
)

type fakeDevice struct {
	id   string
	name string
	typ  device.Type
	caps device.CapabilitySet
	hint string

	state     *events.Beacon[device.ConnectionState]
	power     *events.Beacon[*device.PowerSample]
	cadence   *events.Beacon[*device.CadenceSample]
	speed     *events.Beacon[*device.SpeedSample]
	heartRate *events.Beacon[*device.HeartRateSample]

	mu          sync.Mutex
	connectErr  error
	targets     []int
	disconnects int
}

var _ Device = (*fakeDevice)(nil)

func newFakeDevice(id string, typ device.Type, hint string, caps ...device.Capability) *fakeDevice {
	return &fakeDevice{
		id:        id,
		name:      "Fake " + id,
		typ:       typ,
		caps:      device.NewCapabilitySet(caps...),
		hint:      hint,
		state:     events.NewDistinctBeacon(device.Disconnected),
		power:     events.NewBeacon[*device.PowerSample](nil),
		cadence:   events.NewBeacon[*device.CadenceSample](nil),
		speed:     events.NewBeacon[*device.SpeedSample](nil),
		heartRate: events.NewBeacon[*device.HeartRateSample](nil),
	}
}

func newTrainer(id string) *fakeDevice {
	return newFakeDevice(id, device.TypeTrainer, HintFTMS,
		device.CapPower, device.CapCadence, device.CapSpeed, device.CapErgControl)
}

func (f *fakeDevice) ID() string                         { return f.id }
func (f *fakeDevice) Name() string                       { return f.name }
func (f *fakeDevice) Type() device.Type                  { return f.typ }
func (f *fakeDevice) Capabilities() device.CapabilitySet { return f.caps }
func (f *fakeDevice) Transports() []string               { return []string{f.hint} }
func (f *fakeDevice) ConnectionState() events.Observable[device.ConnectionState] {
	return f.state
}

func (f *fakeDevice) Power() events.Observable[*device.PowerSample] {
	if !f.caps.Has(device.CapPower) {
		return nil
	}
	return f.power
}

func (f *fakeDevice) Cadence() events.Observable[*device.CadenceSample] {
	if !f.caps.Has(device.CapCadence) {
		return nil
	}
	return f.cadence
}

func (f *fakeDevice) Speed() events.Observable[*device.SpeedSample] {
	if !f.caps.Has(device.CapSpeed) {
		return nil
	}
	return f.speed
}

func (f *fakeDevice) HeartRate() events.Observable[*device.HeartRateSample] {
	if !f.caps.Has(device.CapHeartRate) {
		return nil
	}
	return f.heartRate
}

func (f *fakeDevice) Connect(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		f.state.Set(device.Error)
		return err
	}
	f.state.Set(device.Connected)
	return nil
}

func (f *fakeDevice) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.state.Set(device.Disconnected)
	return nil
}

func (f *fakeDevice) SetTargetPower(ctx context.Context, watts int) error {
	if !f.caps.Has(device.CapErgControl) {
		return device.ErrNotErgCapable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, watts)
	return nil
}

func (f *fakeDevice) emitPower(w int)   { f.power.Set(&device.PowerSample{Watts: w}) }
func (f *fakeDevice) emitCadence(r int) { f.cadence.Set(&device.CadenceSample{RPM: r}) }

func newLogger() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

type rig struct {
	clk      *clock.Mock
	registry *prometheus.Registry
	manager  *Manager
}

func newRig(t *testing.T, store *RoleStore) *rig {
	t.Helper()
	clk := clock.NewMock()
	reg := prometheus.NewRegistry()
	m := New(newLogger(), Options{Clock: clk, Metrics: metrics.New(reg), Store: store})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &rig{clk: clk, registry: reg, manager: m}
}

func (r *rig) add(t *testing.T, devices ...*fakeDevice) {
	t.Helper()
	for _, d := range devices {
		require.NoError(t, r.manager.AddDevice(d))
	}
}

func watts(m *Manager) int {
	if s := m.Power().Value(); s != nil {
		return s.Watts
	}
	return -1
}

func rpm(m *Manager) int {
	if s := m.Cadence().Value(); s != nil {
		return s.RPM
	}
	return -1
}

func TestManager_DedicatedPowerSourceWinsOverTrainer(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	meter := newFakeDevice("P", device.TypeSensor, HintCyclingPower, device.CapPower)
	r.add(t, trainer, meter)

	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Assign(RolePowerSource, "P"))

	trainer.emitPower(150)
	meter.emitPower(180)
	assert.Equal(t, 180, watts(r.manager))

	trainer.emitPower(160)
	assert.Equal(t, 180, watts(r.manager))

	source, ok := r.manager.EffectiveSource(MetricPower)
	require.True(t, ok)
	assert.Equal(t, "P", source)
}

func TestManager_CadenceFallsBackToTrainerAndGoesStale(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	r.add(t, trainer)
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))

	trainer.emitCadence(85)
	assert.Equal(t, 85, rpm(r.manager))

	r.clk.Add(5100 * time.Millisecond)
	assert.Eventually(t, func() bool { return r.manager.Cadence().Value() == nil }, time.Second, time.Millisecond)
}

func TestManager_RemovingDeviceClearsItsRolesAndStreams(t *testing.T) {
	r := newRig(t, nil)
	d := newFakeDevice("D", device.TypeSensor, HintCyclingPower, device.CapPower, device.CapCadence)
	r.add(t, d)
	require.NoError(t, r.manager.Assign(RolePowerSource, "D"))
	require.NoError(t, r.manager.Assign(RoleCadenceSource, "D"))

	d.emitPower(200)
	d.emitCadence(90)
	require.Equal(t, 200, watts(r.manager))
	require.Equal(t, 90, rpm(r.manager))

	require.NoError(t, r.manager.RemoveDevice(context.Background(), "D"))

	assert.Empty(t, r.manager.Assignments())
	assert.Nil(t, r.manager.Power().Value())
	assert.Nil(t, r.manager.Cadence().Value())
	assert.Empty(t, r.manager.Devices())
	assert.Equal(t, 1, d.disconnects)
	assert.Equal(t, 0, d.power.ListenerCount())

	err := r.manager.RemoveDevice(context.Background(), "D")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestManager_AssignValidationLeavesStateIntact(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	strap := newFakeDevice("H", device.TypeSensor, HintHeartRate, device.CapHeartRate)
	meter := newFakeDevice("P", device.TypeSensor, HintCyclingPower, device.CapPower)
	r.add(t, trainer, strap, meter)
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))

	err := r.manager.Assign(RolePrimaryTrainer, "P")
	assert.ErrorIs(t, err, ErrNotErgCapable)

	err = r.manager.Assign(RolePowerSource, "H")
	assert.ErrorIs(t, err, ErrMissingCapability)

	err = r.manager.Assign(RoleHeartRateSource, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	err = r.manager.Assign(Role(42), "T")
	assert.ErrorIs(t, err, ErrUnknownRole)

	assert.Equal(t, Assignments{RolePrimaryTrainer: "T"}, r.manager.Assignments())
}

func TestManager_DuplicateDevice(t *testing.T) {
	r := newRig(t, nil)
	first := newTrainer("T")
	r.add(t, first)

	err := r.manager.AddDevice(newTrainer("T"))
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	got, added := r.manager.AddOrGetExisting(newTrainer("T"))
	assert.False(t, added)
	assert.Same(t, first, got)

	second := newTrainer("T2")
	got, added = r.manager.AddOrGetExisting(second)
	assert.True(t, added)
	assert.Same(t, second, got)
	assert.Len(t, r.manager.Devices(), 2)
}

func TestManager_UnassigningDedicatedSourceFallsBack(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	meter := newFakeDevice("P", device.TypeSensor, HintCyclingPower, device.CapPower)
	r.add(t, trainer, meter)
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Assign(RolePowerSource, "P"))

	trainer.emitPower(150)
	meter.emitPower(180)
	require.NoError(t, r.manager.Unassign(RolePowerSource))

	// the trainer's last value is replayed on switch
	assert.Equal(t, 150, watts(r.manager))
	meter.emitPower(999)
	assert.Equal(t, 150, watts(r.manager))
	assert.Equal(t, 0, meter.power.ListenerCount())

	require.NoError(t, r.manager.Unassign(RolePrimaryTrainer))
	assert.Nil(t, r.manager.Power().Value())
	_, ok := r.manager.EffectiveSource(MetricPower)
	assert.False(t, ok)
}

func TestManager_HeartRateNeverFallsBack(t *testing.T) {
	r := newRig(t, nil)
	trainer := newFakeDevice("T", device.TypeTrainer, HintFTMS,
		device.CapPower, device.CapErgControl, device.CapHeartRate)
	r.add(t, trainer)
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))

	trainer.heartRate.Set(&device.HeartRateSample{BPM: 120})
	assert.Nil(t, r.manager.HeartRate().Value())

	require.NoError(t, r.manager.Assign(RoleHeartRateSource, "T"))
	require.NotNil(t, r.manager.HeartRate().Value())
	assert.Equal(t, 120, r.manager.HeartRate().Value().BPM)
}

func TestManager_OneDeviceInSeveralRoles(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	r.add(t, trainer)
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Assign(RolePowerSource, "T"))

	assert.Equal(t, []Role{RolePrimaryTrainer, RolePowerSource}, r.manager.Assignments().RolesOf("T"))
	trainer.emitPower(210)
	assert.Equal(t, 210, watts(r.manager))
	assert.Equal(t, 1, trainer.power.ListenerCount())
}

func TestManager_RoleStatus(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	r.add(t, trainer)

	status, err := r.manager.RoleStatus(RolePrimaryTrainer)
	require.NoError(t, err)
	assert.False(t, status.Value().Assigned())

	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	assert.True(t, status.Value().Assigned())
	assert.True(t, status.Value().Present)
	assert.False(t, status.Value().Available())

	require.NoError(t, r.manager.ConnectDevice(context.Background(), "T"))
	assert.True(t, status.Value().Available())
	assert.Equal(t, "Fake T", status.Value().DeviceName)

	require.NoError(t, r.manager.DisconnectDevice(context.Background(), "T"))
	assert.False(t, status.Value().Available())

	_, err = r.manager.RoleStatus(Role(9))
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestManager_SetTargetPowerGoesToPrimaryTrainer(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	r.add(t, trainer)
	ctx := context.Background()

	err := r.manager.SetTargetPower(ctx, 200)
	assert.ErrorIs(t, err, ErrRoleUnassigned)

	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.SetTargetPower(ctx, 200))
	assert.Equal(t, []int{200}, trainer.targets)
}

func TestManager_ListenersSeeChanges(t *testing.T) {
	r := newRig(t, nil)
	var lists [][]Device
	unlisten := r.manager.ListenToDevices(func(devices []Device) { lists = append(lists, devices) })
	defer unlisten()

	var maps []Assignments
	r.manager.WatchAssignments().Listen(func(a Assignments) { maps = append(maps, a) })

	r.add(t, newTrainer("T"))
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))

	require.Len(t, lists, 2)
	assert.Empty(t, lists[0])
	assert.Len(t, lists[1], 1)

	require.Len(t, maps, 2)
	assert.Empty(t, maps[0])
	assert.Equal(t, Assignments{RolePrimaryTrainer: "T"}, maps[1])
}

func TestManager_PersistsAssignments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.json")
	store := NewRoleStore(newLogger(), path)
	r := newRig(t, store)
	r.add(t, newTrainer("T"), newFakeDevice("H", device.TypeSensor, HintHeartRate, device.CapHeartRate))

	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Assign(RoleHeartRateSource, "H"))

	saved := store.Load()
	require.Len(t, saved, 2)
	assert.Equal(t, RolePrimaryTrainer, saved[0].Role)
	assert.Equal(t, "T", saved[0].DeviceID)
	assert.Equal(t, "Fake T", saved[0].DeviceName)
	assert.Equal(t, HintFTMS, saved[0].TransportHint)
	assert.True(t, r.clk.Now().Equal(saved[0].AssignedAt))
	assert.Equal(t, HintHeartRate, saved[1].TransportHint)

	require.NoError(t, r.manager.RemoveDevice(context.Background(), "H"))
	saved = store.Load()
	require.Len(t, saved, 1)
	assert.Equal(t, "T", saved[0].DeviceID)
}

func TestManager_CountsRoleChanges(t *testing.T) {
	r := newRig(t, nil)
	r.add(t, newTrainer("T"))
	require.NoError(t, r.manager.Assign(RolePrimaryTrainer, "T"))
	require.NoError(t, r.manager.Unassign(RolePrimaryTrainer))
	require.NoError(t, r.manager.Unassign(RolePrimaryTrainer))

	families, err := r.registry.Gather()
	require.NoError(t, err)
	var changes float64
	for _, f := range families {
		if f.GetName() != "fitness_hub_role_changes_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			changes += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, changes)
}

func TestManager_CloseDisconnectsEverything(t *testing.T) {
	r := newRig(t, nil)
	trainer := newTrainer("T")
	r.add(t, trainer)
	require.NoError(t, r.manager.ConnectDevice(context.Background(), "T"))

	require.NoError(t, r.manager.Close(context.Background()))
	assert.Equal(t, device.Disconnected, trainer.state.Value())
	assert.ErrorIs(t, r.manager.AddDevice(newTrainer("X")), ErrClosed)
	assert.NoError(t, r.manager.Close(context.Background()))
}

func TestManager_ConnectUnknownDevice(t *testing.T) {
	r := newRig(t, nil)
	err := r.manager.ConnectDevice(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
}
