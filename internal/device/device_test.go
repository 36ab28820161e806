package device

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	name      string
	caps      Capabilities
	attachErr error
	refresh   time.Duration

	mu       sync.Mutex
	attached bool
	attaches int
	detaches int
}

func (f *fakeTransport) Name() string               { return f.name }
func (f *fakeTransport) Capabilities() Capabilities { return f.caps }

func (f *fakeTransport) Attach(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = true
	return nil
}

func (f *fakeTransport) Detach(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches++
	f.attached = false
	return nil
}

func (f *fakeTransport) RequiresContinuousRefresh() bool { return f.refresh > 0 }
func (f *fakeTransport) RefreshInterval() time.Duration  { return f.refresh }

func (f *fakeTransport) isAttached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

type fakePower struct{ b *events.Beacon[*PowerSample] }

func (p fakePower) Power() events.Observable[*PowerSample] { return p.b }

type fakeErg struct{ last int }

func (e *fakeErg) SetTargetPower(ctx context.Context, watts int) error {
	e.last = watts
	return nil
}

type fakeSimulation struct{ last SimulationParameters }

func (s *fakeSimulation) SetSimulationParameters(ctx context.Context, params SimulationParameters) error {
	s.last = params
	return nil
}

const testService = "00001826-0000-1000-8000-00805f9b34fb"

type fixture struct {
	manager *bt.MockBTManager
	mock    *bt.MockDevice
	logger  *log.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(&bytes.Buffer{}, "", 0)
	manager := bt.NewMockBTManager(logger)
	mock := bt.NewMockDevice("dev-1", "Device", testService)
	manager.AddDevice(mock)
	return &fixture{manager: manager, mock: mock, logger: logger}
}

func (f *fixture) newDevice(transports ...Transport) *FitnessDevice {
	return NewFitnessDevice(f.logger, Info{ID: "dev-1", Name: "Device", Type: TypeTrainer},
		NewBLELink(f.manager, "dev-1"), transports...)
}

func recordStates(d *FitnessDevice) func() []ConnectionState {
	var mu sync.Mutex
	var states []ConnectionState
	d.ConnectionState().Listen(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	return func() []ConnectionState {
		mu.Lock()
		defer mu.Unlock()
		return append([]ConnectionState(nil), states...)
	}
}

func TestCapabilities_MergeFirstProviderWins(t *testing.T) {
	first := fakePower{events.NewBeacon[*PowerSample](nil)}
	second := fakePower{events.NewBeacon[*PowerSample](nil)}
	erg := &fakeErg{}

	merged := Capabilities{Power: first}.Merge(Capabilities{Power: second, Erg: erg})
	assert.Equal(t, first, merged.Power)
	assert.Equal(t, erg, merged.Erg)
	assert.Equal(t, NewCapabilitySet(CapPower, CapErgControl), merged.Set())
	assert.True(t, merged.Has(CapErgControl))
	assert.False(t, merged.Has(CapHeartRate))
	assert.Equal(t, "{power,ergControl}", merged.Set().String())
}

func TestFitnessDevice_CapabilityUnionAndStreams(t *testing.T) {
	f := newFixture(t)
	power := fakePower{events.NewBeacon[*PowerSample](nil)}
	d := f.newDevice(
		&fakeTransport{name: "a", caps: Capabilities{Power: power}},
		&fakeTransport{name: "b", caps: Capabilities{Erg: &fakeErg{}}},
	)

	assert.Equal(t, NewCapabilitySet(CapPower, CapErgControl), d.Capabilities())
	assert.NotNil(t, d.Power())
	assert.Nil(t, d.Cadence())
	assert.Nil(t, d.Speed())
	assert.Nil(t, d.HeartRate())
	assert.Equal(t, []string{"a", "b"}, d.Transports())
}

func TestFitnessDevice_ConnectDisconnect(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{name: "ftms"}
	d := f.newDevice(tr)
	states := recordStates(d)
	ctx := context.Background()

	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Connect(ctx))
	assert.Equal(t, Connected, d.ConnectionState().Value())
	assert.True(t, tr.isAttached())
	assert.Equal(t, 1, tr.attaches)
	assert.True(t, f.mock.IsConnected())

	require.NoError(t, d.Disconnect(ctx))
	assert.Equal(t, Disconnected, d.ConnectionState().Value())
	assert.False(t, tr.isAttached())
	assert.False(t, f.mock.IsConnected())

	assert.Equal(t, []ConnectionState{Disconnected, Connecting, Connected, Disconnected}, states())
}

func TestFitnessDevice_DisconnectWhenDisconnectedIsNoop(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{name: "ftms"}
	d := f.newDevice(tr)
	states := recordStates(d)

	assert.NoError(t, d.Disconnect(context.Background()))
	assert.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, 0, tr.detaches)
	assert.Equal(t, []ConnectionState{Disconnected}, states())
}

func TestFitnessDevice_LinkFailureMovesToError(t *testing.T) {
	f := newFixture(t)
	f.mock.SetConnectError(errors.New("out of range"))
	tr := &fakeTransport{name: "ftms"}
	d := f.newDevice(tr)

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Error, d.ConnectionState().Value())
	assert.Equal(t, 0, tr.attaches)

	// retry after the peripheral recovers
	f.mock.SetConnectError(nil)
	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, Connected, d.ConnectionState().Value())
}

func TestFitnessDevice_AttachFailureDetachesAndErrors(t *testing.T) {
	f := newFixture(t)
	good := &fakeTransport{name: "good"}
	bad := &fakeTransport{name: "bad", attachErr: errors.New("no such characteristic")}
	d := f.newDevice(good, bad)

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attach bad")
	assert.Equal(t, Error, d.ConnectionState().Value())
	assert.False(t, good.isAttached())
	assert.False(t, f.mock.IsConnected())

	require.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, d.ConnectionState().Value())
}

func TestFitnessDevice_CancelledConnectEndsDisconnected(t *testing.T) {
	f := newFixture(t)
	f.mock.SetConnectHook(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := f.newDevice(&fakeTransport{name: "ftms"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, d.ConnectionState().Value())
}

func TestFitnessDevice_DisconnectCancelsPendingConnect(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	f.mock.SetConnectHook(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	d := f.newDevice(&fakeTransport{name: "ftms"})

	done := make(chan error, 1)
	go func() { done <- d.Connect(context.Background()) }()
	<-entered
	assert.Equal(t, Connecting, d.ConnectionState().Value())

	require.NoError(t, d.Disconnect(context.Background()))
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Disconnected, d.ConnectionState().Value())
}

func TestFitnessDevice_LinkLostDetaches(t *testing.T) {
	f := newFixture(t)
	tr := &fakeTransport{name: "ftms"}
	d := f.newDevice(tr)
	require.NoError(t, d.Connect(context.Background()))

	f.manager.DropConnection("dev-1")

	assert.Eventually(t, func() bool {
		return d.ConnectionState().Value() == Disconnected
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tr.isAttached())
}

func TestFitnessDevice_SetTargetPower(t *testing.T) {
	f := newFixture(t)
	plain := f.newDevice(&fakeTransport{name: "hrs"})
	assert.ErrorIs(t, plain.SetTargetPower(context.Background(), 200), ErrNotErgCapable)

	erg := &fakeErg{}
	d := NewFitnessDevice(f.logger, Info{ID: "dev-1", Type: TypeTrainer}, NewBLELink(f.manager, "dev-1"),
		&fakeTransport{name: "ftms", caps: Capabilities{Erg: erg}})
	assert.ErrorIs(t, d.SetTargetPower(context.Background(), 200), ErrNotConnected)

	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.SetTargetPower(context.Background(), 200))
	assert.Equal(t, 200, erg.last)
}

func TestFitnessDevice_SetSimulationParameters(t *testing.T) {
	f := newFixture(t)
	params := SimulationParameters{Grade: 4.5, RollingResistance: 0.004, WindResistanceCoefficient: 0.51}

	plain := f.newDevice(&fakeTransport{name: "hrs"})
	assert.ErrorIs(t, plain.SetSimulationParameters(context.Background(), params), ErrNotSimulationCapable)

	sim := &fakeSimulation{}
	d := NewFitnessDevice(f.logger, Info{ID: "dev-1", Type: TypeTrainer}, NewBLELink(f.manager, "dev-1"),
		&fakeTransport{name: "ftms", caps: Capabilities{Simulation: sim}})
	assert.ErrorIs(t, d.SetSimulationParameters(context.Background(), params), ErrNotConnected)
	assert.Zero(t, sim.last)

	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.SetSimulationParameters(context.Background(), params))
	assert.Equal(t, params, sim.last)
}

func TestFitnessDevice_RefreshHints(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.newDevice(&fakeTransport{name: "hrs"}).RequiresContinuousRefresh())

	d := f.newDevice(
		&fakeTransport{name: "hrs"},
		&fakeTransport{name: "ftms", refresh: 2 * time.Second},
		&fakeTransport{name: "other", refresh: 5 * time.Second},
	)
	assert.True(t, d.RequiresContinuousRefresh())
	assert.Equal(t, 2*time.Second, d.RefreshInterval())
}

func TestNewFitnessDevice_Validation(t *testing.T) {
	f := newFixture(t)
	link := NewBLELink(f.manager, "dev-1")
	assert.Panics(t, func() { NewFitnessDevice(nil, Info{ID: "x"}, link) })
	assert.Panics(t, func() { NewFitnessDevice(f.logger, Info{ID: "x"}, nil) })
	assert.Panics(t, func() { NewFitnessDevice(f.logger, Info{}, link) })
}
