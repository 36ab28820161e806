package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/go_func_utils"
	"go.uber.org/multierr"
)

var (
	ErrNotErgCapable        = errors.New("device does not support ERG control")
	ErrNotSimulationCapable = errors.New("device does not support simulation mode")
	ErrNotConnected         = errors.New("device is not connected")
)

// Type is the broad class of a device.
type Type int

const (
	TypeSensor Type = iota
	TypeTrainer
)

func (t Type) String() string {
	if t == TypeTrainer {
		return "trainer"
	}
	return "sensor"
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Info is the immutable identity of a device.
type Info struct {
	ID   string
	Name string
	Type Type
}

// FitnessDevice composes one or more transports that share a link into a
// single device with unified streams and controls.
type FitnessDevice struct {
	info       Info
	link       Link
	transports []Transport
	caps       Capabilities
	logger     *log.Logger

	state *events.Beacon[ConnectionState]

	// opMu serializes connect, disconnect and link-loss handling.
	opMu          sync.Mutex
	mu            sync.Mutex
	cancelConnect context.CancelFunc
	unlistenLink  func()
}

var (
	_ ErgModeControl        = (*FitnessDevice)(nil)
	_ SimulationModeControl = (*FitnessDevice)(nil)
)

func NewFitnessDevice(logger *log.Logger, info Info, link Link, transports ...Transport) *FitnessDevice {
	if logger == nil {
		panic("FitnessDevice: logger cannot be nil")
	}
	if link == nil {
		panic("FitnessDevice: link cannot be nil")
	}
	if info.ID == "" {
		panic("FitnessDevice: id cannot be empty")
	}
	var caps Capabilities
	for _, t := range transports {
		caps = caps.Merge(t.Capabilities())
	}
	return &FitnessDevice{
		info:       info,
		link:       link,
		transports: transports,
		caps:       caps,
		logger:     logger,
		state:      events.NewDistinctBeacon(Disconnected),
	}
}

func (d *FitnessDevice) ID() string   { return d.info.ID }
func (d *FitnessDevice) Name() string { return d.info.Name }
func (d *FitnessDevice) Type() Type   { return d.info.Type }
func (d *FitnessDevice) Info() Info   { return d.info }

// Capabilities returns the union of the transports' capability tags.
func (d *FitnessDevice) Capabilities() CapabilitySet { return d.caps.Set() }

// Transports returns the protocol names in composition order.
func (d *FitnessDevice) Transports() []string {
	names := make([]string, len(d.transports))
	for i, t := range d.transports {
		names[i] = t.Name()
	}
	return names
}

func (d *FitnessDevice) ConnectionState() events.Observable[ConnectionState] {
	return d.state.ReadOnly()
}

// Power returns nil when no transport provides power.
func (d *FitnessDevice) Power() events.Observable[*PowerSample] {
	if d.caps.Power == nil {
		return nil
	}
	return d.caps.Power.Power()
}

func (d *FitnessDevice) Cadence() events.Observable[*CadenceSample] {
	if d.caps.Cadence == nil {
		return nil
	}
	return d.caps.Cadence.Cadence()
}

func (d *FitnessDevice) Speed() events.Observable[*SpeedSample] {
	if d.caps.Speed == nil {
		return nil
	}
	return d.caps.Speed.Speed()
}

func (d *FitnessDevice) HeartRate() events.Observable[*HeartRateSample] {
	if d.caps.HeartRate == nil {
		return nil
	}
	return d.caps.HeartRate.HeartRate()
}

func (d *FitnessDevice) SetTargetPower(ctx context.Context, watts int) error {
	if d.caps.Erg == nil {
		return fmt.Errorf("%s: %w", d.info.ID, ErrNotErgCapable)
	}
	if d.state.Value() != Connected {
		return fmt.Errorf("%s: %w", d.info.ID, ErrNotConnected)
	}
	return d.caps.Erg.SetTargetPower(ctx, watts)
}

func (d *FitnessDevice) SetSimulationParameters(ctx context.Context, params SimulationParameters) error {
	if d.caps.Simulation == nil {
		return fmt.Errorf("%s: %w", d.info.ID, ErrNotSimulationCapable)
	}
	if d.state.Value() != Connected {
		return fmt.Errorf("%s: %w", d.info.ID, ErrNotConnected)
	}
	return d.caps.Simulation.SetSimulationParameters(ctx, params)
}

// RequiresContinuousRefresh reports whether any transport needs its control
// targets re-sent periodically.
func (d *FitnessDevice) RequiresContinuousRefresh() bool {
	for _, t := range d.transports {
		if t.RequiresContinuousRefresh() {
			return true
		}
	}
	return false
}

// RefreshInterval is the shortest interval among transports that require
// refresh, or zero.
func (d *FitnessDevice) RefreshInterval() time.Duration {
	var interval time.Duration
	for _, t := range d.transports {
		if !t.RequiresContinuousRefresh() {
			continue
		}
		if i := t.RefreshInterval(); i > 0 && (interval == 0 || i < interval) {
			interval = i
		}
	}
	return interval
}

// Connect brings the link up and attaches every transport. It is a no-op on
// a connected device. A failure leaves the device in Error; cancellation of
// ctx or a concurrent Disconnect leaves it Disconnected.
func (d *FitnessDevice) Connect(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.state.Value() == Connected {
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelConnect = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancelConnect = nil
		d.mu.Unlock()
		cancel()
	}()

	d.state.Set(Connecting)
	d.logger.Printf("FitnessDevice[%s]: Connecting", d.info.ID)

	err := d.connect(attemptCtx)
	if err == nil {
		d.state.Set(Connected)
		d.logger.Printf("FitnessDevice[%s]: Connected", d.info.ID)
		return nil
	}

	if tearErr := d.teardown(context.WithoutCancel(ctx)); tearErr != nil {
		d.logger.Printf("FitnessDevice[%s]: Cleanup after failed connect: %v", d.info.ID, tearErr)
	}
	if attemptCtx.Err() != nil {
		d.logger.Printf("FitnessDevice[%s]: Connect cancelled", d.info.ID)
		d.state.Set(Disconnected)
		return attemptCtx.Err()
	}
	d.logger.Printf("FitnessDevice[%s]: Connect failed: %v", d.info.ID, err)
	d.state.Set(Error)
	return err
}

func (d *FitnessDevice) connect(ctx context.Context) error {
	if err := d.link.Connect(ctx); err != nil {
		return fmt.Errorf("link connect: %w", err)
	}

	unlisten := d.link.ListenToLinkLost(func() {
		// the link can report loss from inside Disconnect, which holds opMu
		go_func_utils.SafeGo(d.logger, d.handleLinkLost)
	})
	d.mu.Lock()
	d.unlistenLink = unlisten
	d.mu.Unlock()

	for _, t := range d.transports {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Attach(ctx); err != nil {
			return fmt.Errorf("attach %s: %w", t.Name(), err)
		}
	}
	return nil
}

// teardown must be called with opMu held.
func (d *FitnessDevice) teardown(ctx context.Context) error {
	d.mu.Lock()
	unlisten := d.unlistenLink
	d.unlistenLink = nil
	d.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}

	var err error
	for i := len(d.transports) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.transports[i].Detach(ctx))
	}
	return multierr.Append(err, d.link.Disconnect(ctx))
}

// Disconnect detaches every transport and drops the link. It is a no-op on a
// disconnected device and cancels a connect in progress.
func (d *FitnessDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.cancelConnect != nil {
		d.cancelConnect()
	}
	d.mu.Unlock()

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.state.Value() == Disconnected {
		return nil
	}
	d.logger.Printf("FitnessDevice[%s]: Disconnecting", d.info.ID)
	err := d.teardown(ctx)
	d.state.Set(Disconnected)
	return err
}

func (d *FitnessDevice) handleLinkLost() {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.state.Value() != Connected {
		return
	}
	d.logger.Printf("FitnessDevice[%s]: Link lost", d.info.ID)

	d.mu.Lock()
	unlisten := d.unlistenLink
	d.unlistenLink = nil
	d.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}

	ctx := context.Background()
	for i := len(d.transports) - 1; i >= 0; i-- {
		if err := d.transports[i].Detach(ctx); err != nil {
			d.logger.Printf("FitnessDevice[%s]: Detach %s after link loss: %v", d.info.ID, d.transports[i].Name(), err)
		}
	}
	d.state.Set(Disconnected)
}
