package ftms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
)

var ErrServiceNotFound = errors.New("ftms: fitness machine service not found")

// Phase is the position of the reconciliation state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequestingControl
	PhaseHasControl
	PhaseSyncing
	PhaseSynced
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRequestingControl:
		return "RequestingControl"
	case PhaseHasControl:
		return "HasControl"
	case PhaseSyncing:
		return "Syncing"
	case PhaseSynced:
		return "Synced"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Options configures a Transport. Zero values pick production defaults.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// ReportsHeartRate exposes the heart rate field of Indoor Bike Data as a
	// HeartRateSource.
	ReportsHeartRate bool
}

// Transport speaks FTMS to one trainer. It decodes Indoor Bike Data into
// samples and drives the Control Point so that the trainer's actual state
// follows the desired state.
type Transport struct {
	logger   *log.Logger
	manager  bt.BTManagerInterface
	deviceID string
	clk      clock.Clock
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	opts     Options

	power     *events.Beacon[*device.PowerSample]
	cadence   *events.Beacon[*device.CadenceSample]
	speed     *events.Beacon[*device.SpeedSample]
	heartRate *events.Beacon[*device.HeartRateSample]
	phase     *events.Beacon[Phase]

	mu         sync.Mutex
	attached   bool
	ctx        context.Context
	cancel     context.CancelFunc
	unsubs     []func()
	desired    State
	actual     State
	hasControl bool
	// written remembers, per opcode, the state whose command is awaiting a response.
	written    map[OpCode]State
	inFlight   bool
	resync     bool // SyncState was called while a pass was in flight
	timer      *clock.Timer
	timerArmed bool
	due        time.Time
	gen        uint64 // invalidates timers armed before the latest change
	session    uint64 // bumped on every reset
}

var (
	_ device.Transport             = (*Transport)(nil)
	_ device.PowerSource           = (*Transport)(nil)
	_ device.CadenceSource         = (*Transport)(nil)
	_ device.SpeedSource           = (*Transport)(nil)
	_ device.HeartRateSource       = (*Transport)(nil)
	_ device.ErgModeControl        = (*Transport)(nil)
	_ device.SimulationModeControl = (*Transport)(nil)
)

func NewTransport(logger *log.Logger, manager bt.BTManagerInterface, deviceID string, opts Options) *Transport {
	if logger == nil {
		panic("FTMS: logger cannot be nil")
	}
	if manager == nil {
		panic("FTMS: manager cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Transport{
		logger:    logger,
		manager:   manager,
		deviceID:  deviceID,
		clk:       opts.Clock,
		metrics:   opts.Metrics,
		limiter:   rate.NewLimiter(rate.Every(RateLimitInterval), 1),
		opts:      opts,
		power:     events.NewBeacon[*device.PowerSample](nil),
		cadence:   events.NewBeacon[*device.CadenceSample](nil),
		speed:     events.NewBeacon[*device.SpeedSample](nil),
		heartRate: events.NewBeacon[*device.HeartRateSample](nil),
		phase:     events.NewDistinctBeacon(PhaseIdle),
		written:   make(map[OpCode]State),
	}
}

func (t *Transport) Name() string { return "ftms" }

func (t *Transport) Capabilities() device.Capabilities {
	caps := device.Capabilities{
		Power:      t,
		Cadence:    t,
		Speed:      t,
		Erg:        t,
		Simulation: t,
	}
	if t.opts.ReportsHeartRate {
		caps.HeartRate = t
	}
	return caps
}

func (t *Transport) RequiresContinuousRefresh() bool { return true }
func (t *Transport) RefreshInterval() time.Duration  { return RefreshInterval }

func (t *Transport) Power() events.Observable[*device.PowerSample]     { return t.power.ReadOnly() }
func (t *Transport) Cadence() events.Observable[*device.CadenceSample] { return t.cadence.ReadOnly() }
func (t *Transport) Speed() events.Observable[*device.SpeedSample]     { return t.speed.ReadOnly() }
func (t *Transport) HeartRate() events.Observable[*device.HeartRateSample] {
	return t.heartRate.ReadOnly()
}

// Phase reports the reconciliation state machine position.
func (t *Transport) Phase() events.Observable[Phase] { return t.phase.ReadOnly() }

func (t *Transport) Desired() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desired
}

// Actual is the last state the trainer confirmed.
func (t *Transport) Actual() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actual
}

func (t *Transport) HasControl() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasControl
}

func (t *Transport) SetTargetPower(ctx context.Context, watts int) error {
	t.SyncState(TargetPower(watts))
	return nil
}

func (t *Transport) SetSimulationParameters(ctx context.Context, params device.SimulationParameters) error {
	t.SyncState(Simulation(params))
	return nil
}

// Attach subscribes to Indoor Bike Data and Control Point responses.
func (t *Transport) Attach(ctx context.Context) error {
	t.mu.Lock()
	if t.attached {
		t.mu.Unlock()
		return nil
	}
	t.resetLocked()
	t.mu.Unlock()

	err := t.attach(ctx)
	if err != nil {
		t.logger.Printf("FTMS[%s]: Attach failed: %v", t.deviceID, err)
		t.mu.Lock()
		t.resetLocked()
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) attach(ctx context.Context) error {
	services, err := t.manager.DiscoverServices(ctx, t.deviceID)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	found := false
	for _, s := range services {
		if s == ServiceUUID {
			found = true
			break
		}
	}
	if !found {
		return ErrServiceNotFound
	}

	unsubData, err := t.manager.SubscribeNotifications(ctx, t.deviceID, ServiceUUID, CharUUIDIndoorBikeData, t.handleIndoorBikeData)
	if err != nil {
		return fmt.Errorf("subscribe indoor bike data: %w", err)
	}
	unsubControl, err := t.manager.SubscribeNotifications(ctx, t.deviceID, ServiceUUID, CharUUIDControlPoint, t.handleControlPoint)
	if err != nil {
		unsubData()
		return fmt.Errorf("subscribe control point: %w", err)
	}

	t.mu.Lock()
	t.attached = true
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.unsubs = []func(){unsubData, unsubControl}
	t.mu.Unlock()

	t.logger.Printf("FTMS[%s]: Attached", t.deviceID)
	return nil
}

// Detach drops subscriptions, cancels timers and forgets desired, actual and
// authority, so a later Attach never replays stale targets.
func (t *Transport) Detach(ctx context.Context) error {
	t.mu.Lock()
	wasAttached := t.attached
	unsubs := t.unsubs
	t.unsubs = nil
	t.resetLocked()
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if wasAttached {
		t.power.Set(nil)
		t.cadence.Set(nil)
		t.speed.Set(nil)
		t.heartRate.Set(nil)
		t.logger.Printf("FTMS[%s]: Detached", t.deviceID)
	}
	return nil
}

func (t *Transport) resetLocked() {
	t.attached = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.desired = Idle()
	t.actual = Idle()
	t.hasControl = false
	t.written = make(map[OpCode]State)
	t.resync = false
	t.stopTimerLocked()
	t.gen++
	t.session++
	t.phase.Set(PhaseIdle)
}

// SyncState records desired as the target and schedules a reconciliation
// pass after the debounce window. Calls inside the window collapse into one
// pass that uses the latest value. Power targets are clamped first.
func (t *Transport) SyncState(desired State) {
	desired = desired.clamped()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.desired = desired
	if t.inFlight {
		t.resync = true
		return
	}
	t.armLocked(DebounceWindow)
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerArmed = false
}

// armLocked replaces any pending pass with one that runs after delay.
func (t *Transport) armLocked(delay time.Duration) {
	t.stopTimerLocked()
	t.gen++
	gen := t.gen
	t.timerArmed = true
	t.due = t.clk.Now().Add(delay)
	t.timer = t.clk.AfterFunc(delay, func() { t.runPass(gen) })
}

// scheduleNextLocked arms a pass, or defers it until the pass in flight ends.
func (t *Transport) scheduleNextLocked(delay time.Duration) {
	if t.inFlight {
		t.resync = true
		return
	}
	t.armLocked(delay)
}

func (t *Transport) runPass(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timerArmed = false
	t.timer = nil
	if !t.attached || t.inFlight {
		t.mu.Unlock()
		return
	}

	var (
		op      OpCode
		payload []byte
		target  State
	)
	switch {
	case t.desired.IsIdle():
		t.mu.Unlock()
		return
	case !t.hasControl:
		op = OpRequestControl
		payload = EncodeRequestControl()
	case t.desired == t.actual:
		t.phase.Set(PhaseSynced)
		t.mu.Unlock()
		return
	default:
		target = t.desired
		var err error
		payload, err = EncodeCommand(target)
		if err != nil {
			t.logger.Printf("FTMS[%s]: Cannot encode %v: %v", t.deviceID, target, err)
			t.mu.Unlock()
			return
		}
		op, _ = target.OpCode()
	}

	now := t.clk.Now()
	reservation := t.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		t.armLocked(delay)
		t.mu.Unlock()
		return
	}

	if op == OpRequestControl {
		t.phase.Set(PhaseRequestingControl)
	} else {
		t.written[op] = target
		t.phase.Set(PhaseSyncing)
	}
	t.inFlight = true
	session := t.session
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	t.mu.Unlock()
	defer cancel()

	passID := uuid.NewString()[:8]
	if op == OpRequestControl {
		t.logger.Printf("FTMS[%s]: pass %s requesting control", t.deviceID, passID)
	} else {
		t.logger.Printf("FTMS[%s]: pass %s writing %v", t.deviceID, passID, target)
	}
	t.metrics.ReconcilePass()
	t.metrics.CommandWritten(op.String())

	err := t.manager.WriteCharacteristic(ctx, t.deviceID, ServiceUUID, CharUUIDControlPoint, payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
	// a resync may belong to a newer session that attached while this write ran
	if t.resync {
		t.resync = false
		if t.attached {
			t.armLocked(DebounceWindow)
		}
	}
	if session != t.session {
		return
	}
	if err != nil {
		t.logger.Printf("FTMS[%s]: pass %s write failed: %v", t.deviceID, passID, err)
		delete(t.written, op)
		t.phase.Set(PhaseIdle)
	}
}

func (t *Transport) handleControlPoint(buf []byte) {
	resp, err := DecodeResponse(buf)
	if err != nil {
		t.logger.Printf("FTMS[%s]: Control Point: %v (% X)", t.deviceID, err, buf)
		return
	}
	t.metrics.Response(resp.RequestOpCode.String(), resp.Result.String())

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		return
	}

	if !resp.Success() {
		t.logger.Printf("FTMS[%s]: Control Point: %v -> %v", t.deviceID, resp.RequestOpCode, resp.Result)
		delete(t.written, resp.RequestOpCode)
		if resp.RequestOpCode == OpRequestControl {
			t.hasControl = false
		}
		t.phase.Set(PhaseIdle)
		return
	}

	if resp.RequestOpCode == OpRequestControl {
		t.logger.Printf("FTMS[%s]: Control granted", t.deviceID)
		t.hasControl = true
		t.phase.Set(PhaseHasControl)
		t.scheduleNextLocked(0)
		return
	}

	written, ok := t.written[resp.RequestOpCode]
	if !ok {
		t.logger.Printf("FTMS[%s]: Control Point: unsolicited success for %v", t.deviceID, resp.RequestOpCode)
		return
	}
	delete(t.written, resp.RequestOpCode)
	t.actual = written
	if t.actual == t.desired {
		t.phase.Set(PhaseSynced)
	} else {
		t.phase.Set(PhaseHasControl)
	}
}

func (t *Transport) handleIndoorBikeData(buf []byte) {
	data := DecodeIndoorBikeData(buf)
	if data.Truncated {
		t.metrics.TruncatedFrame()
		t.logger.Printf("FTMS[%s]: Indoor Bike Data truncated (% X)", t.deviceID, buf)
	}

	now := t.clk.Now()
	if data.HasInstantaneousPower {
		t.power.Set(&device.PowerSample{Watts: int(data.InstantaneousPowerWatts), Timestamp: now})
	}
	if data.HasInstantaneousCadence {
		t.cadence.Set(&device.CadenceSample{RPM: data.InstantaneousCadenceRpm, Timestamp: now})
	}
	if data.HasInstantaneousSpeed {
		t.speed.Set(&device.SpeedSample{KMH: data.InstantaneousSpeedKmh, Timestamp: now})
	}
	if data.HasHeartRate && t.opts.ReportsHeartRate {
		t.heartRate.Set(&device.HeartRateSample{BPM: int(data.HeartRateBpm), Timestamp: now})
	}
}
