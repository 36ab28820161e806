package sensor

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
)

// Cycling Power Measurement flag bits that carry a field before crank data.
const (
	cpsFlagPedalPowerBalance = 1 << 0
	cpsFlagAccumulatedTorque = 1 << 2
	cpsFlagWheelRevolutions  = 1 << 4
	cpsFlagCrankRevolutions  = 1 << 5
)

const maxCadenceRPM = 300

// CyclingPowerMeasurement is the part of a Cycling Power Measurement the
// hub uses.
type CyclingPowerMeasurement struct {
	PowerWatts int16

	HasCrankData       bool
	CrankRevolutions   uint16
	LastCrankEventTime uint16 // 1/1024 s
}

// ParseCyclingPower decodes the flags, instantaneous power and, when
// present, the crank revolution data.
func ParseCyclingPower(buf []byte) (CyclingPowerMeasurement, error) {
	var m CyclingPowerMeasurement
	if len(buf) < 4 {
		return m, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	m.PowerWatts = int16(binary.LittleEndian.Uint16(buf[2:]))

	if flags&cpsFlagCrankRevolutions == 0 {
		return m, nil
	}
	offset := 4
	if flags&cpsFlagPedalPowerBalance != 0 {
		offset++
	}
	if flags&cpsFlagAccumulatedTorque != 0 {
		offset += 2
	}
	if flags&cpsFlagWheelRevolutions != 0 {
		offset += 6
	}
	if offset+4 > len(buf) {
		return m, fmt.Errorf("cycling power data too short for crank data at offset %d", offset)
	}
	m.HasCrankData = true
	m.CrankRevolutions = binary.LittleEndian.Uint16(buf[offset:])
	m.LastCrankEventTime = binary.LittleEndian.Uint16(buf[offset+2:])
	return m, nil
}

// CyclingPowerTransport reads a power meter. Cadence is derived from crank
// revolution data when the meter sends it.
type CyclingPowerTransport struct {
	*notifyTransport
	power   *events.Beacon[*device.PowerSample]
	cadence *events.Beacon[*device.CadenceSample]

	crankMu sync.Mutex
	crank   revolutionCounter
}

var (
	_ device.Transport     = (*CyclingPowerTransport)(nil)
	_ device.PowerSource   = (*CyclingPowerTransport)(nil)
	_ device.CadenceSource = (*CyclingPowerTransport)(nil)
)

func NewCyclingPowerTransport(logger *log.Logger, manager bt.BTManagerInterface, deviceID string, opts Options) *CyclingPowerTransport {
	t := &CyclingPowerTransport{
		notifyTransport: newNotifyTransport("cps", logger, manager, deviceID, CyclingPowerServiceUUID, CyclingPowerMeasurementUUID, opts),
		power:           events.NewBeacon[*device.PowerSample](nil),
		cadence:         events.NewBeacon[*device.CadenceSample](nil),
		crank:           revolutionCounter{revMask: math.MaxUint16},
	}
	t.handle = t.handleMeasurement
	t.reset = t.resetReadings
	return t
}

func (t *CyclingPowerTransport) Capabilities() device.Capabilities {
	return device.Capabilities{Power: t, Cadence: t}
}

func (t *CyclingPowerTransport) Power() events.Observable[*device.PowerSample] {
	return t.power.ReadOnly()
}

func (t *CyclingPowerTransport) Cadence() events.Observable[*device.CadenceSample] {
	return t.cadence.ReadOnly()
}

func (t *CyclingPowerTransport) resetReadings() {
	t.crankMu.Lock()
	t.crank.clear()
	t.crankMu.Unlock()
	t.power.Set(nil)
	t.cadence.Set(nil)
}

func (t *CyclingPowerTransport) handleMeasurement(buf []byte) {
	m, err := ParseCyclingPower(buf)
	if err != nil {
		t.logger.Printf("CPS[%s]: %v (% X)", t.deviceID, err, buf)
		return
	}
	now := t.clk.Now()
	t.power.Set(&device.PowerSample{Watts: int(m.PowerWatts), Timestamp: now})

	if !m.HasCrankData {
		return
	}
	t.crankMu.Lock()
	perSecond, ok := t.crank.update(uint32(m.CrankRevolutions), m.LastCrankEventTime)
	t.crankMu.Unlock()
	if !ok {
		return
	}
	rpm := perSecond * 60
	if rpm > maxCadenceRPM {
		return
	}
	t.cadence.Set(&device.CadenceSample{RPM: int(math.Round(rpm)), Timestamp: now})
}
