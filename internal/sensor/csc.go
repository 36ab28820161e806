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

const (
	cscFlagWheelRevolutions = 1 << 0
	cscFlagCrankRevolutions = 1 << 1
)

// DefaultWheelCircumferenceMeters fits a 700x25c road tyre.
const DefaultWheelCircumferenceMeters = 2.105

// CSCMeasurement is one decoded CSC Measurement.
type CSCMeasurement struct {
	HasWheelData       bool
	WheelRevolutions   uint32
	LastWheelEventTime uint16 // 1/1024 s

	HasCrankData       bool
	CrankRevolutions   uint16
	LastCrankEventTime uint16 // 1/1024 s
}

func ParseCSC(buf []byte) (CSCMeasurement, error) {
	var m CSCMeasurement
	if len(buf) < 1 {
		return m, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}
	flags := buf[0]
	offset := 1

	if flags&cscFlagWheelRevolutions != 0 {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("CSC data too short for wheel data at offset %d", offset)
		}
		m.HasWheelData = true
		m.WheelRevolutions = binary.LittleEndian.Uint32(buf[offset:])
		m.LastWheelEventTime = binary.LittleEndian.Uint16(buf[offset+4:])
		offset += 6
	}
	if flags&cscFlagCrankRevolutions != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
		}
		m.HasCrankData = true
		m.CrankRevolutions = binary.LittleEndian.Uint16(buf[offset:])
		m.LastCrankEventTime = binary.LittleEndian.Uint16(buf[offset+2:])
	}
	return m, nil
}

// CSCTransport reads a speed and cadence sensor. Values are derived from the
// change in cumulative revolutions between notifications.
type CSCTransport struct {
	*notifyTransport
	wheelCircumference float64
	cadence            *events.Beacon[*device.CadenceSample]
	speed              *events.Beacon[*device.SpeedSample]

	revMu sync.Mutex
	wheel revolutionCounter
	crank revolutionCounter
}

var (
	_ device.Transport     = (*CSCTransport)(nil)
	_ device.CadenceSource = (*CSCTransport)(nil)
	_ device.SpeedSource   = (*CSCTransport)(nil)
)

// NewCSCTransport uses DefaultWheelCircumferenceMeters when
// wheelCircumferenceMeters is not positive.
func NewCSCTransport(logger *log.Logger, manager bt.BTManagerInterface, deviceID string, wheelCircumferenceMeters float64, opts Options) *CSCTransport {
	if wheelCircumferenceMeters <= 0 {
		wheelCircumferenceMeters = DefaultWheelCircumferenceMeters
	}
	t := &CSCTransport{
		notifyTransport:    newNotifyTransport("csc", logger, manager, deviceID, CSCServiceUUID, CSCMeasurementUUID, opts),
		wheelCircumference: wheelCircumferenceMeters,
		cadence:            events.NewBeacon[*device.CadenceSample](nil),
		speed:              events.NewBeacon[*device.SpeedSample](nil),
		wheel:              revolutionCounter{revMask: math.MaxUint32},
		crank:              revolutionCounter{revMask: math.MaxUint16},
	}
	t.handle = t.handleMeasurement
	t.reset = t.resetReadings
	return t
}

func (t *CSCTransport) Capabilities() device.Capabilities {
	return device.Capabilities{Cadence: t, Speed: t}
}

func (t *CSCTransport) Cadence() events.Observable[*device.CadenceSample] {
	return t.cadence.ReadOnly()
}

func (t *CSCTransport) Speed() events.Observable[*device.SpeedSample] {
	return t.speed.ReadOnly()
}

func (t *CSCTransport) resetReadings() {
	t.revMu.Lock()
	t.wheel.clear()
	t.crank.clear()
	t.revMu.Unlock()
	t.cadence.Set(nil)
	t.speed.Set(nil)
}

func (t *CSCTransport) handleMeasurement(buf []byte) {
	m, err := ParseCSC(buf)
	if err != nil {
		t.logger.Printf("CSC[%s]: %v (% X)", t.deviceID, err, buf)
		return
	}

	var (
		wheelPerSecond, crankPerSecond float64
		wheelOK, crankOK               bool
	)
	t.revMu.Lock()
	if m.HasWheelData {
		wheelPerSecond, wheelOK = t.wheel.update(m.WheelRevolutions, m.LastWheelEventTime)
	}
	if m.HasCrankData {
		crankPerSecond, crankOK = t.crank.update(uint32(m.CrankRevolutions), m.LastCrankEventTime)
	}
	t.revMu.Unlock()

	now := t.clk.Now()
	if wheelOK {
		kmh := wheelPerSecond * t.wheelCircumference * 3.6
		t.speed.Set(&device.SpeedSample{KMH: math.Round(kmh*100) / 100, Timestamp: now})
	}
	if crankOK {
		if rpm := crankPerSecond * 60; rpm <= maxCadenceRPM {
			t.cadence.Set(&device.CadenceSample{RPM: int(math.Round(rpm)), Timestamp: now})
		}
	}
}
