package sensor

import (
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
)

// ParseHeartRate decodes a Heart Rate Measurement. Flag bit 0 selects a
// uint16 value instead of uint8.
func ParseHeartRate(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}
	if buf[0]&0x01 == 0 {
		return int(buf[1]), nil
	}
	if len(buf) < 3 {
		return 0, fmt.Errorf("heart rate uint16 data too short: %d bytes", len(buf))
	}
	return int(uint16(buf[1]) | uint16(buf[2])<<8), nil
}

// HeartRateTransport reads a heart rate strap.
type HeartRateTransport struct {
	*notifyTransport
	heartRate *events.Beacon[*device.HeartRateSample]
}

var (
	_ device.Transport       = (*HeartRateTransport)(nil)
	_ device.HeartRateSource = (*HeartRateTransport)(nil)
)

func NewHeartRateTransport(logger *log.Logger, manager bt.BTManagerInterface, deviceID string, opts Options) *HeartRateTransport {
	t := &HeartRateTransport{
		notifyTransport: newNotifyTransport("hrs", logger, manager, deviceID, HeartRateServiceUUID, HeartRateMeasurementUUID, opts),
		heartRate:       events.NewBeacon[*device.HeartRateSample](nil),
	}
	t.handle = t.handleMeasurement
	t.reset = func() { t.heartRate.Set(nil) }
	return t
}

func (t *HeartRateTransport) Capabilities() device.Capabilities {
	return device.Capabilities{HeartRate: t}
}

func (t *HeartRateTransport) HeartRate() events.Observable[*device.HeartRateSample] {
	return t.heartRate.ReadOnly()
}

func (t *HeartRateTransport) handleMeasurement(buf []byte) {
	bpm, err := ParseHeartRate(buf)
	if err != nil {
		t.logger.Printf("HRS[%s]: %v (% X)", t.deviceID, err, buf)
		return
	}
	t.heartRate.Set(&device.HeartRateSample{BPM: bpm, Timestamp: t.clk.Now()})
}
