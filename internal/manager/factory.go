package manager

import (
	"fmt"
	"log"

	"github.com/benbjohnson/clock"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/sensor"
)

// Transport hints as persisted and as reported by Device.Transports.
const (
	HintFTMS         = "ftms"
	HintCyclingPower = "cps"
	HintCSC          = "csc"
	HintHeartRate    = "hrs"
)

// hintServices is in preference order: the first hint a scan advertises is
// the one a device is built around.
var hintServices = []struct {
	hint    string
	service string
}{
	{HintFTMS, ftms.ServiceUUID},
	{HintCyclingPower, sensor.CyclingPowerServiceUUID},
	{HintCSC, sensor.CSCServiceUUID},
	{HintHeartRate, sensor.HeartRateServiceUUID},
}

// HintFromServices picks the transport hint for an advertised service list.
func HintFromServices(uuids []string) (string, bool) {
	scan := bt.ScanResult{ServiceUUIDs: uuids}
	for _, hs := range hintServices {
		if scan.HasServiceUUID(hs.service) {
			return hs.hint, true
		}
	}
	return "", false
}

// ServiceForHint is the GATT service a hint is discovered by.
func ServiceForHint(hint string) (string, bool) {
	for _, hs := range hintServices {
		if hs.hint == hint {
			return hs.service, true
		}
	}
	return "", false
}

// DeviceFactory turns a remembered or scanned peripheral into a Device.
type DeviceFactory interface {
	NewDevice(hint string, scan bt.ScanResult) (Device, error)
}

type FactoryOptions struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// WheelCircumferenceMeters feeds CSC speed; zero uses the sensor default.
	WheelCircumferenceMeters float64
	// TrainerHeartRate exposes the heart rate field trainers report in
	// Indoor Bike Data.
	TrainerHeartRate bool
}

// BLEDeviceFactory builds FitnessDevices over a BLE manager. The hinted
// transport comes first; other known services the scan advertises are
// composed behind it.
type BLEDeviceFactory struct {
	logger  *log.Logger
	manager bt.BTManagerInterface
	opts    FactoryOptions
}

var _ DeviceFactory = (*BLEDeviceFactory)(nil)

func NewBLEDeviceFactory(logger *log.Logger, manager bt.BTManagerInterface, opts FactoryOptions) *BLEDeviceFactory {
	if logger == nil {
		panic("DeviceFactory: logger cannot be nil")
	}
	if opts.WheelCircumferenceMeters <= 0 {
		opts.WheelCircumferenceMeters = sensor.DefaultWheelCircumferenceMeters
	}
	return &BLEDeviceFactory{logger: logger, manager: manager, opts: opts}
}

func (f *BLEDeviceFactory) NewDevice(hint string, scan bt.ScanResult) (Device, error) {
	if hint == "" {
		detected, ok := HintFromServices(scan.ServiceUUIDs)
		if !ok {
			return nil, fmt.Errorf("%w: %s advertises no supported service", ErrUnknownTransport, scan.ID)
		}
		hint = detected
	}
	primary, err := f.transport(hint, scan.ID)
	if err != nil {
		return nil, err
	}
	transports := []device.Transport{primary}
	for _, hs := range hintServices {
		if hs.hint == hint || !scan.HasServiceUUID(hs.service) {
			continue
		}
		// an FTMS trainer also advertising CPS or CSC reports the same
		// data through both; only a separate heart rate service adds something
		if hint == HintFTMS && hs.hint != HintHeartRate {
			continue
		}
		extra, err := f.transport(hs.hint, scan.ID)
		if err != nil {
			return nil, err
		}
		transports = append(transports, extra)
	}

	deviceType := device.TypeSensor
	if hint == HintFTMS {
		deviceType = device.TypeTrainer
	}
	name := scan.Name
	if name == "" {
		name = scan.ID
	}
	info := device.Info{ID: scan.ID, Name: name, Type: deviceType}
	return device.NewFitnessDevice(f.logger, info, device.NewBLELink(f.manager, scan.ID), transports...), nil
}

func (f *BLEDeviceFactory) transport(hint, deviceID string) (device.Transport, error) {
	sensorOpts := sensor.Options{Clock: f.opts.Clock}
	switch hint {
	case HintFTMS:
		return ftms.NewTransport(f.logger, f.manager, deviceID, ftms.Options{
			Clock:            f.opts.Clock,
			Metrics:          f.opts.Metrics,
			ReportsHeartRate: f.opts.TrainerHeartRate,
		}), nil
	case HintCyclingPower:
		return sensor.NewCyclingPowerTransport(f.logger, f.manager, deviceID, sensorOpts), nil
	case HintCSC:
		return sensor.NewCSCTransport(f.logger, f.manager, deviceID, f.opts.WheelCircumferenceMeters, sensorOpts), nil
	case HintHeartRate:
		return sensor.NewHeartRateTransport(f.logger, f.manager, deviceID, sensorOpts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, hint)
	}
}
