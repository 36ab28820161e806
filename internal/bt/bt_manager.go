package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

// BTManagerInterface is the BLE primitive the rest of the hub is built on.
// Devices are addressed by their string id (the adapter address).
type BTManagerInterface interface {
	Enable() error
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	// ScanResults returns the advertisements seen within the scan timeout.
	ScanResults() []ScanResult
	ListenToScanResults(callback func(ScanResult)) func()

	Connect(ctx context.Context, deviceID string) error
	Disconnect(ctx context.Context, deviceID string) error
	DiscoverServices(ctx context.Context, deviceID string) ([]string, error)
	WriteCharacteristic(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, data []byte) error
	// SubscribeNotifications delivers every notification of the characteristic
	// to callback until the returned function is called or the link drops.
	SubscribeNotifications(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, callback func([]byte)) (func(), error)
	ListenToConnectionChanges(callback func(ConnectionChange)) func()

	Shutdown()
}

var _ BTManagerInterface = (*BTManager)(nil)

// BTManager implements BTManagerInterface on top of a tinygo bluetooth adapter.
type BTManager struct {
	adapter           *bluetooth.Adapter
	devicesByAddress  *safe_map.SafeMap[string, *btDeviceImpl]
	mu                sync.RWMutex
	scanning          bool
	scanTimeout       time.Duration
	scanContextCancel context.CancelFunc
	scanResultEvent   *events.CallbackEvent[ScanResult]
	connectionEvent   *events.CallbackEvent[ConnectionChange]
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	logger            *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:          adapter,
		devicesByAddress: safe_map.NewSafeMap[string, *btDeviceImpl](),
		scanTimeout:      scanTimeout,
		scanResultEvent:  events.NewCallbackEvent[ScanResult](),
		connectionEvent:  events.NewCallbackEvent[ConnectionChange](),
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	created := newBtDeviceImpl(m.logger, address)
	device, loaded := m.devicesByAddress.LoadOrStore(address.String(), created)
	return device, !loaded
}

func (m *BTManager) lookup(deviceID string) (*btDeviceImpl, error) {
	device, ok := m.devicesByAddress.Load(deviceID)
	if !ok {
		return nil, fmt.Errorf("could not find device %s, it must be seen in a scan first", deviceID)
	}
	return device, nil
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", d.id())
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", d.id())
			d.setConnectedDevice(nil)
		}
		m.connectionEvent.Notify(ConnectionChange{DeviceID: d.id(), Connected: connected})
	})
	return m.adapter.Enable()
}

// StartScan restarts discovery. A nil filter accepts every advertisement.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, filter := range serviceUuidFilter {
		filterSet[strings.ToLower(filter)] = struct{}{}
	}
	m.logger.Printf("BTManager: Starting scan, filter set is: %v", filterSet)

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: A scan is already running, replacing it")
		m.scanContextCancel()
	}
	m.scanning = true
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		defer m.logger.Printf("BTManager: exiting scan handling loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}

			if len(filterSet) > 0 {
				found := false
				for _, uuid := range result.ServiceUUIDs() {
					if _, ok := filterSet[uuid.String()]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			d, created := m.getBTDeviceImpl(result.Address)
			scanned := d.recordScan(result, time.Now())
			if created {
				m.logger.Printf("BTManager: Found device: %s (%s) [RSSI: %d]", scanned.Name, scanned.ID, scanned.RSSI)
			}
			m.scanResultEvent.Notify(scanned)
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
		}
	})
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *BTManager) ScanResults() []ScanResult {
	now := time.Now()
	results := make([]ScanResult, 0)
	m.devicesByAddress.Range(func(_ string, d *btDeviceImpl) bool {
		scanned := d.scanResult()
		if !scanned.SeenAt.IsZero() && now.Sub(scanned.SeenAt) <= m.scanTimeout {
			results = append(results, scanned)
		}
		return true
	})
	return results
}

func (m *BTManager) ListenToScanResults(callback func(ScanResult)) func() {
	return m.scanResultEvent.Listen(callback)
}

func (m *BTManager) ListenToConnectionChanges(callback func(ConnectionChange)) func() {
	return m.connectionEvent.Listen(callback)
}

// Connect blocks until the link is up or ctx is done. A connection that
// completes after ctx was cancelled is torn down again.
func (m *BTManager) Connect(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	if d.isConnected() {
		return nil
	}
	m.logger.Printf("BTManager: Attempting to connect to device: %s", deviceID)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan connectResult, 1)
	go_func_utils.SafeGo(m.logger, func() {
		device, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		done <- connectResult{device: device, err: err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			m.logger.Printf("BTManager: Connection error for %s: %v", deviceID, res.err)
			return res.err
		}
		d.setConnectedDevice(&res.device)
		return nil
	case <-ctx.Done():
		go_func_utils.SafeGo(m.logger, func() {
			if res := <-done; res.err == nil {
				m.logger.Printf("BTManager: Connect to %s finished after cancellation, disconnecting", deviceID)
				if err := res.device.Disconnect(); err != nil {
					m.logger.Printf("BTManager: Error disconnecting %s: %v", deviceID, err)
				}
			}
		})
		return ctx.Err()
	}
}

// Disconnect is a no-op for a device that is not connected.
func (m *BTManager) Disconnect(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	innerDevice := d.getConnectedDevice()
	if innerDevice == nil {
		return nil
	}
	m.logger.Printf("BTManager: Disconnecting from device: %s", deviceID)
	return innerDevice.Disconnect()
}

func (m *BTManager) DiscoverServices(ctx context.Context, deviceID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := m.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	return d.discoverServices()
}

func (m *BTManager) WriteCharacteristic(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.writeCharacteristic(serviceUuid, characteristicUuid, data)
}

func (m *BTManager) SubscribeNotifications(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, callback func([]byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := m.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	if err := d.enableNotifications(serviceUuid, characteristicUuid, callback); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := d.disableNotifications(serviceUuid, characteristicUuid); err != nil {
				m.logger.Printf("BTManager: Error disabling notifications on %s: %v", deviceID, err)
			}
		})
	}, nil
}

// Shutdown disconnects every device, stops scanning and waits for the scan goroutine.
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	m.devicesByAddress.Range(func(id string, d *btDeviceImpl) bool {
		if d.isConnected() {
			if err := m.Disconnect(context.Background(), id); err != nil {
				m.logger.Printf("BTManager: Error disconnecting from %v: %v", id, err)
			}
		}
		return true
	})
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}
