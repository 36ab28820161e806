package bt

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

var errNotConnected = errors.New("device not connected")

// ScanResult is one advertisement seen during discovery.
type ScanResult struct {
	ID           string
	Name         string
	RSSI         int16
	ServiceUUIDs []string
	SeenAt       time.Time
}

// HasServiceUUID reports whether the advertisement lists uuid.
func (r ScanResult) HasServiceUUID(uuid string) bool {
	for _, u := range r.ServiceUUIDs {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

// ConnectionChange is emitted whenever a peripheral link goes up or down.
type ConnectionChange struct {
	DeviceID  string
	Connected bool
}

// btDeviceImpl tracks one peripheral known to the tinygo adapter: its last
// advertisement, the live connection and the GATT discovery cache.
type btDeviceImpl struct {
	logger  *log.Logger
	address bluetooth.Address

	mu              sync.RWMutex
	lastScan        ScanResult
	connectedDevice *bluetooth.Device // nil if not connected

	bleMu                  sync.Mutex // serializes GATT operations on this device
	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address) *btDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		lastScan:               ScanResult{ID: address.String(), Name: "Unknown"},
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) id() string {
	return b.address.String()
}

func (b *btDeviceImpl) recordScan(result bluetooth.ScanResult, now time.Time) ScanResult {
	uuids := make([]string, 0, len(result.ServiceUUIDs()))
	for _, u := range result.ServiceUUIDs() {
		uuids = append(uuids, u.String())
	}
	name := result.LocalName()

	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		name = b.lastScan.Name
	}
	b.lastScan = ScanResult{
		ID:           b.id(),
		Name:         name,
		RSSI:         result.RSSI,
		ServiceUUIDs: uuids,
		SeenAt:       now,
	}
	return b.lastScan
}

func (b *btDeviceImpl) scanResult() ScanResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastScan
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	b.mu.Unlock()

	if device == nil {
		// handles are invalid once the link drops
		b.bleMu.Lock()
		b.serviceByUuid.Clear()
		b.characteristicByUuid.Clear()
		b.serviceCharsDiscovered.Clear()
		b.allServicesDiscovered = false
		b.bleMu.Unlock()
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) isConnected() bool {
	return b.getConnectedDevice() != nil
}

func (b *btDeviceImpl) discoverServices() ([]string, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	if err := b.discoverAllServices(); err != nil {
		return nil, err
	}
	uuids := make([]string, 0, b.serviceByUuid.Len())
	b.serviceByUuid.Range(func(uuid string, _ *bluetooth.DeviceService) bool {
		uuids = append(uuids, uuid)
		return true
	})
	return uuids, nil
}

func (b *btDeviceImpl) enableNotifications(serviceUuidStr, characteristicUuidStr string, callback func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		b.logger.Printf("BTDevice: Failed to get characteristic %s: %v", characteristicUuidStr, err)
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}
	b.logger.Printf("BTDevice: Notifications enabled for %s on %s", characteristicUuidStr, b.id())
	return nil
}

func (b *btDeviceImpl) disableNotifications(serviceUuidStr, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	if b.getConnectedDevice() == nil {
		return nil
	}
	characteristic, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// a nil callback turns notifications off
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) writeCharacteristic(serviceUuidStr, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.getDeviceCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if _, err := characteristic.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", characteristicUuidStr, err)
	}
	return nil
}

// discoverAllServices must be called with bleMu held. Services are discovered
// all at once because discovering one at a time interrupts services already in use.
func (b *btDeviceImpl) discoverAllServices() error {
	if b.allServicesDiscovered {
		return nil
	}
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return errNotConnected
	}

	b.logger.Printf("BTDevice: Discovering all services for %s", b.id())
	deviceServices, err := connectedDevice.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("error discovering services: %w", err)
	}
	for i := range deviceServices {
		svc := &deviceServices[i]
		b.serviceByUuid.Store(svc.UUID().String(), svc)
	}
	b.allServicesDiscovered = true
	return nil
}

// getDeviceCharacteristic must be called with bleMu held.
func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUuidStr, err)
	}
	serviceKey := serviceUuid.String()
	comboKey := serviceKey + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(comboKey); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceKey); !discovered {
		if err := b.discoverAllServices(); err != nil {
			return nil, err
		}
		service, ok := b.serviceByUuid.Load(serviceKey)
		if !ok {
			return nil, fmt.Errorf("service %v not found on device", serviceKey)
		}

		b.logger.Printf("BTDevice: Discovering all characteristics for service %s", serviceKey)
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceKey, err)
		}
		for i := range chars {
			char := &chars[i]
			b.characteristicByUuid.Store(serviceKey+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceKey, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceKey)
	}
	return characteristic, nil
}
