package bt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
)

// WrittenValue records a value written to a mock characteristic.
type WrittenValue struct {
	Timestamp          time.Time
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
}

func (w WrittenValue) String() string {
	return fmt.Sprintf("%s/%s: %s", w.ServiceUUID, w.CharacteristicUUID, hex.EncodeToString(w.Data))
}

// WriteHandler lets a simulated peripheral react to a write. Returning an
// error fails the write.
type WriteHandler func(serviceUuid, characteristicUuid string, data []byte) error

// MockDevice is an in-memory peripheral served by MockBTManager.
type MockDevice struct {
	ID           string
	Name         string
	RSSI         int16
	ServiceUUIDs []string

	mu            sync.RWMutex
	connected     bool
	connectErr    error
	connectHook   func(ctx context.Context) error
	writeHandler  WriteHandler
	writes        []WrittenValue
	subscriptions map[string]map[uint64]func([]byte)
	nextSubID     uint64
}

func NewMockDevice(id, name string, serviceUUIDs ...string) *MockDevice {
	normalized := make([]string, len(serviceUUIDs))
	for i, u := range serviceUUIDs {
		normalized[i] = strings.ToLower(u)
	}
	return &MockDevice{
		ID:            id,
		Name:          name,
		RSSI:          -50,
		ServiceUUIDs:  normalized,
		subscriptions: make(map[string]map[uint64]func([]byte)),
	}
}

func subscriptionKey(serviceUuid, characteristicUuid string) string {
	return strings.ToLower(serviceUuid) + "_" + strings.ToLower(characteristicUuid)
}

// SetConnectError makes the next connection attempts fail with err (nil clears it).
func (d *MockDevice) SetConnectError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// SetConnectHook runs hook during Connect, before the link comes up. It can
// block on ctx to simulate a slow peripheral.
func (d *MockDevice) SetConnectHook(hook func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectHook = hook
}

func (d *MockDevice) SetWriteHandler(handler WriteHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeHandler = handler
}

func (d *MockDevice) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Writes returns a copy of every value written so far.
func (d *MockDevice) Writes() []WrittenValue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]WrittenValue, len(d.writes))
	copy(out, d.writes)
	return out
}

// WritesTo returns the payloads written to one characteristic.
func (d *MockDevice) WritesTo(characteristicUuid string) [][]byte {
	var out [][]byte
	for _, w := range d.Writes() {
		if strings.EqualFold(w.CharacteristicUUID, characteristicUuid) {
			out = append(out, w.Data)
		}
	}
	return out
}

func (d *MockDevice) ClearWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// SubscriberCount returns how many subscriptions the characteristic has.
func (d *MockDevice) SubscriberCount(serviceUuid, characteristicUuid string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions[subscriptionKey(serviceUuid, characteristicUuid)])
}

// Notify delivers data to every subscriber of the characteristic and reports
// whether anyone was subscribed. Nothing is delivered while disconnected.
func (d *MockDevice) Notify(serviceUuid, characteristicUuid string, data []byte) bool {
	d.mu.RLock()
	if !d.connected {
		d.mu.RUnlock()
		return false
	}
	subs := d.subscriptions[subscriptionKey(serviceUuid, characteristicUuid)]
	callbacks := make([]func([]byte), 0, len(subs))
	for _, cb := range subs {
		callbacks = append(callbacks, cb)
	}
	d.mu.RUnlock()

	for _, cb := range callbacks {
		buf := make([]byte, len(data))
		copy(buf, data)
		cb(buf)
	}
	return len(callbacks) > 0
}

func (d *MockDevice) scanResult() ScanResult {
	return ScanResult{
		ID:           d.ID,
		Name:         d.Name,
		RSSI:         d.RSSI,
		ServiceUUIDs: append([]string(nil), d.ServiceUUIDs...),
		SeenAt:       time.Now(),
	}
}

func (d *MockDevice) hasService(uuid string) bool {
	for _, u := range d.ServiceUUIDs {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

// MockBTManager implements BTManagerInterface with in-memory peripherals.
type MockBTManager struct {
	logger *log.Logger

	mu         sync.RWMutex
	devices    map[string]*MockDevice
	advertised map[string]bool
	scanning   bool
	filter     []string

	scanResultEvent *events.CallbackEvent[ScanResult]
	connectionEvent *events.CallbackEvent[ConnectionChange]
}

var _ BTManagerInterface = (*MockBTManager)(nil)

func NewMockBTManager(logger *log.Logger) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	return &MockBTManager{
		logger:          logger,
		devices:         make(map[string]*MockDevice),
		advertised:      make(map[string]bool),
		scanResultEvent: events.NewCallbackEvent[ScanResult](),
		connectionEvent: events.NewCallbackEvent[ConnectionChange](),
	}
}

// AddDevice registers a peripheral. It is not visible to scans until Advertise.
func (m *MockBTManager) AddDevice(device *MockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = device
}

// Advertise makes the device visible and, while scanning, emits a scan result
// if it matches the filter.
func (m *MockBTManager) Advertise(deviceID string) {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		m.logger.Printf("MockBTManager: Advertise for unknown device %s", deviceID)
		return
	}
	m.advertised[deviceID] = true
	emit := m.scanning && m.matchesFilterLocked(device)
	m.mu.Unlock()

	if emit {
		m.scanResultEvent.Notify(device.scanResult())
	}
}

// StopAdvertising hides the device from scans.
func (m *MockBTManager) StopAdvertising(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.advertised, deviceID)
}

func (m *MockBTManager) Device(deviceID string) (*MockDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	return d, ok
}

func (m *MockBTManager) matchesFilterLocked(device *MockDevice) bool {
	if len(m.filter) == 0 {
		return true
	}
	for _, f := range m.filter {
		if device.hasService(f) {
			return true
		}
	}
	return false
}

func (m *MockBTManager) lookup(deviceID string) (*MockDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("could not find mock device %s", deviceID)
	}
	return d, nil
}

func (m *MockBTManager) Enable() error {
	m.logger.Println("MockBTManager: Enabled (simulated)")
	return nil
}

func (m *MockBTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.filter = append([]string(nil), serviceUuidFilter...)
	visible := make([]ScanResult, 0)
	for id := range m.advertised {
		if d := m.devices[id]; d != nil && m.matchesFilterLocked(d) {
			visible = append(visible, d.scanResult())
		}
	}
	m.mu.Unlock()

	m.logger.Printf("MockBTManager: Starting scan, %d device(s) advertising", len(visible))
	for _, result := range visible {
		m.scanResultEvent.Notify(result)
	}
}

func (m *MockBTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	return nil
}

func (m *MockBTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockBTManager) ScanResults() []ScanResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]ScanResult, 0, len(m.advertised))
	for id := range m.advertised {
		if d := m.devices[id]; d != nil {
			results = append(results, d.scanResult())
		}
	}
	return results
}

func (m *MockBTManager) ListenToScanResults(callback func(ScanResult)) func() {
	return m.scanResultEvent.Listen(callback)
}

func (m *MockBTManager) ListenToConnectionChanges(callback func(ConnectionChange)) func() {
	return m.connectionEvent.Listen(callback)
}

func (m *MockBTManager) Connect(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}

	d.mu.RLock()
	hook, connectErr, connected := d.connectHook, d.connectErr, d.connected
	d.mu.RUnlock()
	if connected {
		return nil
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if connectErr != nil {
		return connectErr
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	m.logger.Printf("MockBTManager: Connected to %s", deviceID)
	m.connectionEvent.Notify(ConnectionChange{DeviceID: deviceID, Connected: true})
	return nil
}

func (m *MockBTManager) Disconnect(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	if !m.dropLink(d) {
		return nil
	}
	m.logger.Printf("MockBTManager: Disconnected from %s", deviceID)
	m.connectionEvent.Notify(ConnectionChange{DeviceID: deviceID, Connected: false})
	return nil
}

// DropConnection simulates the peripheral going out of range.
func (m *MockBTManager) DropConnection(deviceID string) {
	d, err := m.lookup(deviceID)
	if err != nil {
		m.logger.Printf("MockBTManager: %v", err)
		return
	}
	if m.dropLink(d) {
		m.logger.Printf("MockBTManager: Link to %s lost", deviceID)
		m.connectionEvent.Notify(ConnectionChange{DeviceID: deviceID, Connected: false})
	}
}

func (m *MockBTManager) dropLink(d *MockDevice) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return false
	}
	d.connected = false
	d.subscriptions = make(map[string]map[uint64]func([]byte))
	return true
}

func (m *MockBTManager) DiscoverServices(ctx context.Context, deviceID string) ([]string, error) {
	d, err := m.connectedDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.ServiceUUIDs...), nil
}

func (m *MockBTManager) WriteCharacteristic(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, data []byte) error {
	d, err := m.connectedDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.hasService(serviceUuid) {
		return fmt.Errorf("service %s not found on %s", serviceUuid, deviceID)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	d.mu.Lock()
	d.writes = append(d.writes, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        strings.ToLower(serviceUuid),
		CharacteristicUUID: strings.ToLower(characteristicUuid),
		Data:               buf,
	})
	handler := d.writeHandler
	d.mu.Unlock()

	if handler != nil {
		return handler(serviceUuid, characteristicUuid, buf)
	}
	return nil
}

func (m *MockBTManager) SubscribeNotifications(ctx context.Context, deviceID, serviceUuid, characteristicUuid string, callback func([]byte)) (func(), error) {
	if callback == nil {
		return nil, errors.New("callback cannot be nil")
	}
	d, err := m.connectedDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.hasService(serviceUuid) {
		return nil, fmt.Errorf("service %s not found on %s", serviceUuid, deviceID)
	}

	key := subscriptionKey(serviceUuid, characteristicUuid)
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	if d.subscriptions[key] == nil {
		d.subscriptions[key] = make(map[uint64]func([]byte))
	}
	d.subscriptions[key][id] = callback
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subscriptions[key], id)
	}, nil
}

func (m *MockBTManager) connectedDevice(ctx context.Context, deviceID string) (*MockDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := m.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	if !d.IsConnected() {
		return nil, fmt.Errorf("%s: %w", deviceID, errNotConnected)
	}
	return d, nil
}

func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	m.mu.RLock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(context.Background(), id); err != nil {
			m.logger.Printf("MockBTManager: Error disconnecting %s: %v", id, err)
		}
	}
	_ = m.StopScan()
}
