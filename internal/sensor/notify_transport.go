// Package sensor implements read-only transports for the standard Bluetooth
// sensor profiles: heart rate, cycling power and cycling speed and cadence.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
)

// Standard service and measurement characteristic identifiers.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"

	CyclingPowerServiceUUID     = "00001818-0000-1000-8000-00805f9b34fb"
	CyclingPowerMeasurementUUID = "00002a63-0000-1000-8000-00805f9b34fb"

	CSCServiceUUID     = "00001816-0000-1000-8000-00805f9b34fb"
	CSCMeasurementUUID = "00002a5b-0000-1000-8000-00805f9b34fb"
)

var ErrServiceNotFound = errors.New("sensor: service not found")

// Options configures a sensor transport. A nil Clock uses the wall clock.
type Options struct {
	Clock clock.Clock
}

// notifyTransport owns the single measurement subscription every sensor
// profile needs. The profile supplies the handler and a reset hook.
type notifyTransport struct {
	name        string
	logger      *log.Logger
	manager     bt.BTManagerInterface
	deviceID    string
	serviceUUID string
	charUUID    string
	clk         clock.Clock

	handle func(buf []byte)
	reset  func()

	mu       sync.Mutex
	attached bool
	unsub    func()
}

func newNotifyTransport(name string, logger *log.Logger, manager bt.BTManagerInterface, deviceID, serviceUUID, charUUID string, opts Options) *notifyTransport {
	if logger == nil {
		panic(name + ": logger cannot be nil")
	}
	if manager == nil {
		panic(name + ": manager cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &notifyTransport{
		name:        name,
		logger:      logger,
		manager:     manager,
		deviceID:    deviceID,
		serviceUUID: serviceUUID,
		charUUID:    charUUID,
		clk:         opts.Clock,
	}
}

func (n *notifyTransport) Name() string { return n.name }

func (n *notifyTransport) RequiresContinuousRefresh() bool { return false }
func (n *notifyTransport) RefreshInterval() time.Duration  { return 0 }

func (n *notifyTransport) Attach(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.attached {
		return nil
	}

	services, err := n.manager.DiscoverServices(ctx, n.deviceID)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	found := false
	for _, s := range services {
		if strings.EqualFold(s, n.serviceUUID) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, n.serviceUUID)
	}

	unsub, err := n.manager.SubscribeNotifications(ctx, n.deviceID, n.serviceUUID, n.charUUID, n.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.charUUID, err)
	}
	n.unsub = unsub
	n.attached = true
	n.logger.Printf("%s[%s]: Attached", strings.ToUpper(n.name), n.deviceID)
	return nil
}

func (n *notifyTransport) Detach(ctx context.Context) error {
	n.mu.Lock()
	unsub := n.unsub
	wasAttached := n.attached
	n.unsub = nil
	n.attached = false
	n.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if wasAttached {
		n.reset()
		n.logger.Printf("%s[%s]: Detached", strings.ToUpper(n.name), n.deviceID)
	}
	return nil
}
