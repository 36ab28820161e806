package device

import (
	"context"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
)

// Link is the physical connection a device's transports share.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// ListenToLinkLost registers a callback for a link that drops after
	// Connect succeeded. The callback may run on any goroutine.
	ListenToLinkLost(callback func()) func()
}

// BLELink adapts one peripheral of a bt.BTManagerInterface to Link.
type BLELink struct {
	manager  bt.BTManagerInterface
	deviceID string
}

var _ Link = (*BLELink)(nil)

func NewBLELink(manager bt.BTManagerInterface, deviceID string) *BLELink {
	if manager == nil {
		panic("BLELink: manager cannot be nil")
	}
	return &BLELink{manager: manager, deviceID: deviceID}
}

func (l *BLELink) DeviceID() string { return l.deviceID }

// Manager returns the BLE primitive transports use for GATT operations.
func (l *BLELink) Manager() bt.BTManagerInterface { return l.manager }

func (l *BLELink) Connect(ctx context.Context) error {
	return l.manager.Connect(ctx, l.deviceID)
}

func (l *BLELink) Disconnect(ctx context.Context) error {
	return l.manager.Disconnect(ctx, l.deviceID)
}

func (l *BLELink) ListenToLinkLost(callback func()) func() {
	return l.manager.ListenToConnectionChanges(func(change bt.ConnectionChange) {
		if change.DeviceID == l.deviceID && !change.Connected {
			callback()
		}
	})
}
