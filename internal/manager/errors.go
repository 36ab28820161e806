package manager

import (
	"errors"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDuplicateDevice   = errors.New("device already added")
	ErrMissingCapability = errors.New("device lacks the capability the role requires")
	ErrUnknownRole       = errors.New("unknown role")
	ErrRoleUnassigned    = errors.New("role is not assigned")
	ErrUnknownTransport  = errors.New("unknown transport hint")
	ErrClosed            = errors.New("device manager is closed")

	// ErrNotErgCapable is returned when a device without ERG control is
	// made primary trainer or asked for a target power.
	ErrNotErgCapable = device.ErrNotErgCapable
)
