package manager

import (
	"fmt"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
)

// Role is a logical slot a device can fill.
type Role int

const (
	RolePrimaryTrainer Role = iota
	RolePowerSource
	RoleCadenceSource
	RoleSpeedSource
	RoleHeartRateSource
)

// AllRoles lists every role in display order.
var AllRoles = []Role{
	RolePrimaryTrainer,
	RolePowerSource,
	RoleCadenceSource,
	RoleSpeedSource,
	RoleHeartRateSource,
}

var roleNames = map[Role]string{
	RolePrimaryTrainer:  "primaryTrainer",
	RolePowerSource:     "powerSource",
	RoleCadenceSource:   "cadenceSource",
	RoleSpeedSource:     "speedSource",
	RoleHeartRateSource: "heartRateSource",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RequiredCapabilities are the tags a device needs to take the role.
func (r Role) RequiredCapabilities() device.CapabilitySet {
	switch r {
	case RolePrimaryTrainer:
		return device.NewCapabilitySet(device.CapPower, device.CapErgControl)
	case RolePowerSource:
		return device.NewCapabilitySet(device.CapPower)
	case RoleCadenceSource:
		return device.NewCapabilitySet(device.CapCadence)
	case RoleSpeedSource:
		return device.NewCapabilitySet(device.CapSpeed)
	case RoleHeartRateSource:
		return device.NewCapabilitySet(device.CapHeartRate)
	default:
		return 0
	}
}

// Metric is an aggregated stream.
type Metric int

const (
	MetricPower Metric = iota
	MetricCadence
	MetricSpeed
	MetricHeartRate
)

// AllMetrics lists the aggregated streams.
var AllMetrics = []Metric{MetricPower, MetricCadence, MetricSpeed, MetricHeartRate}

func (m Metric) String() string {
	switch m {
	case MetricPower:
		return "power"
	case MetricCadence:
		return "cadence"
	case MetricSpeed:
		return "speed"
	case MetricHeartRate:
		return "heartRate"
	default:
		return fmt.Sprintf("Metric(%d)", int(m))
	}
}

// dedicatedRole is the role whose device feeds the metric first.
func (m Metric) dedicatedRole() Role {
	switch m {
	case MetricPower:
		return RolePowerSource
	case MetricCadence:
		return RoleCadenceSource
	case MetricSpeed:
		return RoleSpeedSource
	default:
		return RoleHeartRateSource
	}
}

// trainerFallback reports whether the primary trainer feeds the metric when
// its dedicated role is empty. Heart rate never falls back.
func (m Metric) trainerFallback() bool {
	return m != MetricHeartRate
}

// Assignments maps each assigned role to a device id. Values handed out by
// the manager are copies.
type Assignments map[Role]string

func (a Assignments) clone() Assignments {
	out := make(Assignments, len(a))
	for r, id := range a {
		out[r] = id
	}
	return out
}

// RolesOf returns the roles held by deviceID in display order.
func (a Assignments) RolesOf(deviceID string) []Role {
	var roles []Role
	for _, r := range AllRoles {
		if a[r] == deviceID {
			roles = append(roles, r)
		}
	}
	return roles
}
