package device

import (
	"context"
	"strings"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/events"
)

// Capability is a tag for one metric or control a device can provide.
type Capability uint8

const (
	CapPower Capability = iota
	CapCadence
	CapSpeed
	CapHeartRate
	CapErgControl
	CapSimulationControl
)

var capabilityNames = map[Capability]string{
	CapPower:             "power",
	CapCadence:           "cadence",
	CapSpeed:             "speed",
	CapHeartRate:         "heartRate",
	CapErgControl:        "ergControl",
	CapSimulationControl: "simulationControl",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return "unknown"
}

// CapabilitySet is an immutable set of capability tags.
type CapabilitySet uint8

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool { return s&(1<<c) != 0 }

func (s CapabilitySet) With(c Capability) CapabilitySet { return s | 1<<c }

// List returns the tags in declaration order.
func (s CapabilitySet) List() []Capability {
	var out []Capability
	for c := CapPower; c <= CapSimulationControl; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s CapabilitySet) String() string {
	names := make([]string, 0, 6)
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// PowerSource exposes the latest power sample; nil means absent.
type PowerSource interface {
	Power() events.Observable[*PowerSample]
}

type CadenceSource interface {
	Cadence() events.Observable[*CadenceSample]
}

type SpeedSource interface {
	Speed() events.Observable[*SpeedSample]
}

type HeartRateSource interface {
	HeartRate() events.Observable[*HeartRateSample]
}

// ErgModeControl holds the trainer at a fixed power.
type ErgModeControl interface {
	SetTargetPower(ctx context.Context, watts int) error
}

// SimulationParameters describe riding conditions for simulation mode.
type SimulationParameters struct {
	WindSpeed                 float64 // m/s
	Grade                     float64 // percent
	RollingResistance         float64 // coefficient
	WindResistanceCoefficient float64 // kg/m
}

type SimulationModeControl interface {
	SetSimulationParameters(ctx context.Context, params SimulationParameters) error
}

// Capabilities holds at most one implementation per capability tag.
type Capabilities struct {
	Power      PowerSource
	Cadence    CadenceSource
	Speed      SpeedSource
	HeartRate  HeartRateSource
	Erg        ErgModeControl
	Simulation SimulationModeControl
}

// Set returns the tags that have an implementation.
func (c Capabilities) Set() CapabilitySet {
	var s CapabilitySet
	if c.Power != nil {
		s = s.With(CapPower)
	}
	if c.Cadence != nil {
		s = s.With(CapCadence)
	}
	if c.Speed != nil {
		s = s.With(CapSpeed)
	}
	if c.HeartRate != nil {
		s = s.With(CapHeartRate)
	}
	if c.Erg != nil {
		s = s.With(CapErgControl)
	}
	if c.Simulation != nil {
		s = s.With(CapSimulationControl)
	}
	return s
}

func (c Capabilities) Has(tag Capability) bool { return c.Set().Has(tag) }

// Merge fills the tags c lacks from other. The first provider of a tag wins.
func (c Capabilities) Merge(other Capabilities) Capabilities {
	if c.Power == nil {
		c.Power = other.Power
	}
	if c.Cadence == nil {
		c.Cadence = other.Cadence
	}
	if c.Speed == nil {
		c.Speed = other.Speed
	}
	if c.HeartRate == nil {
		c.HeartRate = other.HeartRate
	}
	if c.Erg == nil {
		c.Erg = other.Erg
	}
	if c.Simulation == nil {
		c.Simulation = other.Simulation
	}
	return c
}
