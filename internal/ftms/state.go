package ftms

import (
	"fmt"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/device"
)

type SimulationParameters = device.SimulationParameters

// Mode names the active field of a State.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModePower
	ModeResistance
	ModeSpeed
	ModeInclination
	ModeHeartRate
	ModeCadence
	ModeSimulation
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePower:
		return "power"
	case ModeResistance:
		return "resistance"
	case ModeSpeed:
		return "speed"
	case ModeInclination:
		return "inclination"
	case ModeHeartRate:
		return "heartRate"
	case ModeCadence:
		return "cadence"
	case ModeSimulation:
		return "simulation"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// State is a control target with at most one active field. States are
// built with the constructors below and compare with ==.
type State struct {
	mode        Mode
	power       int
	resistance  int16
	speed       float64
	inclination float64
	heartRate   uint8
	cadence     float64
	simulation  SimulationParameters
}

func Idle() State { return State{} }

func TargetPower(watts int) State { return State{mode: ModePower, power: watts} }

// TargetResistance takes the raw resistance level the trainer expects.
func TargetResistance(level int16) State { return State{mode: ModeResistance, resistance: level} }

func TargetSpeed(kmh float64) State { return State{mode: ModeSpeed, speed: kmh} }

// TargetInclination takes a grade in percent.
func TargetInclination(percent float64) State {
	return State{mode: ModeInclination, inclination: percent}
}

func TargetHeartRate(bpm uint8) State { return State{mode: ModeHeartRate, heartRate: bpm} }

func TargetCadence(rpm float64) State { return State{mode: ModeCadence, cadence: rpm} }

func Simulation(params SimulationParameters) State {
	return State{mode: ModeSimulation, simulation: params}
}

func (s State) Mode() Mode   { return s.mode }
func (s State) IsIdle() bool { return s.mode == ModeIdle }

func (s State) Power() (int, bool)           { return s.power, s.mode == ModePower }
func (s State) Resistance() (int16, bool)    { return s.resistance, s.mode == ModeResistance }
func (s State) Speed() (float64, bool)       { return s.speed, s.mode == ModeSpeed }
func (s State) Inclination() (float64, bool) { return s.inclination, s.mode == ModeInclination }
func (s State) HeartRate() (uint8, bool)     { return s.heartRate, s.mode == ModeHeartRate }
func (s State) Cadence() (float64, bool)     { return s.cadence, s.mode == ModeCadence }
func (s State) Simulation() (SimulationParameters, bool) {
	return s.simulation, s.mode == ModeSimulation
}

// OpCode returns the command that carries this state.
func (s State) OpCode() (OpCode, bool) {
	switch s.mode {
	case ModePower:
		return OpSetTargetPower, true
	case ModeResistance:
		return OpSetTargetResistance, true
	case ModeSpeed:
		return OpSetTargetSpeed, true
	case ModeInclination:
		return OpSetTargetInclination, true
	case ModeHeartRate:
		return OpSetTargetHeartRate, true
	case ModeCadence:
		return OpSetTargetCadence, true
	case ModeSimulation:
		return OpSetSimulationParameters, true
	default:
		return 0, false
	}
}

// clamped applies the ERG safety range to a power target.
func (s State) clamped() State {
	if s.mode == ModePower {
		s.power = ClampPower(s.power)
	}
	return s
}

func (s State) String() string {
	switch s.mode {
	case ModePower:
		return fmt.Sprintf("power(%dW)", s.power)
	case ModeResistance:
		return fmt.Sprintf("resistance(%d)", s.resistance)
	case ModeSpeed:
		return fmt.Sprintf("speed(%.2fkm/h)", s.speed)
	case ModeInclination:
		return fmt.Sprintf("inclination(%.1f%%)", s.inclination)
	case ModeHeartRate:
		return fmt.Sprintf("heartRate(%dbpm)", s.heartRate)
	case ModeCadence:
		return fmt.Sprintf("cadence(%.1frpm)", s.cadence)
	case ModeSimulation:
		p := s.simulation
		return fmt.Sprintf("simulation(wind=%.3fm/s grade=%.2f%% crr=%.4f cw=%.2f)",
			p.WindSpeed, p.Grade, p.RollingResistance, p.WindResistanceCoefficient)
	default:
		return "idle"
	}
}

// ClampPower limits watts to the ERG safety range.
func ClampPower(watts int) int {
	return max(MinTargetPowerWatts, min(MaxTargetPowerWatts, watts))
}
