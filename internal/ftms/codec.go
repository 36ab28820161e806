package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyCommand     = errors.New("ftms: empty command")
	ErrShortCommand     = errors.New("ftms: command too short")
	ErrNotTargetCommand = errors.New("ftms: not a target command")
	ErrNothingToEncode  = errors.New("ftms: idle state has no command")
	ErrNotResponse      = errors.New("ftms: not a response")
	ErrShortResponse    = errors.New("ftms: response too short")
)

// Indoor Bike Data flag bits.
const (
	ibdFlagMoreData             = 1 << 0 // 0 means Instantaneous Speed is present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// IndoorBikeData holds the fields of one Indoor Bike Data notification.
// A Has flag is false both for fields the device did not send and for
// flagged fields that were cut off.
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasAverageSpeed         bool
	HasInstantaneousCadence bool
	HasAverageCadence       bool
	HasTotalDistance        bool
	HasResistanceLevel      bool
	HasInstantaneousPower   bool
	HasAveragePower         bool
	HasExpendedEnergy       bool
	HasHeartRate            bool
	HasMetabolicEquivalent  bool
	HasElapsedTime          bool
	HasRemainingTime        bool

	InstantaneousSpeedKmh   float64
	AverageSpeedKmh         float64
	InstantaneousCadenceRpm int // rounded to the nearest rpm
	AverageCadenceRpm       float64
	TotalDistanceMeters     uint32
	ResistanceLevel         int16
	InstantaneousPowerWatts int16
	AveragePowerWatts       int16
	TotalEnergyKJ           uint16
	EnergyPerHourKJ         uint16
	EnergyPerMinuteKJ       uint8
	HeartRateBpm            uint8
	MetabolicEquivalent     float64
	ElapsedTimeSeconds      uint16
	RemainingTimeSeconds    uint16

	// Truncated is set when a flagged field did not fit in the payload.
	Truncated bool
}

type fieldReader struct {
	buf   []byte
	off   int
	short bool
}

// take returns the next n bytes. Once a read comes up short every later
// read fails too, so fields after a truncated one are never misaligned.
func (r *fieldReader) take(n int) ([]byte, bool) {
	if r.short || r.off+n > len(r.buf) {
		r.short = true
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

// DecodeIndoorBikeData parses an Indoor Bike Data payload. It never fails:
// missing bytes drop the affected field and every field after it.
func DecodeIndoorBikeData(buf []byte) IndoorBikeData {
	var data IndoorBikeData
	if len(buf) < 2 {
		data.Truncated = true
		return data
	}
	flags := binary.LittleEndian.Uint16(buf)
	r := &fieldReader{buf: buf, off: 2}

	if flags&ibdFlagMoreData == 0 {
		if b, ok := r.take(2); ok {
			data.HasInstantaneousSpeed = true
			data.InstantaneousSpeedKmh = float64(binary.LittleEndian.Uint16(b)) * 0.01
		}
	}
	if flags&ibdFlagAverageSpeed != 0 {
		if b, ok := r.take(2); ok {
			data.HasAverageSpeed = true
			data.AverageSpeedKmh = float64(binary.LittleEndian.Uint16(b)) * 0.01
		}
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		if b, ok := r.take(2); ok {
			data.HasInstantaneousCadence = true
			data.InstantaneousCadenceRpm = int(math.Round(float64(binary.LittleEndian.Uint16(b)) * 0.5))
		}
	}
	if flags&ibdFlagAverageCadence != 0 {
		if b, ok := r.take(2); ok {
			data.HasAverageCadence = true
			data.AverageCadenceRpm = float64(binary.LittleEndian.Uint16(b)) * 0.5
		}
	}
	if flags&ibdFlagTotalDistance != 0 {
		if b, ok := r.take(3); ok {
			data.HasTotalDistance = true
			data.TotalDistanceMeters = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		}
	}
	if flags&ibdFlagResistanceLevel != 0 {
		if b, ok := r.take(2); ok {
			data.HasResistanceLevel = true
			data.ResistanceLevel = int16(binary.LittleEndian.Uint16(b))
		}
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		if b, ok := r.take(2); ok {
			data.HasInstantaneousPower = true
			data.InstantaneousPowerWatts = int16(binary.LittleEndian.Uint16(b))
		}
	}
	if flags&ibdFlagAveragePower != 0 {
		if b, ok := r.take(2); ok {
			data.HasAveragePower = true
			data.AveragePowerWatts = int16(binary.LittleEndian.Uint16(b))
		}
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		if b, ok := r.take(5); ok {
			data.HasExpendedEnergy = true
			data.TotalEnergyKJ = binary.LittleEndian.Uint16(b[0:2])
			data.EnergyPerHourKJ = binary.LittleEndian.Uint16(b[2:4])
			data.EnergyPerMinuteKJ = b[4]
		}
	}
	if flags&ibdFlagHeartRate != 0 {
		if b, ok := r.take(1); ok {
			data.HasHeartRate = true
			data.HeartRateBpm = b[0]
		}
	}
	if flags&ibdFlagMetabolicEquivalent != 0 {
		if b, ok := r.take(1); ok {
			data.HasMetabolicEquivalent = true
			data.MetabolicEquivalent = float64(b[0]) * 0.1
		}
	}
	if flags&ibdFlagElapsedTime != 0 {
		if b, ok := r.take(2); ok {
			data.HasElapsedTime = true
			data.ElapsedTimeSeconds = binary.LittleEndian.Uint16(b)
		}
	}
	if flags&ibdFlagRemainingTime != 0 {
		if b, ok := r.take(2); ok {
			data.HasRemainingTime = true
			data.RemainingTimeSeconds = binary.LittleEndian.Uint16(b)
		}
	}

	data.Truncated = r.short
	return data
}

// EncodeIndoorBikeData builds the payload a trainer would notify for data.
// Only the subset of fields the simulator emits is supported.
func EncodeIndoorBikeData(data IndoorBikeData) []byte {
	var flags uint16
	if !data.HasInstantaneousSpeed {
		flags |= ibdFlagMoreData
	}
	if data.HasInstantaneousCadence {
		flags |= ibdFlagInstantaneousCadence
	}
	if data.HasInstantaneousPower {
		flags |= ibdFlagInstantaneousPower
	}
	if data.HasHeartRate {
		flags |= ibdFlagHeartRate
	}

	buf := binary.LittleEndian.AppendUint16(nil, flags)
	if data.HasInstantaneousSpeed {
		buf = binary.LittleEndian.AppendUint16(buf, clampUint16(math.Round(data.InstantaneousSpeedKmh*100)))
	}
	if data.HasInstantaneousCadence {
		buf = binary.LittleEndian.AppendUint16(buf, clampUint16(float64(data.InstantaneousCadenceRpm)*2))
	}
	if data.HasInstantaneousPower {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(data.InstantaneousPowerWatts))
	}
	if data.HasHeartRate {
		buf = append(buf, data.HeartRateBpm)
	}
	return buf
}

// EncodeRequestControl returns the RequestControl command.
func EncodeRequestControl() []byte {
	return []byte{byte(OpRequestControl)}
}

// EncodeCommand encodes the single active target of s. Power is clamped to
// [MinTargetPowerWatts, MaxTargetPowerWatts].
func EncodeCommand(s State) ([]byte, error) {
	switch s.mode {
	case ModePower:
		watts := ClampPower(s.power)
		return binary.LittleEndian.AppendUint16([]byte{byte(OpSetTargetPower)}, uint16(int16(watts))), nil
	case ModeResistance:
		return binary.LittleEndian.AppendUint16([]byte{byte(OpSetTargetResistance)}, uint16(s.resistance)), nil
	case ModeSpeed:
		return binary.LittleEndian.AppendUint16([]byte{byte(OpSetTargetSpeed)}, clampUint16(math.Round(s.speed*100))), nil
	case ModeInclination:
		return binary.LittleEndian.AppendUint16([]byte{byte(OpSetTargetInclination)}, uint16(clampInt16(math.Round(s.inclination*10)))), nil
	case ModeHeartRate:
		return []byte{byte(OpSetTargetHeartRate), s.heartRate}, nil
	case ModeCadence:
		return binary.LittleEndian.AppendUint16([]byte{byte(OpSetTargetCadence)}, clampUint16(math.Round(s.cadence*2))), nil
	case ModeSimulation:
		p := s.simulation
		buf := []byte{byte(OpSetSimulationParameters)}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(clampInt16(math.Round(p.WindSpeed*1000))))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(clampInt16(math.Round(p.Grade*100))))
		buf = append(buf, clampUint8(math.Round(p.RollingResistance*10000)))
		buf = append(buf, clampUint8(math.Round(p.WindResistanceCoefficient*100)))
		return buf, nil
	default:
		return nil, ErrNothingToEncode
	}
}

// DecodeCommand is the inverse of EncodeCommand, within each field's resolution.
func DecodeCommand(buf []byte) (State, error) {
	if len(buf) == 0 {
		return Idle(), ErrEmptyCommand
	}
	op := OpCode(buf[0])
	need := map[OpCode]int{
		OpSetTargetPower:          3,
		OpSetTargetResistance:     3,
		OpSetTargetSpeed:          3,
		OpSetTargetInclination:    3,
		OpSetTargetHeartRate:      2,
		OpSetTargetCadence:        3,
		OpSetSimulationParameters: 7,
	}[op]
	if need == 0 {
		return Idle(), fmt.Errorf("%w: %v", ErrNotTargetCommand, op)
	}
	if len(buf) < need {
		return Idle(), fmt.Errorf("%w: %v needs %d bytes, got %d", ErrShortCommand, op, need, len(buf))
	}

	switch op {
	case OpSetTargetPower:
		return TargetPower(int(int16(binary.LittleEndian.Uint16(buf[1:])))), nil
	case OpSetTargetResistance:
		return TargetResistance(int16(binary.LittleEndian.Uint16(buf[1:]))), nil
	case OpSetTargetSpeed:
		return TargetSpeed(float64(binary.LittleEndian.Uint16(buf[1:])) / 100), nil
	case OpSetTargetInclination:
		return TargetInclination(float64(int16(binary.LittleEndian.Uint16(buf[1:]))) / 10), nil
	case OpSetTargetHeartRate:
		return TargetHeartRate(buf[1]), nil
	case OpSetTargetCadence:
		return TargetCadence(float64(binary.LittleEndian.Uint16(buf[1:])) / 2), nil
	default:
		return Simulation(SimulationParameters{
			WindSpeed:                 float64(int16(binary.LittleEndian.Uint16(buf[1:3]))) / 1000,
			Grade:                     float64(int16(binary.LittleEndian.Uint16(buf[3:5]))) / 100,
			RollingResistance:         float64(buf[5]) / 10000,
			WindResistanceCoefficient: float64(buf[6]) / 100,
		}), nil
	}
}

// Response is a decoded Control Point response.
type Response struct {
	RequestOpCode OpCode
	Result        ResultCode
	Parameters    []byte
}

func (r Response) Success() bool { return r.Result == ResultSuccess }

// EncodeResponse builds a response as a trainer would indicate it.
func EncodeResponse(request OpCode, result ResultCode) []byte {
	return []byte{byte(OpResponseCode), byte(request), byte(result)}
}

func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) == 0 || OpCode(buf[0]) != OpResponseCode {
		return Response{}, ErrNotResponse
	}
	if len(buf) < 3 {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrShortResponse, len(buf))
	}
	resp := Response{RequestOpCode: OpCode(buf[1]), Result: ResultCode(buf[2])}
	if len(buf) > 3 {
		resp.Parameters = append([]byte(nil), buf[3:]...)
	}
	return resp, nil
}

func clampInt16(v float64) int16 {
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
}

func clampUint16(v float64) uint16 {
	return uint16(math.Max(0, math.Min(math.MaxUint16, v)))
}

func clampUint8(v float64) uint8 {
	return uint8(math.Max(0, math.Min(math.MaxUint8, v)))
}
