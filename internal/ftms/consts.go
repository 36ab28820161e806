package ftms

import (
	"fmt"
	"time"
)

// Fitness Machine Service identifiers.
const (
	ServiceUUID            = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDControlPoint   = "00002ad9-0000-1000-8000-00805f9b34fb"
)

// OpCode is a Control Point operation code.
type OpCode byte

const (
	OpRequestControl          OpCode = 0x00
	OpReset                   OpCode = 0x01
	OpSetTargetSpeed          OpCode = 0x02
	OpSetTargetInclination    OpCode = 0x03
	OpSetTargetResistance     OpCode = 0x04
	OpSetTargetPower          OpCode = 0x05
	OpSetTargetHeartRate      OpCode = 0x06
	OpStartOrResume           OpCode = 0x07
	OpSetSimulationParameters OpCode = 0x11
	OpSetTargetCadence        OpCode = 0x14
	OpResponseCode            OpCode = 0x80
)

func (op OpCode) String() string {
	switch op {
	case OpRequestControl:
		return "RequestControl"
	case OpReset:
		return "Reset"
	case OpSetTargetSpeed:
		return "SetTargetSpeed"
	case OpSetTargetInclination:
		return "SetTargetInclination"
	case OpSetTargetResistance:
		return "SetTargetResistance"
	case OpSetTargetPower:
		return "SetTargetPower"
	case OpSetTargetHeartRate:
		return "SetTargetHeartRate"
	case OpStartOrResume:
		return "StartOrResume"
	case OpSetSimulationParameters:
		return "SetSimulationParameters"
	case OpSetTargetCadence:
		return "SetTargetCadence"
	case OpResponseCode:
		return "ResponseCode"
	default:
		return fmt.Sprintf("OpCode(0x%02X)", byte(op))
	}
}

// ResultCode is the outcome carried by a Control Point response.
type ResultCode byte

const (
	ResultSuccess             ResultCode = 0x01
	ResultOpCodeNotSupported  ResultCode = 0x02
	ResultInvalidParameter    ResultCode = 0x03
	ResultOperationFailed     ResultCode = 0x04
	ResultControlNotPermitted ResultCode = 0x05
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "OpCodeNotSupported"
	case ResultInvalidParameter:
		return "InvalidParameter"
	case ResultOperationFailed:
		return "OperationFailed"
	case ResultControlNotPermitted:
		return "ControlNotPermitted"
	default:
		return fmt.Sprintf("Result(0x%02X)", byte(r))
	}
}

// ERG power limits. No target outside this range is ever written.
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 1500
)

// Reconciliation timing.
const (
	DebounceWindow    = 100 * time.Millisecond
	RateLimitInterval = 250 * time.Millisecond
	// RefreshInterval is how often targets should be re-sent to keep a
	// trainer from falling out of ERG mode.
	RefreshInterval = 2 * time.Second
	writeTimeout    = 5 * time.Second
)
