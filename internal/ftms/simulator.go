package ftms

import (
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
)

// Simulator turns a bt.MockDevice into a virtual FTMS trainer. It answers
// Control Point writes the way a trainer would and can push Indoor Bike Data.
type Simulator struct {
	logger *log.Logger
	mock   *bt.MockDevice

	mu          sync.Mutex
	target      State
	hasControl  bool
	autoRespond bool
	results     map[OpCode]ResultCode
	commands    []State
	requests    int
}

// NewSimulator installs itself as the write handler of mock.
func NewSimulator(logger *log.Logger, mock *bt.MockDevice) *Simulator {
	if logger == nil {
		panic("FTMS simulator: logger cannot be nil")
	}
	s := &Simulator{
		logger:      logger,
		mock:        mock,
		autoRespond: true,
		results:     make(map[OpCode]ResultCode),
	}
	mock.SetWriteHandler(s.handleWrite)
	return s
}

// NewSimulatedTrainer registers a simulated trainer advertising the FTMS
// service on manager.
func NewSimulatedTrainer(logger *log.Logger, manager *bt.MockBTManager, id, name string) *Simulator {
	mock := bt.NewMockDevice(id, name, ServiceUUID)
	manager.AddDevice(mock)
	manager.Advertise(id)
	return NewSimulator(logger, mock)
}

func (s *Simulator) DeviceID() string { return s.mock.ID }

// SetResult makes later commands with op answer with result.
func (s *Simulator) SetResult(op OpCode, result ResultCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[op] = result
}

// SetAutoRespond turns automatic responses off so a test can answer with
// Respond at a chosen moment.
func (s *Simulator) SetAutoRespond(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRespond = on
}

// Respond indicates a response on the Control Point.
func (s *Simulator) Respond(op OpCode, result ResultCode) bool {
	return s.mock.Notify(ServiceUUID, CharUUIDControlPoint, EncodeResponse(op, result))
}

// Target is the last target the simulator accepted.
func (s *Simulator) Target() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Commands returns every decoded target command in arrival order.
func (s *Simulator) Commands() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.commands...)
}

func (s *Simulator) ControlRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// EmitIndoorBikeData notifies subscribers with an encoded frame.
func (s *Simulator) EmitIndoorBikeData(data IndoorBikeData) bool {
	return s.mock.Notify(ServiceUUID, CharUUIDIndoorBikeData, EncodeIndoorBikeData(data))
}

// Tick emits one frame whose power follows the ERG target, or freeWatts
// when no power target is set.
func (s *Simulator) Tick(freeWatts int, cadenceRpm int) bool {
	watts := freeWatts
	if target, ok := s.Target().Power(); ok {
		watts = target
	}
	return s.EmitIndoorBikeData(IndoorBikeData{
		HasInstantaneousSpeed:   true,
		InstantaneousSpeedKmh:   float64(cadenceRpm) / 3,
		HasInstantaneousCadence: true,
		InstantaneousCadenceRpm: cadenceRpm,
		HasInstantaneousPower:   true,
		InstantaneousPowerWatts: int16(watts),
	})
}

// EmitRaw notifies subscribers with an arbitrary Indoor Bike Data payload.
func (s *Simulator) EmitRaw(payload []byte) bool {
	return s.mock.Notify(ServiceUUID, CharUUIDIndoorBikeData, payload)
}

func (s *Simulator) handleWrite(serviceUuid, characteristicUuid string, data []byte) error {
	if characteristicUuid != CharUUIDControlPoint || len(data) == 0 {
		return nil
	}
	op := OpCode(data[0])

	s.mu.Lock()
	result, ok := s.results[op]
	if !ok {
		result = ResultSuccess
	}
	switch {
	case op == OpRequestControl:
		s.requests++
		if result == ResultSuccess {
			s.hasControl = true
		}
	case !s.hasControl:
		result = ResultControlNotPermitted
	default:
		cmd, err := DecodeCommand(data)
		if err != nil {
			if result == ResultSuccess {
				result = ResultOpCodeNotSupported
			}
			break
		}
		s.commands = append(s.commands, cmd)
		if result == ResultSuccess {
			s.target = cmd
		}
	}
	respond := s.autoRespond
	s.mu.Unlock()

	s.logger.Printf("FTMS simulator[%s]: %v -> %v", s.mock.ID, op, result)
	if respond {
		s.Respond(op, result)
	}
	return nil
}
