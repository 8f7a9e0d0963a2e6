package wirespool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SimulatedSpool is a HardwareIO backed by a kinematic model of the spool.
// The counter sees every pulse regardless of direction, like a single-channel
// encoder, and the origin sensor is asserted while the wire is fully wound.
type SimulatedSpool struct {
	mu sync.Mutex

	geometry SpoolGeometry
	// pulses per second at 100% duty
	pulsesPerSecond float64
	spoolMotor      int
	mask            uint32

	counter   uint32
	fraction  float64
	ticksOut  float64
	direction [MotorCount]Direction
	duty      [MotorCount]uint8

	// FailOutputs makes every output call fail, for fault injection.
	FailOutputs bool
}

// NewSimulatedSpool returns a full spool at the origin.
func NewSimulatedSpool(geometry SpoolGeometry, pulsesPerSecond float64, counterBits uint) *SimulatedSpool {
	return &SimulatedSpool{
		geometry:        geometry,
		pulsesPerSecond: pulsesPerSecond,
		spoolMotor:      1,
		mask:            PulseFilterConfig{CounterBits: counterBits}.mask(),
	}
}

// Step advances the model by d.
func (s *SimulatedSpool) Step(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.spoolMotor - 1
	if s.direction[i] == DirectionIdle || s.duty[i] == 0 {
		return
	}
	pulses := s.pulsesPerSecond * float64(s.duty[i]) / 100 * d.Seconds()
	if s.direction[i] == DirectionReverse {
		// the wire cannot wind past the origin
		pulses = math.Min(pulses, s.ticksOut)
		s.ticksOut -= pulses
	} else {
		s.ticksOut += pulses
	}
	s.fraction += pulses
	whole := math.Floor(s.fraction)
	s.fraction -= whole
	s.counter = (s.counter + uint32(whole)) & s.mask
}

// UnrolledLengthMm integrates the true unrolled length from the model.
func (s *SimulatedSpool) UnrolledLengthMm() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry.LengthForRevolutions(s.ticksOut / float64(s.geometry.CountsPerRevolution))
}

// Outputs returns the last direction and duty written for motorID.
func (s *SimulatedSpool) Outputs(motorID int) (Direction, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction[motorID-1], s.duty[motorID-1]
}

func (s *SimulatedSpool) ReadOriginSensor(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticksOut < 1, nil
}

func (s *SimulatedSpool) SetDirection(_ context.Context, motorID int, dir Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOutputs {
		return errors.New("simulated output failure")
	}
	if motorID < 1 || motorID > MotorCount {
		return errors.Errorf("motor %d out of range", motorID)
	}
	s.direction[motorID-1] = dir
	return nil
}

func (s *SimulatedSpool) SetPwmDuty(_ context.Context, motorID int, dutyPercent uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOutputs {
		return errors.New("simulated output failure")
	}
	if motorID < 1 || motorID > MotorCount {
		return errors.Errorf("motor %d out of range", motorID)
	}
	s.duty[motorID-1] = min(dutyPercent, 100)
	return nil
}

func (s *SimulatedSpool) ReadRawCounter(context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

func (s *SimulatedSpool) SetRawCounter(_ context.Context, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = value & s.mask
	s.fraction = 0
	return nil
}
