package wirespool

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// HardwareIO is the boundary between the control core and the physical
// world. Every call is a single non-blocking hardware access.
type HardwareIO interface {
	ReadOriginSensor(ctx context.Context) (bool, error)
	SetDirection(ctx context.Context, motorID int, dir Direction) error
	SetPwmDuty(ctx context.Context, motorID int, dutyPercent uint8) error
	ReadRawCounter(ctx context.Context) (uint32, error)
}

type motorOutputs struct {
	pwm  board.GPIOPin
	dirA board.GPIOPin
	dirB board.GPIOPin
}

// boardHardware drives the spool through an rdk board: two direction pins and
// a PWM pin per motor, a GPIO origin sensor and a digital interrupt counter.
type boardHardware struct {
	logger          logging.Logger
	motors          []motorOutputs
	origin          board.GPIOPin
	originActiveLow bool
	counter         RawCounter
	stream          *TickStreamCounter
}

func newBoardHardware(ctx context.Context, b board.Board, cfg *SpoolConfig, logger logging.Logger) (*boardHardware, error) {
	hw := &boardHardware{logger: logger, originActiveLow: cfg.OriginActiveLow}

	for i, pins := range cfg.Motors {
		var out motorOutputs
		var err error
		if out.pwm, err = b.GPIOPinByName(pins.PWM); err != nil {
			return nil, errors.Wrapf(err, "motor %d pwm pin %q", i+1, pins.PWM)
		}
		if out.dirA, err = b.GPIOPinByName(pins.DirA); err != nil {
			return nil, errors.Wrapf(err, "motor %d dir_a pin %q", i+1, pins.DirA)
		}
		if out.dirB, err = b.GPIOPinByName(pins.DirB); err != nil {
			return nil, errors.Wrapf(err, "motor %d dir_b pin %q", i+1, pins.DirB)
		}
		if err := out.pwm.SetPWMFreq(ctx, cfg.PWMFreqHz, nil); err != nil {
			logger.Warnf("motor %d: could not set PWM frequency to %dHz: %v", i+1, cfg.PWMFreqHz, err)
		}
		hw.motors = append(hw.motors, out)
	}

	origin, err := b.GPIOPinByName(cfg.OriginPin)
	if err != nil {
		return nil, errors.Wrapf(err, "origin pin %q", cfg.OriginPin)
	}
	hw.origin = origin

	di, err := b.DigitalInterruptByName(cfg.CounterInterrupt)
	if err != nil {
		return nil, errors.Wrapf(err, "counter interrupt %q", cfg.CounterInterrupt)
	}
	switch cfg.CounterMode {
	case CounterModeStream:
		stream, err := NewTickStreamCounter(b, di, logger)
		if err != nil {
			return nil, err
		}
		hw.stream = stream
		hw.counter = stream
	default:
		hw.counter = &InterruptCounter{Interrupt: di}
	}

	// start from a known safe state
	for id := range hw.motors {
		if err := multierr.Combine(hw.SetPwmDuty(ctx, id+1, 0), hw.SetDirection(ctx, id+1, DirectionIdle)); err != nil {
			hw.Close()
			return nil, errors.Wrapf(err, "initializing motor %d outputs", id+1)
		}
	}
	return hw, nil
}

func (hw *boardHardware) outputs(motorID int) (motorOutputs, error) {
	if motorID < 1 || motorID > len(hw.motors) {
		return motorOutputs{}, errors.Errorf("motor %d is not configured", motorID)
	}
	return hw.motors[motorID-1], nil
}

func (hw *boardHardware) ReadOriginSensor(ctx context.Context) (bool, error) {
	high, err := hw.origin.Get(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "reading origin sensor")
	}
	return high != hw.originActiveLow, nil
}

func (hw *boardHardware) SetDirection(ctx context.Context, motorID int, dir Direction) error {
	out, err := hw.outputs(motorID)
	if err != nil {
		return err
	}
	a, b := false, false
	switch dir {
	case DirectionForward:
		a = true
	case DirectionReverse:
		b = true
	case DirectionIdle:
	default:
		return errors.Errorf("invalid direction %d", dir)
	}
	// break before make
	if err := multierr.Combine(out.dirA.Set(ctx, false, nil), out.dirB.Set(ctx, false, nil)); err != nil {
		return errors.Wrapf(err, "motor %d direction", motorID)
	}
	return errors.Wrapf(multierr.Combine(out.dirA.Set(ctx, a, nil), out.dirB.Set(ctx, b, nil)),
		"motor %d direction", motorID)
}

func (hw *boardHardware) SetPwmDuty(ctx context.Context, motorID int, dutyPercent uint8) error {
	out, err := hw.outputs(motorID)
	if err != nil {
		return err
	}
	return errors.Wrapf(out.pwm.SetPWM(ctx, float64(min(dutyPercent, 100))/100, nil), "motor %d pwm", motorID)
}

func (hw *boardHardware) ReadRawCounter(ctx context.Context) (uint32, error) {
	return hw.counter.ReadRawCounter(ctx)
}

// SetRawCounter zeroes the count when the acquisition path supports it.
func (hw *boardHardware) SetRawCounter(ctx context.Context, value uint32) error {
	rw, ok := hw.counter.(CounterRewinder)
	if !ok {
		return errors.New("counter cannot be rewound")
	}
	return rw.SetRawCounter(ctx, value)
}

func (hw *boardHardware) Close() {
	if hw.stream != nil {
		hw.stream.Close()
	}
}

// InterruptCounter reads a board digital interrupt's running count.
type InterruptCounter struct {
	Interrupt board.DigitalInterrupt
}

func (c *InterruptCounter) ReadRawCounter(ctx context.Context) (uint32, error) {
	v, err := c.Interrupt.Value(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "reading interrupt %q", c.Interrupt.Name())
	}
	return uint32(v), nil
}

// TickStreamCounter counts rising edges delivered by the board's tick
// stream. The count is a writable 32-bit value.
type TickStreamCounter struct {
	count   atomic.Uint32
	workers *utils.StoppableWorkers
}

// NewTickStreamCounter subscribes to di's ticks until Close.
func NewTickStreamCounter(b board.Board, di board.DigitalInterrupt, logger logging.Logger) (*TickStreamCounter, error) {
	c := &TickStreamCounter{}
	ch := make(chan board.Tick, 256)
	started := make(chan error, 1)
	c.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		if err := b.StreamTicks(ctx, []board.DigitalInterrupt{di}, ch, nil); err != nil {
			started <- err
			return
		}
		started <- nil
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ch:
				if tick.High {
					c.count.Add(1)
				}
			}
		}
	})
	if err := <-started; err != nil {
		c.workers.Stop()
		return nil, errors.Wrapf(err, "streaming ticks from %q", di.Name())
	}
	logger.Debugf("counting ticks from %q", di.Name())
	return c, nil
}

func (c *TickStreamCounter) ReadRawCounter(context.Context) (uint32, error) {
	return c.count.Load(), nil
}

func (c *TickStreamCounter) SetRawCounter(_ context.Context, value uint32) error {
	c.count.Store(value)
	return nil
}

// Close stops the tick subscription.
func (c *TickStreamCounter) Close() {
	c.workers.Stop()
}
