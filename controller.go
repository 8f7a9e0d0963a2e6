package wirespool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// TickSource is a monotonic millisecond counter.
type TickSource interface {
	NowMs() uint64
}

type clockTicks struct {
	clk   clock.Clock
	start time.Time
}

// NewClockTickSource counts milliseconds elapsed on clk since creation.
func NewClockTickSource(clk clock.Clock) TickSource {
	return &clockTicks{clk: clk, start: clk.Now()}
}

func (t *clockTicks) NowMs() uint64 {
	return uint64(t.clk.Now().Sub(t.start) / time.Millisecond)
}

// SpoolController owns the register bank, the encoder task and the motor
// task for one spool. The encoder task is the only writer of the estimator;
// the motor task is the only writer of motor state and calibration. They
// exchange the applied spool direction and the reset request through
// atomics and the encoder state through a locked snapshot.
type SpoolController struct {
	logger logging.Logger
	cfg    *SpoolConfig
	clk    clock.Clock
	ticks  TickSource
	hw     HardwareIO
	bank   *RegisterBank
	bridge RegisterBridge

	source    PulseSource
	estimator *PositionEstimator
	geometry  SpoolGeometry
	motors    []*MotorController

	appliedDirection [MotorCount]atomic.Uint32
	estimatorReset   atomic.Bool
	hwFailures       atomic.Uint32

	encoderMu sync.RWMutex
	encoder   EncoderState

	encoderCycleMu sync.Mutex
	motorCycleMu   sync.Mutex
	lastDirection  []Direction

	faultMu sync.Mutex
	faults  map[string]bool

	cancel    context.CancelFunc
	scheduler gocron.Scheduler
	closers   []func()
}

// NewSpoolController wires a controller over hw. Nothing runs until Start.
func NewSpoolController(cfg *SpoolConfig, hw HardwareIO, clk clock.Clock, logger logging.Logger) (*SpoolController, error) {
	if err := cfg.Geometry().Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid spool geometry")
	}
	if len(cfg.Motors) == 0 || len(cfg.Motors) > MotorCount {
		return nil, errors.Errorf("expected 1 or 2 motors, got %d", len(cfg.Motors))
	}
	if clk == nil {
		clk = clock.New()
	}

	bank := NewRegisterBank(cfg)
	source := NewCounterPulseSource(hw, cfg.PulseFilter())
	c := &SpoolController{
		logger:        logger,
		cfg:           cfg,
		clk:           clk,
		ticks:         NewClockTickSource(clk),
		hw:            hw,
		bank:          bank,
		bridge:        bank,
		source:        source,
		estimator:     NewPositionEstimator(source, cfg.Geometry()),
		geometry:      cfg.Geometry(),
		lastDirection: make([]Direction, len(cfg.Motors)),
		faults:        map[string]bool{},
	}
	for i := range cfg.Motors {
		m := NewMotorController(i+1, cfg.MotorPeriod(), cfg.CalibrationTimings(), logger)
		m.auxiliary = i+1 != cfg.SpoolMotor
		c.motors = append(c.motors, m)
	}
	c.encoder = c.estimator.State()

	if cal, fromFile := cfg.LoadCalibration(logger); fromFile {
		if err := bank.Writeback(RegisterWrite{EncoderBase + RegCalibrationMax, uint16(cal.CalibrationMaxCm)}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registers is the master-facing register bank.
func (c *SpoolController) Registers() *RegisterBank {
	return c.bank
}

// Config returns the controller's configuration.
func (c *SpoolController) Config() *SpoolConfig {
	return c.cfg
}

// EncoderSnapshot returns the encoder state published by the last encoder cycle.
func (c *SpoolController) EncoderSnapshot() EncoderState {
	c.encoderMu.RLock()
	defer c.encoderMu.RUnlock()
	return c.encoder
}

// Geometry returns the geometry used by the last encoder cycle.
func (c *SpoolController) Geometry() SpoolGeometry {
	c.encoderCycleMu.Lock()
	defer c.encoderCycleMu.Unlock()
	return c.geometry
}

// Start schedules the encoder and motor tasks.
func (c *SpoolController) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := gocron.NewScheduler()
	if err != nil {
		cancel()
		return errors.Wrap(err, "creating scheduler")
	}
	if _, err := s.NewJob(
		gocron.DurationJob(c.cfg.EncoderPeriod()),
		gocron.NewTask(func() { c.RunEncoderCycle(ctx) }),
		gocron.WithName("encoder"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		cancel()
		return multierr.Combine(errors.Wrap(err, "scheduling encoder task"), s.Shutdown())
	}
	if _, err := s.NewJob(
		gocron.DurationJob(c.cfg.MotorPeriod()),
		gocron.NewTask(func() { c.RunMotorCycle(ctx) }),
		gocron.WithName("motor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		cancel()
		return multierr.Combine(errors.Wrap(err, "scheduling motor task"), s.Shutdown())
	}
	s.Start()
	c.cancel = cancel
	c.scheduler = s
	c.logger.Infof("spool controller started: encoder every %s, motor every %s",
		c.cfg.EncoderPeriod(), c.cfg.MotorPeriod())
	return nil
}

// Close stops the tasks and leaves every motor idle.
func (c *SpoolController) Close(ctx context.Context) error {
	var err error
	if c.scheduler != nil {
		err = c.scheduler.Shutdown()
		c.cancel()
		c.scheduler = nil
	}
	c.motorCycleMu.Lock()
	for i := range c.motors {
		err = multierr.Combine(err,
			c.hw.SetPwmDuty(ctx, i+1, 0),
			c.hw.SetDirection(ctx, i+1, DirectionIdle))
		c.appliedDirection[i].Store(uint32(DirectionIdle))
	}
	c.motorCycleMu.Unlock()
	for _, closer := range c.closers {
		closer()
	}
	return err
}

// RunEncoderCycle samples the pulse source and updates the length estimate.
func (c *SpoolController) RunEncoderCycle(ctx context.Context) {
	c.encoderCycleMu.Lock()
	defer c.encoderCycleMu.Unlock()

	cfg := c.bridge.LoadEncoderConfig()
	if err := cfg.Geometry.Validate(); err != nil {
		c.reportFault("geometry", err)
	} else {
		c.reportFault("geometry", nil)
		c.geometry = cfg.Geometry
	}

	var writes []RegisterWrite
	if cfg.ResetRequested {
		c.logger.Info("encoder reset requested")
		c.source.RequestReset()
		writes = append(writes, RegisterWrite{EncoderBase + RegEncoderReset, 0})
	}

	origin, err := c.hw.ReadOriginSensor(ctx)
	if err != nil {
		c.countFailure()
	}
	c.reportFault("origin sensor", err)

	resetRequested := c.estimatorReset.Swap(false)
	switch {
	case cfg.SetLengthTrigger:
		writes = append(writes, RegisterWrite{EncoderBase + RegSetLengthTrigger, 0})
		err = c.estimator.SetWireLength(ctx, float64(cfg.SetLengthCm)*10, c.geometry)
		c.reportFault("set length", err)
	case origin || resetRequested:
		err = c.estimator.ResetWireLength(ctx, c.geometry)
		c.reportFault("length reset", err)
	}

	sample, err := c.source.Sample(ctx)
	if err != nil {
		c.countFailure()
	}
	c.reportFault("pulse counter", err)
	dir := Direction(c.appliedDirection[c.cfg.SpoolMotor-1].Load())
	c.estimator.Update(sample, dir, c.geometry)

	state := c.estimator.State()
	state.OriginStatus = origin

	c.encoderMu.Lock()
	c.encoder = state
	c.encoderMu.Unlock()

	c.bridge.SaveEncoderState(state)
	if len(writes) > 0 {
		c.reportFault("encoder writeback", c.bridge.Writeback(writes...))
	}
}

// RunMotorCycle runs every motor's control law and applies the outputs.
func (c *SpoolController) RunMotorCycle(ctx context.Context) {
	c.motorCycleMu.Lock()
	defer c.motorCycleMu.Unlock()

	var writes []RegisterWrite
	if c.bridge.LoadSystemConfig().ResetErrors {
		c.logger.Info("clearing latched errors")
		for _, m := range c.motors {
			m.ClearErrors()
		}
		c.hwFailures.Store(0)
		writes = append(writes, RegisterWrite{SystemBase + RegResetErrors, 0})
	}

	enc := c.EncoderSnapshot()
	encCfg := c.bridge.LoadEncoderConfig()
	now := c.ticks.NowMs()

	var sys SystemStatus
	for i, m := range c.motors {
		id := i + 1
		cmd, err := c.bridge.LoadMotorConfig(id)
		if err != nil {
			c.reportFault("motor config", err)
			continue
		}
		out := m.Tick(ControlInputs{
			Command:           cmd,
			NowMs:             now,
			Encoder:           enc,
			CalibrationMaxCm:  encCfg.CalibrationMaxCm,
			TotalWireLengthMm: encCfg.Geometry.TotalWireLengthMm,
		})

		err = c.apply(ctx, id, out.Status)
		c.reportFault(motorFaultKey(id), err)
		if err != nil {
			c.countFailure()
			m.SetFault(ErrorHardwareOutput)
			out.Status = m.Status()
		}
		c.appliedDirection[i].Store(uint32(c.lastDirection[i]))
		if out.ResetEstimator {
			c.estimatorReset.Store(true)
		}

		base, _ := MotorBase(id)
		if out.Disable {
			writes = append(writes, RegisterWrite{base + RegEnable, 0})
		}
		if out.ForceOnOff {
			writes = append(writes, RegisterWrite{base + RegControlMode, uint16(ControlModeOnOff)})
		}
		if out.Latch {
			writes = append(writes, RegisterWrite{EncoderBase + RegCalibrationMax, out.LatchMaxCm})
			if err := c.cfg.SaveCalibration(out.LatchMaxCm, c.clk.Now()); err != nil {
				c.logger.Warnf("could not persist calibration: %v", err)
			}
		}
		if err := c.bridge.SaveMotorState(id, out.Status); err != nil {
			c.reportFault("motor state", err)
		}
		if id == c.cfg.SpoolMotor {
			c.bridge.SaveCalibrationState(m.Calibration())
		}

		if out.Status.StatusWord&StatusRunning != 0 {
			sys.StatusWord |= 0x0001
		}
		if out.Status.StatusWord&StatusCalibrating != 0 {
			sys.StatusWord |= 0x0002
		}
		if out.Status.ErrorCode != ErrorNone {
			sys.StatusWord |= 0x0004
		}
	}
	sys.ErrorCode = uint16(min(c.hwFailures.Load(), 0xFFFF))
	c.bridge.SaveSystemState(sys)

	if len(writes) > 0 {
		c.reportFault("motor writeback", c.bridge.Writeback(writes...))
	}
}

// apply pushes one motor's outputs to the hardware. The PWM is dropped before
// a direction change.
func (c *SpoolController) apply(ctx context.Context, id int, s MotorStatus) error {
	i := id - 1
	if s.Direction != c.lastDirection[i] {
		if err := c.hw.SetPwmDuty(ctx, id, 0); err != nil {
			return err
		}
		if err := c.hw.SetDirection(ctx, id, s.Direction); err != nil {
			c.lastDirection[i] = DirectionIdle
			return err
		}
		c.lastDirection[i] = s.Direction
	}
	if err := c.hw.SetPwmDuty(ctx, id, s.Duty); err != nil {
		// best effort to leave the motor unpowered
		return multierr.Combine(err, c.hw.SetPwmDuty(ctx, id, 0))
	}
	return nil
}

func (c *SpoolController) countFailure() {
	for {
		n := c.hwFailures.Load()
		if n >= 0xFFFF || c.hwFailures.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// reportFault logs a fault once when it appears and once when it clears.
func (c *SpoolController) reportFault(key string, err error) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	was := c.faults[key]
	switch {
	case err != nil && !was:
		c.faults[key] = true
		c.logger.Warnf("%s: %v", key, err)
	case err == nil && was:
		c.faults[key] = false
		c.logger.Infof("%s recovered", key)
	}
}

func motorFaultKey(id int) string {
	return fmt.Sprintf("motor %d outputs", id)
}
