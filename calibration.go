package wirespool

import (
	"time"

	"go.viam.com/rdk/logging"
)

// CalibrationPhase is a step of the homing and range-measurement sequence.
type CalibrationPhase uint16

const (
	PhaseIdle CalibrationPhase = iota
	PhaseSeekOrigin
	PhaseSettleAtOrigin
	PhaseUnwind
	PhaseSettleAtMax
	PhaseReturnOrigin
	PhaseSettleFinal
)

func (p CalibrationPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSeekOrigin:
		return "seek_origin"
	case PhaseSettleAtOrigin:
		return "settle_at_origin"
	case PhaseUnwind:
		return "unwind"
	case PhaseSettleAtMax:
		return "settle_at_max"
	case PhaseReturnOrigin:
		return "return_origin"
	case PhaseSettleFinal:
		return "settle_final"
	default:
		return "unknown"
	}
}

// CalibrationStatus is the externally visible outcome of calibration.
type CalibrationStatus uint16

const (
	CalibrationNotRun CalibrationStatus = iota
	CalibrationRunning
	CalibrationDone
	CalibrationFailed
)

func (s CalibrationStatus) String() string {
	switch s {
	case CalibrationNotRun:
		return "not_run"
	case CalibrationRunning:
		return "running"
	case CalibrationDone:
		return "done"
	case CalibrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CalibrationState is the sequencer memory.
type CalibrationState struct {
	Phase               CalibrationPhase
	PhaseStartTick      uint64
	MeasuredMaxLengthMm float64
	Status              CalibrationStatus
	ErrorCode           uint16
}

// endOfWireSlackMm absorbs the rounding of the filtered length near the clamp.
const endOfWireSlackMm = 1

// CalibrationTimings holds the settle windows and the stall timeout.
type CalibrationTimings struct {
	SettleAtOrigin time.Duration
	SettleAtMax    time.Duration
	SettleFinal    time.Duration
	// Stall fails the sequence if a driven phase sees no pulses for this long.
	// Zero disables stall detection.
	Stall time.Duration
}

// DefaultCalibrationTimings are the settle windows used on the reference spool.
var DefaultCalibrationTimings = CalibrationTimings{
	SettleAtOrigin: 500 * time.Millisecond,
	SettleAtMax:    500 * time.Millisecond,
	SettleFinal:    1000 * time.Millisecond,
	Stall:          3 * time.Second,
}

// CalibrationInputs are sampled by the motor task each cycle.
type CalibrationInputs struct {
	NowMs            uint64
	CommandSpeed     uint8
	OriginAsserted   bool
	LengthMm         uint16
	TotalTicks       int64
	CalibrationMaxCm uint16
	// TotalWireLengthMm is where the estimate clamps. Zero means unknown.
	TotalWireLengthMm float64
}

// CalibrationStep is the sequencer's decision for one cycle.
type CalibrationStep struct {
	Direction Direction
	Duty      uint8
	// ResetEstimator asks the encoder task to zero the wire length.
	ResetEstimator bool
	// LatchMaxCm is set with Latch when the measured range should be stored.
	LatchMaxCm uint16
	Latch      bool
	// Finished means the sequence completed and the motor must be disabled and
	// returned to on/off mode.
	Finished bool
	// Failed means the sequence aborted; the motor must be disabled.
	Failed bool
}

// CalibrationSequencer drives a motor through homing, unwinding to the
// configured maximum and returning home. All waits are measured against the
// tick source so Step never blocks.
type CalibrationSequencer struct {
	logger  logging.Logger
	timings CalibrationTimings
	state   CalibrationState

	unwindStartTicks int64
	lastTicks        int64
	lastProgressMs   uint64
}

// NewCalibrationSequencer returns an idle sequencer.
func NewCalibrationSequencer(timings CalibrationTimings, logger logging.Logger) *CalibrationSequencer {
	return &CalibrationSequencer{logger: logger, timings: timings}
}

// State returns a copy of the sequencer state.
func (c *CalibrationSequencer) State() CalibrationState {
	return c.state
}

// Active reports whether a sequence is in progress.
func (c *CalibrationSequencer) Active() bool {
	return c.state.Phase != PhaseIdle
}

// Abort returns the sequencer to idle. A running sequence is reported as not run.
func (c *CalibrationSequencer) Abort() {
	if c.state.Phase == PhaseIdle {
		return
	}
	c.logger.Infof("calibration aborted during %s", c.state.Phase)
	c.state.Phase = PhaseIdle
	if c.state.Status == CalibrationRunning {
		c.state.Status = CalibrationNotRun
	}
}

// ClearError drops a latched failure code.
func (c *CalibrationSequencer) ClearError() {
	c.state.ErrorCode = ErrorNone
	if c.state.Status == CalibrationFailed {
		c.state.Status = CalibrationNotRun
	}
}

// Step advances the sequence by one motor cycle.
func (c *CalibrationSequencer) Step(in CalibrationInputs) CalibrationStep {
	var step CalibrationStep
	if c.state.Phase == PhaseIdle {
		c.start(in)
	}

	if c.state.Phase == PhaseSeekOrigin || c.state.Phase == PhaseUnwind || c.state.Phase == PhaseReturnOrigin {
		if c.stalled(in) {
			return c.fail(ErrorCalibrationStalled)
		}
	}

	elapsed := time.Duration(in.NowMs-c.state.PhaseStartTick) * time.Millisecond

	switch c.state.Phase {
	case PhaseSeekOrigin:
		if in.OriginAsserted {
			step.ResetEstimator = true
			c.enter(PhaseSettleAtOrigin, in)
		}
	case PhaseSettleAtOrigin:
		if elapsed >= c.timings.SettleAtOrigin {
			c.unwindStartTicks = in.TotalTicks
			c.enter(PhaseUnwind, in)
		}
	case PhaseUnwind:
		// the estimate never passes the end of the wire, so a target beyond it
		// ends the unwind there
		atEnd := in.TotalWireLengthMm > 0 && float64(in.LengthMm) >= in.TotalWireLengthMm-endOfWireSlackMm
		if atEnd && in.LengthMm/10 < in.CalibrationMaxCm {
			c.logger.Warnf("calibration max %dcm is past the end of the wire, stopping at %dmm",
				in.CalibrationMaxCm, in.LengthMm)
		}
		if in.LengthMm/10 >= in.CalibrationMaxCm || atEnd {
			c.state.MeasuredMaxLengthMm = float64(in.LengthMm)
			c.logger.Infof("calibration reached max length: %.0fmm", c.state.MeasuredMaxLengthMm)
			c.enter(PhaseSettleAtMax, in)
		}
	case PhaseSettleAtMax:
		if elapsed >= c.timings.SettleAtMax {
			if in.TotalTicks == c.unwindStartTicks || c.state.MeasuredMaxLengthMm <= 0 {
				return c.fail(ErrorCalibrationNoPulses)
			}
			step.Latch = true
			step.LatchMaxCm = uint16(c.state.MeasuredMaxLengthMm / 10)
			c.state.Status = CalibrationDone
			c.enter(PhaseReturnOrigin, in)
		}
	case PhaseReturnOrigin:
		if in.OriginAsserted {
			step.ResetEstimator = true
			c.enter(PhaseSettleFinal, in)
		}
	case PhaseSettleFinal:
		if elapsed >= c.timings.SettleFinal {
			c.logger.Info("calibration sequence finished")
			c.state.Phase = PhaseIdle
			step.Finished = true
			return step
		}
	case PhaseIdle:
	}

	derated := percentToRegister(float64(in.CommandSpeed) * deratingFactor)
	switch c.state.Phase {
	case PhaseSeekOrigin, PhaseReturnOrigin:
		step.Direction, step.Duty = DirectionReverse, derated
	case PhaseUnwind:
		step.Direction, step.Duty = DirectionForward, derated
	case PhaseIdle, PhaseSettleAtOrigin, PhaseSettleAtMax, PhaseSettleFinal:
		step.Direction, step.Duty = DirectionIdle, 0
	}
	return step
}

func (c *CalibrationSequencer) start(in CalibrationInputs) {
	c.logger.Info("calibration sequence started")
	c.state = CalibrationState{Status: CalibrationRunning}
	c.unwindStartTicks = in.TotalTicks
	c.enter(PhaseSeekOrigin, in)
}

func (c *CalibrationSequencer) enter(p CalibrationPhase, in CalibrationInputs) {
	c.logger.Debugf("calibration phase %s -> %s", c.state.Phase, p)
	c.state.Phase = p
	c.state.PhaseStartTick = in.NowMs
	c.lastTicks = in.TotalTicks
	c.lastProgressMs = in.NowMs
}

func (c *CalibrationSequencer) stalled(in CalibrationInputs) bool {
	if in.TotalTicks != c.lastTicks {
		c.lastTicks = in.TotalTicks
		c.lastProgressMs = in.NowMs
		return false
	}
	if c.timings.Stall <= 0 {
		return false
	}
	return time.Duration(in.NowMs-c.lastProgressMs)*time.Millisecond >= c.timings.Stall
}

func (c *CalibrationSequencer) fail(code uint16) CalibrationStep {
	c.logger.Errorw("calibration failed", "phase", c.state.Phase.String(), "error_code", code)
	c.state.Phase = PhaseIdle
	c.state.Status = CalibrationFailed
	c.state.ErrorCode = code
	return CalibrationStep{Failed: true}
}
