package wirespool

import (
	"math"
	"time"

	"go.viam.com/rdk/logging"
)

const (
	deratingFactor = 0.98
	// position deadband in cm
	positionTolerance = 1
)

// ControlInputs is everything the motor task feeds a motor for one cycle.
type ControlInputs struct {
	Command MotorCommand
	NowMs   uint64
	Encoder EncoderState
	// CalibrationMaxCm is the unwind target for calibration.
	CalibrationMaxCm  uint16
	TotalWireLengthMm float64
}

// ControlOutputs is the result of one motor cycle.
type ControlOutputs struct {
	Status         MotorStatus
	ResetEstimator bool
	// Disable and ForceOnOff are firmware-originated writes to master registers.
	Disable    bool
	ForceOnOff bool
	Latch      bool
	LatchMaxCm uint16
}

// MotorController runs the control law selected by a motor's mode register.
// It is owned by the motor task.
type MotorController struct {
	id          int
	logger      logging.Logger
	pid         *PIDController
	calibration *CalibrationSequencer

	status      MotorStatus
	lastMode    ControlMode
	wasEnabled  bool
	invalidMode ControlMode

	// auxiliary motors do not move the measured spool, so modes that need
	// length feedback are refused
	auxiliary bool
}

// NewMotorController returns a stopped controller for motor id.
func NewMotorController(id int, period time.Duration, timings CalibrationTimings, logger logging.Logger) *MotorController {
	return &MotorController{
		id:          id,
		logger:      logger,
		pid:         NewPIDController(PIDGains{}, PIDLimits{MaxOutput: 100}, period),
		calibration: NewCalibrationSequencer(timings, logger),
		lastMode:    ControlModeOnOff,
	}
}

// Status returns the last computed outputs.
func (m *MotorController) Status() MotorStatus {
	return m.status
}

// Calibration exposes the sequencer state.
func (m *MotorController) Calibration() CalibrationState {
	return m.calibration.State()
}

// PIDState exposes the controller memory for diagnostics.
func (m *MotorController) PIDState() PIDState {
	return m.pid.State()
}

// ClearErrors drops latched error codes.
func (m *MotorController) ClearErrors() {
	m.status.ErrorCode = ErrorNone
	m.status.StatusWord &^= StatusFault
	m.calibration.ClearError()
}

// SetFault latches an error code raised outside the control law.
func (m *MotorController) SetFault(code uint16) {
	m.status.ErrorCode = code
	m.status.StatusWord |= StatusFault
}

// Tick runs one control cycle.
func (m *MotorController) Tick(in ControlInputs) ControlOutputs {
	cmd := in.Command
	out := ControlOutputs{}

	if !cmd.Enable {
		if m.wasEnabled {
			m.logger.Debugf("motor %d disabled", m.id)
		}
		m.safeStop()
		m.calibration.Abort()
		m.wasEnabled = false
		if cmd.ControlMode.Valid() {
			m.lastMode = cmd.ControlMode
		}
		out.Status = m.status
		return out
	}

	if !cmd.ControlMode.Valid() {
		// hold the last applied outputs
		if m.invalidMode != cmd.ControlMode {
			m.logger.Warnf("motor %d: ignoring unknown control mode %d", m.id, cmd.ControlMode)
			m.invalidMode = cmd.ControlMode
		}
		m.SetFault(ErrorInvalidMode)
		out.Status = m.status
		return out
	}
	if m.auxiliary && needsLengthFeedback(cmd.ControlMode) {
		if m.invalidMode != cmd.ControlMode {
			m.logger.Warnf("motor %d does not drive the spool, refusing %s mode", m.id, cmd.ControlMode)
			m.invalidMode = cmd.ControlMode
		}
		m.safeStop()
		m.calibration.Abort()
		m.SetFault(ErrorInvalidMode)
		out.Status = m.status
		return out
	}
	m.invalidMode = 0
	if m.status.ErrorCode == ErrorInvalidMode {
		m.ClearErrors()
	}

	if cmd.ControlMode != m.lastMode || !m.wasEnabled {
		m.logger.Debugf("motor %d entering %s mode", m.id, cmd.ControlMode)
		m.pid.Reset()
		if m.lastMode == ControlModeCalibration {
			m.calibration.Abort()
		}
		m.status.StatusWord &^= StatusTargetReached | StatusCalibrating
	}
	m.lastMode = cmd.ControlMode
	m.wasEnabled = true

	m.pid.SetGains(cmd.Gains())

	switch cmd.ControlMode {
	case ControlModeOnOff:
		m.tickOnOff(cmd)
	case ControlModeLinear:
		m.tickLinear(cmd)
	case ControlModePID:
		m.tickPID(cmd)
	case ControlModePosition:
		m.tickPosition(cmd, in.Encoder)
	case ControlModeCalibration:
		m.tickCalibration(cmd, in, &out)
	}

	if m.pid.State().Saturated {
		m.status.StatusWord |= StatusSaturated
	} else {
		m.status.StatusWord &^= StatusSaturated
	}
	out.Status = m.status
	return out
}

func (m *MotorController) safeStop() {
	m.pid.Reset()
	m.status.Duty = 0
	m.status.ActualSpeed = 0
	m.status.LinearState = 0
	m.status.Direction = DirectionIdle
	m.status.StatusWord &= StatusFault | StatusCalibrated
}

func (m *MotorController) drive(dir Direction, duty uint8) {
	if dir == DirectionIdle || duty == 0 {
		m.status.Direction = DirectionIdle
		m.status.Duty = 0
		m.status.StatusWord &^= StatusRunning
		return
	}
	m.status.Direction = dir
	m.status.Duty = duty
	m.status.StatusWord |= StatusRunning
}

func (m *MotorController) tickOnOff(cmd MotorCommand) {
	if !cmd.Direction.Valid() || cmd.Direction == DirectionIdle {
		m.drive(DirectionIdle, 0)
		m.status.ActualSpeed = 0
		return
	}
	m.drive(cmd.Direction, cmd.CommandSpeed)
	m.status.ActualSpeed = m.status.Duty
}

// tickLinear ramps actualSpeed toward linearInput by at most linearUnit per
// cycle. linearState is 1 while accelerating.
func (m *MotorController) tickLinear(cmd MotorCommand) {
	speed := int(m.status.ActualSpeed)
	target := int(cmd.LinearInput)
	unit := max(int(cmd.LinearUnit), 1)
	m.status.LinearState = 0
	switch {
	case speed < target:
		speed = min(speed+unit, target)
		m.status.LinearState = 1
	case speed > target:
		speed = max(speed-unit, target)
	}

	if !cmd.Direction.Valid() || cmd.Direction == DirectionIdle {
		m.drive(DirectionIdle, 0)
		m.status.ActualSpeed = 0
		m.status.LinearState = 0
		return
	}
	m.status.ActualSpeed = uint8(speed)
	m.drive(cmd.Direction, m.status.ActualSpeed)
}

// tickPID closes the loop on speed using the previous output as feedback.
func (m *MotorController) tickPID(cmd MotorCommand) {
	if !cmd.Direction.Valid() || cmd.Direction == DirectionIdle {
		m.pid.Reset()
		m.drive(DirectionIdle, 0)
		m.status.ActualSpeed = 0
		return
	}
	maxSpeed := speedCeiling(cmd.MaxSpeed)
	m.pid.SetLimits(PIDLimits{MaxOutput: maxSpeed, AccelerationLimit: float64(cmd.MaxAccel)})

	output := m.pid.Compute(float64(cmd.CommandSpeed), float64(m.status.ActualSpeed))
	duty := clampFloat(output, math.Min(float64(cmd.MinSpeed), maxSpeed), maxSpeed) * deratingFactor

	m.drive(cmd.Direction, percentToRegister(duty))
	m.status.ActualSpeed = percentToRegister(output)
}

// tickPosition drives toward the target length. The PID sees the distance
// to go as its setpoint so its output is a speed magnitude; the sign of the
// error picks the direction.
func (m *MotorController) tickPosition(cmd MotorCommand, enc EncoderState) {
	current := enc.LengthCm()
	m.status.PositionCurrent = current
	errCm := int(cmd.PositionTarget) - int(current)

	if abs(errCm) <= positionTolerance {
		m.pid.Reset()
		m.drive(DirectionIdle, 0)
		m.status.ActualSpeed = 0
		m.status.StatusWord |= StatusTargetReached
		return
	}
	m.status.StatusWord &^= StatusTargetReached

	dir := DirectionForward
	if errCm < 0 {
		dir = DirectionReverse
	}
	if m.status.Direction != DirectionIdle && m.status.Direction != dir {
		// overshoot; start the approach fresh
		m.pid.Reset()
	}
	ceiling := math.Min(float64(cmd.CommandSpeed), speedCeiling(cmd.MaxSpeed))
	m.pid.SetLimits(PIDLimits{MaxOutput: ceiling, AccelerationLimit: float64(cmd.MaxAccel)})
	output := m.pid.Compute(float64(abs(errCm)), 0)

	m.drive(dir, percentToRegister(output))
	m.status.ActualSpeed = m.status.Duty
}

func (m *MotorController) tickCalibration(cmd MotorCommand, in ControlInputs, out *ControlOutputs) {
	if !m.calibration.Active() {
		// a fresh run supersedes the previous outcome
		m.status.StatusWord &^= StatusCalibrated
		if m.status.ErrorCode == ErrorCalibrationNoPulses || m.status.ErrorCode == ErrorCalibrationStalled {
			m.ClearErrors()
		}
	}
	step := m.calibration.Step(CalibrationInputs{
		NowMs:             in.NowMs,
		CommandSpeed:      cmd.CommandSpeed,
		OriginAsserted:    in.Encoder.OriginStatus,
		LengthMm:          uint16(clampFloat(math.Round(in.Encoder.FilteredLengthMm), 0, math.MaxUint16)),
		TotalTicks:        in.Encoder.TotalTicks,
		CalibrationMaxCm:  in.CalibrationMaxCm,
		TotalWireLengthMm: in.TotalWireLengthMm,
	})
	m.drive(step.Direction, step.Duty)
	m.status.ActualSpeed = m.status.Duty
	out.ResetEstimator = step.ResetEstimator

	if step.Latch {
		out.Latch = true
		out.LatchMaxCm = step.LatchMaxCm
		m.status.StatusWord |= StatusCalibrated
	}
	switch {
	case step.Failed:
		m.SetFault(m.calibration.State().ErrorCode)
		m.status.StatusWord &^= StatusCalibrating
		m.safeStop()
		out.Disable = true
	case step.Finished:
		m.status.StatusWord &^= StatusCalibrating
		m.safeStop()
		out.Disable = true
		out.ForceOnOff = true
	default:
		m.status.StatusWord |= StatusCalibrating
	}
}

func needsLengthFeedback(mode ControlMode) bool {
	return mode == ControlModePosition || mode == ControlModeCalibration
}

func speedCeiling(maxSpeed uint8) float64 {
	if maxSpeed == 0 || maxSpeed > 100 {
		return 100
	}
	return float64(maxSpeed)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
