package wirespool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func newTestMotorController(t *testing.T) *MotorController {
	t.Helper()
	return NewMotorController(1, 30*time.Millisecond, DefaultCalibrationTimings, logging.NewTestLogger(t))
}

func baseCommand(mode ControlMode) MotorCommand {
	return MotorCommand{
		ControlMode: mode,
		Enable:      true,
		Kp:          100,
		Ki:          10,
		Kd:          5,
		MaxSpeed:    100,
		LinearUnit:  5,
	}
}

func TestMotorOnOff(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeOnOff)
	cmd.Direction = DirectionForward
	cmd.CommandSpeed = 40

	out := m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, DirectionForward, out.Status.Direction)
	assert.Equal(t, uint8(40), out.Status.Duty)
	assert.NotZero(t, out.Status.StatusWord&StatusRunning)

	cmd.Direction = DirectionIdle
	out = m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, DirectionIdle, out.Status.Direction)
	assert.Equal(t, uint8(0), out.Status.Duty)
	assert.Zero(t, out.Status.StatusWord&StatusRunning)
}

func TestMotorDisableStopsImmediately(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModePID)
	cmd.Kp, cmd.Kd = 50, 0
	cmd.Direction = DirectionReverse
	cmd.CommandSpeed = 60

	for range 5 {
		m.Tick(ControlInputs{Command: cmd})
	}
	require.Greater(t, m.Status().Duty, uint8(0))
	require.NotEqual(t, PIDState{}, m.PIDState())

	cmd.Enable = false
	out := m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, uint8(0), out.Status.Duty)
	assert.Equal(t, DirectionIdle, out.Status.Direction)
	assert.Equal(t, uint8(0), out.Status.ActualSpeed)
	assert.Equal(t, PIDState{}, m.PIDState())
}

func TestMotorInvalidModeHoldsOutputs(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeOnOff)
	cmd.Direction = DirectionForward
	cmd.CommandSpeed = 40
	m.Tick(ControlInputs{Command: cmd})

	cmd.ControlMode = 9
	out := m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, uint8(40), out.Status.Duty)
	assert.Equal(t, DirectionForward, out.Status.Direction)
	assert.Equal(t, ErrorInvalidMode, out.Status.ErrorCode)
	assert.NotZero(t, out.Status.StatusWord&StatusFault)

	cmd.ControlMode = ControlModeOnOff
	out = m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, ErrorNone, out.Status.ErrorCode)
	assert.Zero(t, out.Status.StatusWord&StatusFault)
}

func TestAuxiliaryMotorRefusesLengthModes(t *testing.T) {
	m := NewMotorController(2, 30*time.Millisecond, DefaultCalibrationTimings, logging.NewTestLogger(t))
	m.auxiliary = true

	for _, mode := range []ControlMode{ControlModeCalibration, ControlModePosition} {
		t.Run(mode.String(), func(t *testing.T) {
			cmd := baseCommand(ControlModeOnOff)
			cmd.Direction = DirectionForward
			cmd.CommandSpeed = 40
			m.Tick(ControlInputs{Command: cmd})

			cmd.ControlMode = mode
			cmd.PositionTarget = 100
			out := m.Tick(ControlInputs{Command: cmd, CalibrationMaxCm: 100})
			assert.Equal(t, DirectionIdle, out.Status.Direction)
			assert.Equal(t, uint8(0), out.Status.Duty)
			assert.Equal(t, ErrorInvalidMode, out.Status.ErrorCode)
			assert.Equal(t, PhaseIdle, m.Calibration().Phase)
			assert.False(t, out.Disable)

			cmd.ControlMode = ControlModeOnOff
			out = m.Tick(ControlInputs{Command: cmd})
			assert.Equal(t, ErrorNone, out.Status.ErrorCode)
			assert.Equal(t, uint8(40), out.Status.Duty)
		})
	}
}

func TestMotorLinearRamp(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeLinear)
	cmd.Direction = DirectionForward
	cmd.LinearInput = 18

	var speeds []uint8
	var states []uint8
	for range 5 {
		out := m.Tick(ControlInputs{Command: cmd})
		speeds = append(speeds, out.Status.ActualSpeed)
		states = append(states, out.Status.LinearState)
	}
	assert.Equal(t, []uint8{5, 10, 15, 18, 18}, speeds)
	assert.Equal(t, []uint8{1, 1, 1, 1, 0}, states)
	assert.Equal(t, uint8(18), m.Status().Duty)

	cmd.LinearInput = 6
	out := m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, uint8(13), out.Status.ActualSpeed)
	assert.Equal(t, uint8(0), out.Status.LinearState)
}

func TestMotorPIDRespectsLimits(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModePID)
	cmd.Direction = DirectionForward
	cmd.CommandSpeed = 80
	cmd.MaxSpeed = 30
	cmd.MinSpeed = 10

	for range 50 {
		out := m.Tick(ControlInputs{Command: cmd})
		assert.LessOrEqual(t, out.Status.Duty, uint8(29))
		assert.GreaterOrEqual(t, out.Status.Duty, uint8(10))
		assert.Equal(t, DirectionForward, out.Status.Direction)
	}
	assert.NotZero(t, m.Status().StatusWord&StatusSaturated)

	cmd.Direction = DirectionIdle
	out := m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, uint8(0), out.Status.Duty)
	assert.Equal(t, PIDState{}, m.PIDState())
}

func TestMotorModeChangeResetsPID(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModePID)
	cmd.Direction = DirectionForward
	cmd.CommandSpeed = 50
	for range 5 {
		m.Tick(ControlInputs{Command: cmd})
	}
	require.NotZero(t, m.PIDState().Integral)

	cmd.ControlMode = ControlModeOnOff
	m.Tick(ControlInputs{Command: cmd})
	assert.Equal(t, PIDState{}, m.PIDState())
}

func TestMotorPosition(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModePosition)
	cmd.PositionTarget = 100
	cmd.CommandSpeed = 50

	out := m.Tick(ControlInputs{Command: cmd, Encoder: EncoderState{FilteredLengthMm: 0}})
	assert.Equal(t, DirectionForward, out.Status.Direction)
	assert.Greater(t, out.Status.Duty, uint8(0))
	assert.LessOrEqual(t, out.Status.Duty, uint8(50))
	assert.Zero(t, out.Status.StatusWord&StatusTargetReached)

	out = m.Tick(ControlInputs{Command: cmd, Encoder: EncoderState{FilteredLengthMm: 1200}})
	assert.Equal(t, DirectionReverse, out.Status.Direction)
	assert.Equal(t, uint16(120), out.Status.PositionCurrent)

	out = m.Tick(ControlInputs{Command: cmd, Encoder: EncoderState{FilteredLengthMm: 1008}})
	assert.Equal(t, DirectionIdle, out.Status.Direction)
	assert.Equal(t, uint8(0), out.Status.Duty)
	assert.NotZero(t, out.Status.StatusWord&StatusTargetReached)
	assert.Equal(t, PIDState{}, m.PIDState())
}

func TestMotorCalibrationMode(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeCalibration)
	cmd.CommandSpeed = 50
	in := ControlInputs{Command: cmd, CalibrationMaxCm: 300}

	out := m.Tick(in)
	assert.Equal(t, DirectionReverse, out.Status.Direction)
	assert.NotZero(t, out.Status.StatusWord&StatusCalibrating)

	in.NowMs = 30
	in.Encoder.OriginStatus = true
	out = m.Tick(in)
	assert.True(t, out.ResetEstimator)

	in.NowMs = 600
	in.Encoder.OriginStatus = false
	out = m.Tick(in)
	assert.Equal(t, DirectionForward, out.Status.Direction)
	assert.Equal(t, PhaseUnwind, m.Calibration().Phase)

	in.NowMs = 700
	in.Encoder.TotalTicks = 2100
	in.Encoder.FilteredLengthMm = 3000
	m.Tick(in)
	require.Equal(t, PhaseSettleAtMax, m.Calibration().Phase)

	in.NowMs = 1200
	out = m.Tick(in)
	assert.True(t, out.Latch)
	assert.Equal(t, uint16(300), out.LatchMaxCm)
	assert.NotZero(t, out.Status.StatusWord&StatusCalibrated)

	in.NowMs = 1300
	in.Encoder.TotalTicks = 0
	in.Encoder.OriginStatus = true
	m.Tick(in)

	in.NowMs = 2300
	out = m.Tick(in)
	assert.True(t, out.Disable)
	assert.True(t, out.ForceOnOff)
	assert.Zero(t, out.Status.StatusWord&StatusCalibrating)
	assert.NotZero(t, out.Status.StatusWord&StatusCalibrated)
	assert.Equal(t, uint8(0), out.Status.Duty)
}

func TestMotorCalibrationFailureDisables(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeCalibration)
	cmd.CommandSpeed = 50
	in := ControlInputs{Command: cmd, CalibrationMaxCm: 300}

	m.Tick(in)
	in.NowMs = 3000
	out := m.Tick(in)
	assert.True(t, out.Disable)
	assert.False(t, out.ForceOnOff)
	assert.Equal(t, ErrorCalibrationStalled, out.Status.ErrorCode)
	assert.NotZero(t, out.Status.StatusWord&StatusFault)
	assert.Equal(t, CalibrationFailed, m.Calibration().Status)

	// re-enabling retries and clears the stale failure
	in.Command.Enable = false
	m.Tick(in)
	in.Command.Enable = true
	in.NowMs = 3030
	out = m.Tick(in)
	assert.Equal(t, ErrorNone, out.Status.ErrorCode)
	assert.Equal(t, CalibrationRunning, m.Calibration().Status)
}

func TestMotorLeavingCalibrationAborts(t *testing.T) {
	m := newTestMotorController(t)
	cmd := baseCommand(ControlModeCalibration)
	cmd.CommandSpeed = 50
	m.Tick(ControlInputs{Command: cmd})
	require.True(t, m.calibration.Active())

	cmd.ControlMode = ControlModeOnOff
	cmd.Direction = DirectionForward
	cmd.CommandSpeed = 20
	out := m.Tick(ControlInputs{Command: cmd})
	assert.False(t, m.calibration.Active())
	assert.Equal(t, CalibrationNotRun, m.Calibration().Status)
	assert.Zero(t, out.Status.StatusWord&StatusCalibrating)
	assert.Equal(t, uint8(20), out.Status.Duty)
}
