package wirespool

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

const (
	simEncoderPeriod = 10 * time.Millisecond
	simPulsesPerSec  = 2000
)

// simHarness steps a controller and a simulated spool in lockstep on a mock
// clock: one encoder cycle every 10ms and one motor cycle every third.
type simHarness struct {
	t      *testing.T
	ctx    context.Context
	clk    *clock.Mock
	sim    *SimulatedSpool
	ctrl   *SpoolController
	client *RegisterClient
	cycles int
}

func newSimHarness(t *testing.T, mutate func(*SpoolConfig)) *simHarness {
	t.Helper()
	cfg := testSpoolConfig(t)
	cfg.CalibrationMaxCm = 100
	if mutate != nil {
		mutate(cfg)
	}
	sim := NewSimulatedSpool(cfg.Geometry(), simPulsesPerSec, uint(cfg.CounterBits))
	clk := clock.NewMock()
	ctrl, err := NewSpoolController(cfg, sim, clk, logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { ctrl.Close(context.Background()) })

	return &simHarness{
		t:      t,
		ctx:    context.Background(),
		clk:    clk,
		sim:    sim,
		ctrl:   ctrl,
		client: NewRegisterClient(ctrl.Registers()),
	}
}

func (h *simHarness) step() {
	h.clk.Add(simEncoderPeriod)
	h.sim.Step(simEncoderPeriod)
	h.ctrl.RunEncoderCycle(h.ctx)
	if h.cycles%3 == 0 {
		h.ctrl.RunMotorCycle(h.ctx)
	}
	h.cycles++
}

// runUntil steps until done reports true or limit of simulated time passes.
func (h *simHarness) runUntil(limit time.Duration, done func() bool) {
	h.t.Helper()
	for elapsed := time.Duration(0); elapsed < limit; elapsed += simEncoderPeriod {
		h.step()
		if done() {
			return
		}
	}
	h.t.Fatalf("condition not met within %s of simulated time", limit)
}

func (h *simHarness) motorState(id int) MotorState {
	h.t.Helper()
	state, err := h.client.MotorState(id)
	require.NoError(h.t, err)
	return state
}

func TestControllerCalibrationEndToEnd(t *testing.T) {
	h := newSimHarness(t, nil)
	require.NoError(t, h.client.StartCalibration(1, 50))

	sawUnwind := false
	h.runUntil(30*time.Second, func() bool {
		status, phase, _, err := h.client.Calibration()
		require.NoError(t, err)
		if phase == PhaseUnwind {
			sawUnwind = true
		}
		return status == CalibrationDone && phase == PhaseIdle
	})
	assert.True(t, sawUnwind)

	_, _, maxCm, err := h.client.Calibration()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, maxCm, uint16(100))
	assert.LessOrEqual(t, maxCm, uint16(106))

	state := h.motorState(1)
	assert.False(t, state.Enable, "calibration disables the motor when it finishes")
	assert.Equal(t, ControlModeOnOff, state.ControlMode)
	assert.NotZero(t, state.Status.StatusWord&StatusCalibrated)
	assert.Equal(t, ErrorNone, state.Status.ErrorCode)

	dir, duty := h.sim.Outputs(1)
	assert.Equal(t, DirectionIdle, dir)
	assert.Equal(t, uint8(0), duty)

	assert.InDelta(t, 0, h.sim.UnrolledLengthMm(), 1e-9)
	assert.Equal(t, uint16(0), h.ctrl.EncoderSnapshot().LengthCm())
	assert.True(t, h.ctrl.EncoderSnapshot().OriginStatus)

	cal, err := LoadCalibrationFromFile(h.ctrl.Config().CalibrationPath())
	require.NoError(t, err)
	assert.Equal(t, int(maxCm), cal.CalibrationMaxCm)
	assert.False(t, cal.SavedAt.After(h.clk.Now()))
}

func TestControllerLoadsSavedCalibration(t *testing.T) {
	cfg := testSpoolConfig(t)
	require.NoError(t, cfg.SaveCalibration(180, time.Now()))

	ctrl, err := NewSpoolController(cfg, NewSimulatedSpool(cfg.Geometry(), simPulsesPerSec, 16), clock.NewMock(), logging.NewTestLogger(t))
	require.NoError(t, err)
	_, _, maxCm, err := NewRegisterClient(ctrl.Registers()).Calibration()
	require.NoError(t, err)
	assert.Equal(t, uint16(180), maxCm)
}

func TestControllerPositionMove(t *testing.T) {
	h := newSimHarness(t, nil)

	reached := func(target uint16) func() bool {
		return func() bool {
			state := h.motorState(1)
			cur := int(state.Status.PositionCurrent)
			return state.Status.StatusWord&StatusTargetReached != 0 && abs(cur-int(target)) <= 1
		}
	}

	require.NoError(t, h.client.MoveToLength(1, 60, 80))
	h.runUntil(20*time.Second, reached(60))

	length, err := h.client.LengthCm()
	require.NoError(t, err)
	assert.InDelta(t, 60, int(length), 1)
	assert.InDelta(t, 600, h.sim.UnrolledLengthMm(), 30)
	dir, duty := h.sim.Outputs(1)
	assert.Equal(t, DirectionIdle, dir)
	assert.Equal(t, uint8(0), duty)

	require.NoError(t, h.client.MoveToLength(1, 20, 80))
	h.runUntil(20*time.Second, reached(20))
	assert.InDelta(t, 200, h.sim.UnrolledLengthMm(), 30)
	assert.Greater(t, h.ctrl.EncoderSnapshot().TotalTicks, int64(0))
}

func TestControllerOutputFailure(t *testing.T) {
	h := newSimHarness(t, nil)
	require.NoError(t, h.client.Drive(1, ControlModeOnOff, DirectionForward, 50))
	h.step()

	dir, duty := h.sim.Outputs(1)
	require.Equal(t, DirectionForward, dir)
	require.Equal(t, uint8(50), duty)

	h.sim.FailOutputs = true
	for range 3 {
		h.step()
	}
	state := h.motorState(1)
	assert.Equal(t, ErrorHardwareOutput, state.Status.ErrorCode)
	assert.NotZero(t, state.Status.StatusWord&StatusFault)
	named := h.ctrl.Registers().Named()
	assert.GreaterOrEqual(t, named["system_error"], 1)
	assert.NotZero(t, named["system_status"].(int)&0x0004)

	h.sim.FailOutputs = false
	require.NoError(t, h.client.ResetErrors())
	for range 3 {
		h.step()
	}
	state = h.motorState(1)
	assert.Equal(t, ErrorNone, state.Status.ErrorCode)
	assert.Zero(t, state.Status.StatusWord&StatusFault)
	assert.Equal(t, 0, h.ctrl.Registers().Named()["system_error"])
	assert.False(t, h.ctrl.Registers().LoadSystemConfig().ResetErrors, "the reset request is acknowledged")
}

func TestControllerEncoderRequests(t *testing.T) {
	h := newSimHarness(t, nil)
	require.NoError(t, h.client.Drive(1, ControlModeOnOff, DirectionForward, 60))
	h.runUntil(5*time.Second, func() bool {
		return h.ctrl.EncoderSnapshot().LengthCm() >= 30
	})
	require.NoError(t, h.client.Stop(1))
	h.step()
	h.step()
	h.step()

	t.Run("set length", func(t *testing.T) {
		require.NoError(t, h.client.SetLength(120))
		h.step()
		assert.Equal(t, uint16(120), h.ctrl.EncoderSnapshot().LengthCm())
		assert.False(t, h.ctrl.Registers().LoadEncoderConfig().SetLengthTrigger)
		length, err := h.client.LengthCm()
		require.NoError(t, err)
		assert.Equal(t, uint16(120), length)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, h.client.ResetEncoder())
		h.step()
		snap := h.ctrl.EncoderSnapshot()
		assert.Equal(t, uint16(0), snap.LengthCm())
		assert.Equal(t, int64(0), snap.TotalTicks)
		assert.Equal(t, uint32(0), snap.LastStableCount)
		assert.False(t, h.ctrl.Registers().LoadEncoderConfig().ResetRequested)
	})
}

func TestControllerStartClose(t *testing.T) {
	cfg := testSpoolConfig(t)
	sim := NewSimulatedSpool(cfg.Geometry(), simPulsesPerSec, 16)
	ctrl, err := NewSpoolController(cfg, sim, nil, logging.NewTestLogger(t))
	require.NoError(t, err)

	closed := false
	ctrl.closers = append(ctrl.closers, func() { closed = true })
	require.NoError(t, ctrl.Start())

	client := NewRegisterClient(ctrl.Registers())
	require.NoError(t, client.Drive(1, ControlModeOnOff, DirectionForward, 40))
	require.Eventually(t, func() bool {
		_, duty := sim.Outputs(1)
		return duty == 40
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.Close(context.Background()))
	assert.True(t, closed)
	dir, duty := sim.Outputs(1)
	assert.Equal(t, DirectionIdle, dir)
	assert.Equal(t, uint8(0), duty)
}

func TestClockTickSource(t *testing.T) {
	clk := clock.NewMock()
	ticks := NewClockTickSource(clk)
	assert.Equal(t, uint64(0), ticks.NowMs())
	clk.Add(1500 * time.Millisecond)
	assert.Equal(t, uint64(1500), ticks.NowMs())
}

func TestControllerKeepsFractionalRadius(t *testing.T) {
	h := newSimHarness(t, func(cfg *SpoolConfig) {
		cfg.RadiusFullMm = 35.9
		cfg.RadiusEmptyMm = 10.9
	})
	h.step()

	g := h.ctrl.Geometry()
	assert.InDelta(t, 35.9, g.RadiusFullMm, 1e-9)
	assert.InDelta(t, 10.9, g.RadiusEmptyMm, 1e-9)
	assert.InDelta(t, 35.9, h.ctrl.EncoderSnapshot().CurrentRadiusMm, 1e-9)

	named := h.ctrl.Registers().Named()
	assert.Equal(t, 359, named["radius_full_0_1mm"])
	assert.Equal(t, 109, named["radius_empty_0_1mm"])

	t.Run("radii that only differ below a millimeter", func(t *testing.T) {
		h := newSimHarness(t, func(cfg *SpoolConfig) {
			cfg.RadiusFullMm = 10.9
			cfg.RadiusEmptyMm = 10.6
		})
		h.step()
		g := h.ctrl.Geometry()
		assert.InDelta(t, 10.9, g.RadiusFullMm, 1e-9)
		assert.InDelta(t, 10.6, g.RadiusEmptyMm, 1e-9)
	})
}

func TestControllerAuxiliaryMotorCannotCalibrate(t *testing.T) {
	h := newSimHarness(t, nil)
	require.NoError(t, h.client.StartCalibration(2, 50))
	for range 6 {
		h.step()
	}

	state := h.motorState(2)
	assert.Equal(t, ErrorInvalidMode, state.Status.ErrorCode)
	dir, duty := h.sim.Outputs(2)
	assert.Equal(t, DirectionIdle, dir)
	assert.Equal(t, uint8(0), duty)

	status, phase, _, err := h.client.Calibration()
	require.NoError(t, err)
	assert.Equal(t, CalibrationNotRun, status)
	assert.Equal(t, PhaseIdle, phase)
}
