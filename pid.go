package wirespool

import (
	"math"
	"time"
)

const (
	// derivative term low-pass weight
	defaultDerivativeAlpha = 0.1
	// PID gains are carried on the wire as fixed point ×100
	gainScale = 100.0
	// integral bound used when Ki is zero and no MaxIntegral is set
	defaultMaxIntegral = 100.0
)

// PIDGains are the controller gains in natural units.
type PIDGains struct {
	Kp float64
	Ki float64
	Kd float64
}

// GainsFromRegisters converts ×100 fixed-point register values to gains.
func GainsFromRegisters(kp, ki, kd uint16) PIDGains {
	return PIDGains{
		Kp: float64(kp) / gainScale,
		Ki: float64(ki) / gainScale,
		Kd: float64(kd) / gainScale,
	}
}

// PIDLimits bound the controller output.
type PIDLimits struct {
	MaxOutput float64
	// MaxIntegral bounds the integral while Ki is zero. Zero selects the
	// default.
	MaxIntegral float64
	// AccelerationLimit is the largest output change per second. Zero or
	// negative disables slew limiting.
	AccelerationLimit float64
}

// PIDState is the controller memory cleared by Reset.
type PIDState struct {
	Integral           float64
	LastError          float64
	FilteredDerivative float64
	Output             float64
	Saturated          bool
}

// PIDController is a fixed-rate PID with integral clamping, a filtered
// derivative term and output slew limiting. Output is always within
// [0, MaxOutput].
type PIDController struct {
	gains           PIDGains
	limits          PIDLimits
	sampleTime      float64
	derivativeAlpha float64
	state           PIDState
}

// NewPIDController returns a controller that is computed once per sampleTime.
func NewPIDController(gains PIDGains, limits PIDLimits, sampleTime time.Duration) *PIDController {
	return &PIDController{
		gains:           gains,
		limits:          limits,
		sampleTime:      sampleTime.Seconds(),
		derivativeAlpha: defaultDerivativeAlpha,
	}
}

// SetGains updates the gains without touching the controller state.
func (p *PIDController) SetGains(g PIDGains) {
	p.gains = g
}

// SetLimits updates the output limits without touching the controller state.
func (p *PIDController) SetLimits(l PIDLimits) {
	p.limits = l
}

// Gains returns the current gains.
func (p *PIDController) Gains() PIDGains {
	return p.gains
}

// Compute runs one control step and returns the new output.
func (p *PIDController) Compute(setpoint, feedback float64) float64 {
	maxOut := math.Max(p.limits.MaxOutput, 0)
	dt := p.sampleTime
	err := setpoint - feedback

	pTerm := p.gains.Kp * err

	p.state.Integral += err * dt
	bound := p.limits.MaxIntegral
	if p.gains.Ki > 0 {
		bound = maxOut / p.gains.Ki
	} else if bound <= 0 {
		bound = defaultMaxIntegral
	}
	p.state.Integral = clampFloat(p.state.Integral, -bound, bound)
	iTerm := p.gains.Ki * p.state.Integral

	var rawDerivative float64
	if dt > 0 {
		rawDerivative = (err - p.state.LastError) / dt
	}
	p.state.FilteredDerivative = p.derivativeAlpha*rawDerivative +
		(1-p.derivativeAlpha)*p.state.FilteredDerivative
	dTerm := p.gains.Kd * p.state.FilteredDerivative
	p.state.LastError = err

	out := pTerm + iTerm + dTerm
	if p.limits.AccelerationLimit > 0 {
		maxStep := p.limits.AccelerationLimit * dt
		out = clampFloat(out, p.state.Output-maxStep, p.state.Output+maxStep)
	}
	clamped := clampFloat(out, 0, maxOut)
	p.state.Saturated = clamped != out
	p.state.Output = clamped
	return clamped
}

// Reset clears the controller memory. Gains and limits are kept.
func (p *PIDController) Reset() {
	p.state = PIDState{}
}

// State returns a copy of the controller memory.
func (p *PIDController) State() PIDState {
	return p.state
}
