package wirespool

import (
	"context"
	"math"
)

// DefaultLengthFilterAlpha is the weight of the newest length sample in the
// low-pass filter applied to the unrolled length.
const DefaultLengthFilterAlpha = 0.15

// EncoderState is the estimator's view of the spool.
type EncoderState struct {
	TotalTicks       int64
	UnrolledLengthMm float64
	CurrentRadiusMm  float64
	FilteredLengthMm float64
	OriginStatus     bool

	PulseStats
}

// LengthCm is the filtered length in whole centimeters, the unit used by the
// register interface and position control.
func (s EncoderState) LengthCm() uint16 {
	return mmToCm(s.FilteredLengthMm)
}

func mmToCm(mm float64) uint16 {
	return uint16(clampFloat(math.Round(mm), 0, math.MaxUint16) / 10)
}

// PositionEstimator integrates pulse deltas into an unrolled wire length,
// accounting for the shrinking winding radius as the spool empties. It is
// owned by the encoder task.
type PositionEstimator struct {
	source PulseSource
	alpha  float64
	state  EncoderState
}

// NewPositionEstimator returns an estimator for a spool that starts full.
func NewPositionEstimator(source PulseSource, geometry SpoolGeometry) *PositionEstimator {
	return &PositionEstimator{
		source: source,
		alpha:  DefaultLengthFilterAlpha,
		state:  EncoderState{CurrentRadiusMm: geometry.RadiusFullMm},
	}
}

// Update applies one cycle of pulses. Idle direction with movement is counted
// as forward since a single-channel encoder cannot see direction. Returns the
// filtered length rounded to mm.
func (e *PositionEstimator) Update(pulses PulseSample, dir Direction, geometry SpoolGeometry) uint16 {
	if pulses.Reset {
		e.clear(geometry)
		return e.filteredMm()
	}
	if pulses.DeltaTicks == 0 || geometry.Validate() != nil {
		return e.filteredMm()
	}

	sign := int64(1)
	if dir == DirectionReverse {
		sign = -1
	}
	delta := sign * int64(pulses.DeltaTicks)
	e.state.TotalTicks += delta

	// arc length at the radius in effect before this step
	radius := e.state.CurrentRadiusMm
	if radius <= 0 {
		radius = geometry.RadiusAt(e.state.UnrolledLengthMm)
	}
	step := float64(delta) / float64(geometry.CountsPerRevolution) * 2 * math.Pi * radius
	e.state.UnrolledLengthMm = clampFloat(e.state.UnrolledLengthMm+step, 0, geometry.TotalWireLengthMm)
	e.state.CurrentRadiusMm = geometry.RadiusAt(e.state.UnrolledLengthMm)
	e.state.FilteredLengthMm = e.alpha*e.state.UnrolledLengthMm + (1-e.alpha)*e.state.FilteredLengthMm

	return e.filteredMm()
}

// ResetWireLength zeroes the length state and moves the pulse baseline to the
// current counter value. The state is cleared even if the resync fails.
func (e *PositionEstimator) ResetWireLength(ctx context.Context, geometry SpoolGeometry) error {
	e.clear(geometry)
	if e.source == nil {
		return nil
	}
	return e.source.Resync(ctx)
}

// SetWireLength forces the length to a known value.
func (e *PositionEstimator) SetWireLength(ctx context.Context, lengthMm float64, geometry SpoolGeometry) error {
	lengthMm = clampFloat(lengthMm, 0, geometry.TotalWireLengthMm)
	e.state.UnrolledLengthMm = lengthMm
	e.state.FilteredLengthMm = lengthMm
	e.state.CurrentRadiusMm = geometry.RadiusAt(lengthMm)
	if e.source == nil {
		return nil
	}
	return e.source.Resync(ctx)
}

// State returns a copy of the estimator state merged with the source diagnostics.
func (e *PositionEstimator) State() EncoderState {
	s := e.state
	if e.source != nil {
		s.PulseStats = e.source.Stats()
	}
	return s
}

func (e *PositionEstimator) clear(geometry SpoolGeometry) {
	e.state.TotalTicks = 0
	e.state.UnrolledLengthMm = 0
	e.state.FilteredLengthMm = 0
	e.state.CurrentRadiusMm = geometry.RadiusFullMm
}

func (e *PositionEstimator) filteredMm() uint16 {
	return uint16(clampFloat(math.Round(e.state.FilteredLengthMm), 0, math.MaxUint16))
}
