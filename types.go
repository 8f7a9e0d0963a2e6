package wirespool

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Direction is the rotation command applied to a motor's H-bridge.
type Direction uint16

const (
	DirectionIdle    Direction = 0
	DirectionForward Direction = 1
	DirectionReverse Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionIdle:
		return "idle"
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", uint16(d))
	}
}

// Valid reports whether d is one of the three encodable directions.
func (d Direction) Valid() bool {
	return d <= DirectionReverse
}

// ControlMode selects the per-motor control law. The numbering is part of the
// register contract and must stay stable within a build.
type ControlMode uint16

const (
	ControlModeOnOff       ControlMode = 1
	ControlModePID         ControlMode = 2
	ControlModePosition    ControlMode = 3
	ControlModeCalibration ControlMode = 4
	ControlModeLinear      ControlMode = 5
)

func (m ControlMode) String() string {
	switch m {
	case ControlModeOnOff:
		return "on_off"
	case ControlModePID:
		return "pid"
	case ControlModePosition:
		return "position"
	case ControlModeCalibration:
		return "calibration"
	case ControlModeLinear:
		return "linear"
	default:
		return fmt.Sprintf("mode(%d)", uint16(m))
	}
}

// Valid reports whether m is a recognized control mode.
func (m ControlMode) Valid() bool {
	return m >= ControlModeOnOff && m <= ControlModeLinear
}

// Status word bits.
const (
	StatusRunning       uint16 = 0x0001
	StatusTargetReached uint16 = 0x0002
	StatusCalibrating   uint16 = 0x0004
	StatusCalibrated    uint16 = 0x0008
	StatusSaturated     uint16 = 0x0010
	StatusFault         uint16 = 0x0080
)

// Motor error codes.
const (
	ErrorNone                uint16 = 0
	ErrorInvalidMode         uint16 = 1
	ErrorCalibrationNoPulses uint16 = 2
	ErrorCalibrationStalled  uint16 = 3
	ErrorHardwareOutput      uint16 = 4
)

// SpoolGeometry describes the physical spool. It is fixed for a session
// unless the master rewrites the geometry registers.
type SpoolGeometry struct {
	RadiusFullMm        float64
	RadiusEmptyMm       float64
	TotalWireLengthMm   float64
	CountsPerRevolution uint32
}

// DefaultSpoolGeometry matches the reference spool: 35mm full, 10mm core, 3m of wire.
var DefaultSpoolGeometry = SpoolGeometry{
	RadiusFullMm:        35,
	RadiusEmptyMm:       10,
	TotalWireLengthMm:   3000,
	CountsPerRevolution: 100,
}

// Validate checks the geometry invariants.
func (g SpoolGeometry) Validate() error {
	if g.RadiusEmptyMm <= 0 {
		return errors.Errorf("empty radius must be positive, got %.2fmm", g.RadiusEmptyMm)
	}
	if g.RadiusEmptyMm >= g.RadiusFullMm {
		return errors.Errorf("empty radius (%.2fmm) must be smaller than full radius (%.2fmm)",
			g.RadiusEmptyMm, g.RadiusFullMm)
	}
	if g.TotalWireLengthMm <= 0 {
		return errors.Errorf("total wire length must be positive, got %.1fmm", g.TotalWireLengthMm)
	}
	if g.CountsPerRevolution == 0 {
		return errors.New("counts per revolution must be non-zero")
	}
	return nil
}

// RadiusAt returns the effective winding radius once lengthMm of wire has been
// unrolled. The wire cross-section is conserved, so the squared radius is
// linear in the unrolled length.
func (g SpoolGeometry) RadiusAt(lengthMm float64) float64 {
	ratio := clampFloat(lengthMm/g.TotalWireLengthMm, 0, 1)
	full2 := g.RadiusFullMm * g.RadiusFullMm
	empty2 := g.RadiusEmptyMm * g.RadiusEmptyMm
	r := math.Sqrt(full2 - (full2-empty2)*ratio)
	return clampFloat(r, g.RadiusEmptyMm, g.RadiusFullMm)
}

// LengthForRevolutions inverts the winding model: the length of wire that
// leaves a full spool after the given number of revolutions. It is the closed
// form of dL/dθ = r(L) under the area-conserving radius model.
func (g SpoolGeometry) LengthForRevolutions(revolutions float64) float64 {
	if revolutions <= 0 {
		return 0
	}
	k := (g.RadiusFullMm*g.RadiusFullMm - g.RadiusEmptyMm*g.RadiusEmptyMm) / g.TotalWireLengthMm
	theta := 2 * math.Pi * revolutions
	u := g.RadiusFullMm - k*theta/2
	if u <= g.RadiusEmptyMm {
		return g.TotalWireLengthMm
	}
	return clampFloat((g.RadiusFullMm*g.RadiusFullMm-u*u)/k, 0, g.TotalWireLengthMm)
}

// RevolutionsForLength is the inverse of LengthForRevolutions.
func (g SpoolGeometry) RevolutionsForLength(lengthMm float64) float64 {
	k := (g.RadiusFullMm*g.RadiusFullMm - g.RadiusEmptyMm*g.RadiusEmptyMm) / g.TotalWireLengthMm
	u := g.RadiusAt(lengthMm)
	return (g.RadiusFullMm - u) / (math.Pi * k)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolToRegister(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func percentToRegister(v float64) uint8 {
	return uint8(math.Round(clampFloat(v, 0, 100)))
}
