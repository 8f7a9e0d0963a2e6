package wirespool

import (
	"math"

	"github.com/pkg/errors"
)

// RegisterClient issues master-side register operations. It only uses the
// holding-register read/write surface so it behaves like any other master.
type RegisterClient struct {
	bank *RegisterBank
}

// NewRegisterClient returns a client over bank.
func NewRegisterClient(bank *RegisterBank) *RegisterClient {
	return &RegisterClient{bank: bank}
}

// Drive runs motorID open loop in the given mode.
func (rc *RegisterClient) Drive(motorID int, mode ControlMode, dir Direction, speed uint8) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	if !dir.Valid() {
		return errors.Errorf("invalid direction %d", dir)
	}
	return multiWrite(rc.bank,
		RegisterWrite{base + RegCommandSpeed, uint16(min(speed, 100))},
		RegisterWrite{base + RegDirection, uint16(dir)},
		RegisterWrite{base + RegControlMode, uint16(mode)},
		RegisterWrite{base + RegEnable, 1},
	)
}

// Ramp runs motorID in linear mode toward target.
func (rc *RegisterClient) Ramp(motorID int, dir Direction, target uint8) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	return multiWrite(rc.bank,
		RegisterWrite{base + RegLinearInput, uint16(min(target, 100))},
		RegisterWrite{base + RegDirection, uint16(dir)},
		RegisterWrite{base + RegControlMode, uint16(ControlModeLinear)},
		RegisterWrite{base + RegEnable, 1},
	)
}

// MoveToLength starts a position move to targetCm at no more than speed percent.
func (rc *RegisterClient) MoveToLength(motorID int, targetCm uint16, speed uint8) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	return multiWrite(rc.bank,
		RegisterWrite{base + RegPositionTarget, targetCm},
		RegisterWrite{base + RegCommandSpeed, uint16(min(speed, 100))},
		RegisterWrite{base + RegControlMode, uint16(ControlModePosition)},
		RegisterWrite{base + RegEnable, 1},
	)
}

// StartCalibration starts the homing sequence on motorID.
func (rc *RegisterClient) StartCalibration(motorID int, speed uint8) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	return multiWrite(rc.bank,
		RegisterWrite{base + RegCommandSpeed, uint16(min(speed, 100))},
		RegisterWrite{base + RegControlMode, uint16(ControlModeCalibration)},
		RegisterWrite{base + RegEnable, 1},
	)
}

// Stop disables motorID.
func (rc *RegisterClient) Stop(motorID int) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	return rc.bank.WriteHolding(base+RegEnable, 0)
}

// SetGains writes PID gains in natural units.
func (rc *RegisterClient) SetGains(motorID int, g PIDGains) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	if g.Kp < 0 || g.Ki < 0 || g.Kd < 0 {
		return errors.New("gains must be non-negative")
	}
	toRegister := func(v float64) uint16 {
		return uint16(math.Round(clampFloat(v*gainScale, 0, math.MaxUint16)))
	}
	return rc.bank.WriteHolding(base+RegPIDKp, toRegister(g.Kp), toRegister(g.Ki), toRegister(g.Kd))
}

// ResetEncoder zeroes the counter and the wire length at the next encoder cycle.
func (rc *RegisterClient) ResetEncoder() error {
	return rc.bank.WriteHolding(EncoderBase+RegEncoderReset, 1)
}

// SetLength forces the wire length at the next encoder cycle.
func (rc *RegisterClient) SetLength(cm uint16) error {
	return rc.bank.WriteHolding(EncoderBase+RegSetLength, cm, 1)
}

// ResetErrors clears latched error codes at the next motor cycle.
func (rc *RegisterClient) ResetErrors() error {
	return rc.bank.WriteHolding(SystemBase+RegResetErrors, 1)
}

// MotorState reads back motorID's full register block.
func (rc *RegisterClient) MotorState(motorID int) (MotorState, error) {
	base, err := MotorBase(motorID)
	if err != nil {
		return MotorState{}, err
	}
	r, err := rc.bank.ReadHolding(base, motorBlockSize)
	if err != nil {
		return MotorState{}, err
	}
	cmd, err := rc.bank.LoadMotorConfig(motorID)
	if err != nil {
		return MotorState{}, err
	}
	return MotorState{
		MotorCommand: cmd,
		Status: MotorStatus{
			ActualSpeed:     uint8(r[RegActualSpeed]),
			Direction:       Direction(r[RegAppliedDirection]),
			Duty:            uint8(r[RegDuty]),
			LinearState:     uint8(r[RegLinearState]),
			PositionCurrent: r[RegPositionCurrent],
			StatusWord:      r[RegStatusWord],
			ErrorCode:       r[RegErrorCode],
		},
	}, nil
}

// LengthCm reads the current wire length register.
func (rc *RegisterClient) LengthCm() (uint16, error) {
	r, err := rc.bank.ReadHolding(EncoderBase+RegCurrentLength, 1)
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// Calibration reads the calibration status, phase and latched maximum.
func (rc *RegisterClient) Calibration() (CalibrationStatus, CalibrationPhase, uint16, error) {
	r, err := rc.bank.ReadHolding(EncoderBase, 0x10)
	if err != nil {
		return 0, 0, 0, err
	}
	return CalibrationStatus(r[RegCalibrationStatus]), CalibrationPhase(r[RegCalibrationPhase]), r[RegCalibrationMax], nil
}

// multiWrite writes each register in order, stopping on the first error.
// Enable goes last.
func multiWrite(bank *RegisterBank, writes ...RegisterWrite) error {
	for _, w := range writes {
		if err := bank.WriteHolding(w.Address, w.Value); err != nil {
			return errors.Wrapf(err, "writing register 0x%04X", w.Address)
		}
	}
	return nil
}
