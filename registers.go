package wirespool

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Register block bases.
const (
	Motor1Base    uint16 = 0x0000
	Motor2Base    uint16 = 0x0020
	EncoderBase   uint16 = 0x0040
	SystemBase    uint16 = 0x00F0
	RegisterCount        = 0x0100

	motorBlockSize = 0x20
	// MotorCount is the number of motor channels on the board.
	MotorCount = 2
)

// Motor register offsets from the motor block base.
const (
	RegControlMode      uint16 = 0x00
	RegEnable           uint16 = 0x01
	RegCommandSpeed     uint16 = 0x02
	RegLinearInput      uint16 = 0x03
	RegLinearUnit       uint16 = 0x04
	RegLinearState      uint16 = 0x05
	RegActualSpeed      uint16 = 0x06
	RegDirection        uint16 = 0x07
	RegPIDKp            uint16 = 0x08
	RegPIDKi            uint16 = 0x09
	RegPIDKd            uint16 = 0x0A
	RegStatusWord       uint16 = 0x0B
	RegErrorCode        uint16 = 0x0C
	RegAppliedDirection uint16 = 0x0D
	RegPositionTarget   uint16 = 0x0E
	RegPositionCurrent  uint16 = 0x0F
	RegMaxSpeed         uint16 = 0x10
	RegMinSpeed         uint16 = 0x11
	RegMaxAccel         uint16 = 0x12
	RegDuty             uint16 = 0x13
)

// Encoder register offsets from EncoderBase.
const (
	RegEncoderCount      uint16 = 0x00
	RegCountsPerRev      uint16 = 0x01
	RegRadiusFull        uint16 = 0x02 // 0.1 mm
	RegRadiusEmpty       uint16 = 0x03 // 0.1 mm
	RegTotalWireLength   uint16 = 0x04
	RegEncoderReset      uint16 = 0x05
	RegCalibrationMax    uint16 = 0x06
	RegCalibrationStatus uint16 = 0x07
	RegCurrentLength     uint16 = 0x08
	RegOriginStatus      uint16 = 0x09
	RegNoiseRejects      uint16 = 0x0A
	RegOverflows         uint16 = 0x0B
	RegCurrentRadius     uint16 = 0x0C
	RegCalibrationPhase  uint16 = 0x0D
	RegSetLength         uint16 = 0x0E
	RegSetLengthTrigger  uint16 = 0x0F
)

// System register offsets from SystemBase.
const (
	RegDeviceID        uint16 = 0x00
	RegFirmwareVersion uint16 = 0x01
	RegSystemStatus    uint16 = 0x02
	RegSystemError     uint16 = 0x03
	RegResetErrors     uint16 = 0x04
)

const (
	defaultDeviceID        = 3
	defaultFirmwareVersion = 0x0101
)

// MotorBase returns the register block base of motor 1 or 2.
func MotorBase(motorID int) (uint16, error) {
	if motorID < 1 || motorID > MotorCount {
		return 0, errors.Errorf("motor id must be 1 or 2, got %d", motorID)
	}
	return Motor1Base + uint16(motorID-1)*motorBlockSize, nil
}

// MotorCommand is the master-written part of a motor's register block.
type MotorCommand struct {
	ControlMode    ControlMode
	Enable         bool
	CommandSpeed   uint8
	Direction      Direction
	LinearInput    uint8
	LinearUnit     uint8
	PositionTarget uint16
	Kp, Ki, Kd     uint16
	MaxSpeed       uint8
	MinSpeed       uint8
	MaxAccel       uint16
}

// Gains returns the PID gains in natural units.
func (c MotorCommand) Gains() PIDGains {
	return GainsFromRegisters(c.Kp, c.Ki, c.Kd)
}

// MotorStatus is the firmware-computed part of a motor's register block.
type MotorStatus struct {
	ActualSpeed     uint8
	Direction       Direction
	Duty            uint8
	LinearState     uint8
	PositionCurrent uint16
	StatusWord      uint16
	ErrorCode       uint16
}

// MotorState is a full view of one motor.
type MotorState struct {
	MotorCommand
	Status MotorStatus
}

// EncoderConfig is the master-written part of the encoder block.
type EncoderConfig struct {
	Geometry         SpoolGeometry
	ResetRequested   bool
	CalibrationMaxCm uint16
	SetLengthCm      uint16
	SetLengthTrigger bool
}

// SystemCommand is the master-written part of the system block.
type SystemCommand struct {
	ResetErrors bool
}

// SystemStatus is the firmware-computed part of the system block.
type SystemStatus struct {
	StatusWord uint16
	ErrorCode  uint16
}

// RegisterWrite is a firmware-originated write to a master-owned register.
type RegisterWrite struct {
	Address uint16
	Value   uint16
}

// RegisterBridge moves state between the register bank and the control tasks.
// Loads are issued at the start of a task cycle and saves at the end; a cycle
// never observes a partially written register block.
type RegisterBridge interface {
	LoadMotorConfig(motorID int) (MotorCommand, error)
	SaveMotorState(motorID int, status MotorStatus) error
	LoadEncoderConfig() EncoderConfig
	SaveEncoderState(state EncoderState)
	SaveCalibrationState(state CalibrationState)
	LoadSystemConfig() SystemCommand
	SaveSystemState(status SystemStatus)
	Writeback(writes ...RegisterWrite) error
}

// RegisterBank is the holding register table shared by the master interface
// and the control tasks.
type RegisterBank struct {
	mu    sync.RWMutex
	regs  [RegisterCount]uint16
	owned [RegisterCount]bool
}

// NewRegisterBank returns a bank initialized with cfg's defaults.
func NewRegisterBank(cfg *SpoolConfig) *RegisterBank {
	b := &RegisterBank{}
	for id := 1; id <= MotorCount; id++ {
		base, _ := MotorBase(id)
		for _, off := range []uint16{
			RegLinearState, RegActualSpeed, RegStatusWord, RegErrorCode,
			RegAppliedDirection, RegPositionCurrent, RegDuty,
		} {
			b.owned[base+off] = true
		}
		b.regs[base+RegControlMode] = uint16(ControlModeOnOff)
		b.regs[base+RegLinearUnit] = uint16(cfg.LinearUnit)
		b.regs[base+RegPIDKp] = uint16(cfg.PIDKp)
		b.regs[base+RegPIDKi] = uint16(cfg.PIDKi)
		b.regs[base+RegPIDKd] = uint16(cfg.PIDKd)
		b.regs[base+RegMaxSpeed] = uint16(cfg.MaxSpeed)
		b.regs[base+RegMinSpeed] = uint16(cfg.MinSpeed)
		b.regs[base+RegMaxAccel] = uint16(cfg.MaxAccel)
	}
	for _, off := range []uint16{
		RegEncoderCount, RegCalibrationStatus, RegCurrentLength, RegOriginStatus,
		RegNoiseRejects, RegOverflows, RegCurrentRadius, RegCalibrationPhase,
	} {
		b.owned[EncoderBase+off] = true
	}
	for _, off := range []uint16{RegDeviceID, RegFirmwareVersion, RegSystemStatus, RegSystemError} {
		b.owned[SystemBase+off] = true
	}

	g := cfg.Geometry()
	b.regs[EncoderBase+RegCountsPerRev] = uint16(g.CountsPerRevolution)
	b.regs[EncoderBase+RegRadiusFull] = tenthsToRegister(g.RadiusFullMm)
	b.regs[EncoderBase+RegRadiusEmpty] = tenthsToRegister(g.RadiusEmptyMm)
	b.regs[EncoderBase+RegTotalWireLength] = uint16(g.TotalWireLengthMm / 10)
	b.regs[EncoderBase+RegCalibrationMax] = uint16(cfg.CalibrationMaxCm)
	b.regs[EncoderBase+RegCurrentRadius] = tenthsToRegister(g.RadiusFullMm)
	b.regs[SystemBase+RegDeviceID] = defaultDeviceID
	b.regs[SystemBase+RegFirmwareVersion] = defaultFirmwareVersion
	return b
}

// ReadHolding returns count registers starting at addr.
func (b *RegisterBank) ReadHolding(addr, count uint16) ([]uint16, error) {
	if count == 0 || int(addr)+int(count) > RegisterCount {
		return nil, errors.Errorf("register range 0x%04X+%d out of bounds", addr, count)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, count)
	copy(out, b.regs[addr:int(addr)+int(count)])
	return out, nil
}

// WriteHolding writes values starting at addr on behalf of the master.
// Firmware-computed registers are read-only to the master; the whole write is
// rejected if it touches one.
func (b *RegisterBank) WriteHolding(addr uint16, values ...uint16) error {
	if len(values) == 0 || int(addr)+len(values) > RegisterCount {
		return errors.Errorf("register range 0x%04X+%d out of bounds", addr, len(values))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range values {
		if b.owned[int(addr)+i] {
			return errors.Errorf("register 0x%04X is read-only", int(addr)+i)
		}
	}
	copy(b.regs[addr:], values)
	return nil
}

// LoadMotorConfig implements RegisterBridge.
func (b *RegisterBank) LoadMotorConfig(motorID int) (MotorCommand, error) {
	base, err := MotorBase(motorID)
	if err != nil {
		return MotorCommand{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.regs[base : base+motorBlockSize]
	return MotorCommand{
		ControlMode:    ControlMode(r[RegControlMode]),
		Enable:         r[RegEnable] != 0,
		CommandSpeed:   uint8(min(r[RegCommandSpeed], 100)),
		Direction:      Direction(r[RegDirection]),
		LinearInput:    uint8(min(r[RegLinearInput], 100)),
		LinearUnit:     uint8(min(r[RegLinearUnit], 100)),
		PositionTarget: r[RegPositionTarget],
		Kp:             r[RegPIDKp],
		Ki:             r[RegPIDKi],
		Kd:             r[RegPIDKd],
		MaxSpeed:       uint8(min(r[RegMaxSpeed], 100)),
		MinSpeed:       uint8(min(r[RegMinSpeed], 100)),
		MaxAccel:       r[RegMaxAccel],
	}, nil
}

// SaveMotorState implements RegisterBridge.
func (b *RegisterBank) SaveMotorState(motorID int, s MotorStatus) error {
	base, err := MotorBase(motorID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[base+RegActualSpeed] = uint16(s.ActualSpeed)
	b.regs[base+RegAppliedDirection] = uint16(s.Direction)
	b.regs[base+RegDuty] = uint16(s.Duty)
	b.regs[base+RegLinearState] = uint16(s.LinearState)
	b.regs[base+RegPositionCurrent] = s.PositionCurrent
	b.regs[base+RegStatusWord] = s.StatusWord
	b.regs[base+RegErrorCode] = s.ErrorCode
	return nil
}

// LoadEncoderConfig implements RegisterBridge.
func (b *RegisterBank) LoadEncoderConfig() EncoderConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.regs[EncoderBase : EncoderBase+0x10]
	return EncoderConfig{
		Geometry: SpoolGeometry{
			RadiusFullMm:        float64(r[RegRadiusFull]) / 10,
			RadiusEmptyMm:       float64(r[RegRadiusEmpty]) / 10,
			TotalWireLengthMm:   float64(r[RegTotalWireLength]) * 10,
			CountsPerRevolution: uint32(r[RegCountsPerRev]),
		},
		ResetRequested:   r[RegEncoderReset] != 0,
		CalibrationMaxCm: r[RegCalibrationMax],
		SetLengthCm:      r[RegSetLength],
		SetLengthTrigger: r[RegSetLengthTrigger] != 0,
	}
}

// SaveEncoderState implements RegisterBridge.
func (b *RegisterBank) SaveEncoderState(s EncoderState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[EncoderBase+RegEncoderCount] = uint16(s.LastStableCount)
	b.regs[EncoderBase+RegCurrentLength] = s.LengthCm()
	b.regs[EncoderBase+RegOriginStatus] = boolToRegister(s.OriginStatus)
	b.regs[EncoderBase+RegNoiseRejects] = uint16(min(s.NoiseRejectCount, 0xFFFF))
	b.regs[EncoderBase+RegOverflows] = uint16(min(s.OverflowCount, 0xFFFF))
	b.regs[EncoderBase+RegCurrentRadius] = tenthsToRegister(s.CurrentRadiusMm)
}

// SaveCalibrationState implements RegisterBridge.
func (b *RegisterBank) SaveCalibrationState(s CalibrationState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[EncoderBase+RegCalibrationStatus] = uint16(s.Status)
	b.regs[EncoderBase+RegCalibrationPhase] = uint16(s.Phase)
}

// LoadSystemConfig implements RegisterBridge.
func (b *RegisterBank) LoadSystemConfig() SystemCommand {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return SystemCommand{ResetErrors: b.regs[SystemBase+RegResetErrors] != 0}
}

// SaveSystemState implements RegisterBridge.
func (b *RegisterBank) SaveSystemState(s SystemStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[SystemBase+RegSystemStatus] = s.StatusWord
	b.regs[SystemBase+RegSystemError] = s.ErrorCode
}

// Writeback applies firmware-originated changes to master-owned registers.
func (b *RegisterBank) Writeback(writes ...RegisterWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range writes {
		if int(w.Address) >= RegisterCount {
			return errors.Errorf("writeback address 0x%04X out of bounds", w.Address)
		}
		if b.owned[w.Address] {
			return errors.Errorf("writeback to firmware register 0x%04X", w.Address)
		}
	}
	for _, w := range writes {
		b.regs[w.Address] = w.Value
	}
	return nil
}

// Named returns a snapshot of the bank keyed by register name.
func (b *RegisterBank) Named() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := map[string]interface{}{}
	motorNames := map[uint16]string{
		RegControlMode: "control_mode", RegEnable: "enable", RegCommandSpeed: "command_speed",
		RegLinearInput: "linear_input", RegLinearUnit: "linear_unit", RegLinearState: "linear_state",
		RegActualSpeed: "actual_speed", RegDirection: "direction", RegPIDKp: "kp", RegPIDKi: "ki",
		RegPIDKd: "kd", RegStatusWord: "status_word", RegErrorCode: "error_code",
		RegAppliedDirection: "applied_direction", RegPositionTarget: "position_target",
		RegPositionCurrent: "position_current", RegMaxSpeed: "max_speed", RegMinSpeed: "min_speed",
		RegMaxAccel: "max_accel", RegDuty: "duty",
	}
	for id := 1; id <= MotorCount; id++ {
		base, _ := MotorBase(id)
		for off, name := range motorNames {
			out[motorKey(id, name)] = int(b.regs[base+off])
		}
	}
	encoderNames := map[uint16]string{
		RegEncoderCount: "encoder_count", RegCountsPerRev: "counts_per_rev",
		RegRadiusFull: "radius_full_0_1mm", RegRadiusEmpty: "radius_empty_0_1mm",
		RegTotalWireLength: "total_wire_length_cm", RegEncoderReset: "encoder_reset",
		RegCalibrationMax: "calibration_max_cm", RegCalibrationStatus: "calibration_status",
		RegCurrentLength: "current_length_cm", RegOriginStatus: "origin_status",
		RegNoiseRejects: "noise_rejects", RegOverflows: "overflows",
		RegCurrentRadius: "current_radius_0_1mm", RegCalibrationPhase: "calibration_phase",
		RegSetLength: "set_length_cm", RegSetLengthTrigger: "set_length_trigger",
	}
	for off, name := range encoderNames {
		out[name] = int(b.regs[EncoderBase+off])
	}
	out["device_id"] = int(b.regs[SystemBase+RegDeviceID])
	out["firmware_version"] = int(b.regs[SystemBase+RegFirmwareVersion])
	out["system_status"] = int(b.regs[SystemBase+RegSystemStatus])
	out["system_error"] = int(b.regs[SystemBase+RegSystemError])
	return out
}

// tenthsToRegister encodes a millimeter value in 0.1 mm units.
func tenthsToRegister(mm float64) uint16 {
	return uint16(math.Round(clampFloat(mm*10, 0, math.MaxUint16)))
}

func motorKey(id int, name string) string {
	return fmt.Sprintf("motor%d_%s", id, name)
}
