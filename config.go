package wirespool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// Counter acquisition modes.
const (
	CounterModeInterrupt = "interrupt"
	CounterModeStream    = "stream"
)

// MotorPins names the board pins driving one H-bridge channel.
type MotorPins struct {
	PWM  string `json:"pwm"`
	DirA string `json:"dir_a"`
	DirB string `json:"dir_b"`
}

// SpoolConfig is shared by every resource bound to one spool controller.
type SpoolConfig struct {
	Board  string      `json:"board"`
	Motors []MotorPins `json:"motors"`

	OriginPin       string `json:"origin_pin"`
	OriginActiveLow bool   `json:"origin_active_low,omitempty"`

	CounterInterrupt string `json:"counter_interrupt"`
	CounterMode      string `json:"counter_mode,omitempty"`
	CounterBits      int    `json:"counter_bits,omitempty"`
	PWMFreqHz        uint   `json:"pwm_freq_hz,omitempty"`

	RadiusFullMm        float64 `json:"radius_full_mm,omitempty"`
	RadiusEmptyMm       float64 `json:"radius_empty_mm,omitempty"`
	TotalWireLengthCm   int     `json:"total_wire_length_cm,omitempty"`
	CountsPerRevolution int     `json:"counts_per_revolution,omitempty"`

	NoiseThresholdTicks int `json:"noise_threshold_ticks,omitempty"`
	MaxDeltaPerCycle    int `json:"max_delta_per_cycle,omitempty"`
	AutoResetThreshold  int `json:"auto_reset_threshold,omitempty"`

	EncoderPeriodMs int `json:"encoder_period_ms,omitempty"`
	MotorPeriodMs   int `json:"motor_period_ms,omitempty"`
	SpoolMotor      int `json:"spool_motor,omitempty"`

	PIDKp      int `json:"pid_kp,omitempty"`
	PIDKi      int `json:"pid_ki,omitempty"`
	PIDKd      int `json:"pid_kd,omitempty"`
	MaxSpeed   int `json:"max_speed,omitempty"`
	MinSpeed   int `json:"min_speed,omitempty"`
	MaxAccel   int `json:"max_accel,omitempty"`
	LinearUnit int `json:"linear_unit,omitempty"`
	MaxRPM     int `json:"max_rpm,omitempty"`

	CalibrationMaxCm   int    `json:"calibration_max_cm,omitempty"`
	CalibrationStallMs int    `json:"calibration_stall_ms,omitempty"`
	CalibrationFile    string `json:"calibration_file,omitempty"`

	// MotorIndex selects the channel a motor resource drives. Ignored by the
	// other models and when comparing bindings.
	MotorIndex int `json:"motor_index,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *SpoolConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Board == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if len(cfg.Motors) == 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "motors")
	}
	if len(cfg.Motors) > MotorCount {
		return nil, nil, errors.Errorf("at most %d motors are supported, got %d", MotorCount, len(cfg.Motors))
	}
	for i, m := range cfg.Motors {
		if m.PWM == "" || m.DirA == "" || m.DirB == "" {
			return nil, nil, errors.Errorf("motor %d must specify pwm, dir_a and dir_b pins", i+1)
		}
	}
	if cfg.OriginPin == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "origin_pin")
	}
	if cfg.CounterInterrupt == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "counter_interrupt")
	}

	cfg.applyDefaults()

	switch cfg.CounterMode {
	case CounterModeInterrupt, CounterModeStream:
	default:
		return nil, nil, errors.Errorf("counter_mode must be %q or %q, got %q",
			CounterModeInterrupt, CounterModeStream, cfg.CounterMode)
	}
	if cfg.CounterBits != 16 && cfg.CounterBits != 32 {
		return nil, nil, errors.Errorf("counter_bits must be 16 or 32, got %d", cfg.CounterBits)
	}
	if cfg.SpoolMotor < 1 || cfg.SpoolMotor > len(cfg.Motors) {
		return nil, nil, errors.Errorf("spool_motor must be between 1 and %d, got %d", len(cfg.Motors), cfg.SpoolMotor)
	}
	if cfg.MotorIndex < 1 || cfg.MotorIndex > len(cfg.Motors) {
		return nil, nil, errors.Errorf("motor_index must be between 1 and %d, got %d", len(cfg.Motors), cfg.MotorIndex)
	}
	if cfg.MinSpeed > cfg.MaxSpeed {
		return nil, nil, errors.Errorf("min_speed (%d) must not exceed max_speed (%d)", cfg.MinSpeed, cfg.MaxSpeed)
	}
	if err := cfg.Geometry().Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid spool geometry")
	}
	if cfg.CalibrationMaxCm > cfg.TotalWireLengthCm {
		return nil, nil, errors.Errorf("calibration_max_cm (%d) must not exceed total_wire_length_cm (%d)",
			cfg.CalibrationMaxCm, cfg.TotalWireLengthCm)
	}

	return []string{cfg.Board}, nil, nil
}

func (cfg *SpoolConfig) applyDefaults() {
	setDefault := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	if cfg.CounterMode == "" {
		cfg.CounterMode = CounterModeInterrupt
	}
	if cfg.RadiusFullMm == 0 {
		cfg.RadiusFullMm = DefaultSpoolGeometry.RadiusFullMm
	}
	if cfg.RadiusEmptyMm == 0 {
		cfg.RadiusEmptyMm = DefaultSpoolGeometry.RadiusEmptyMm
	}
	setDefault(&cfg.CounterBits, int(DefaultPulseFilterConfig.CounterBits))
	setDefault(&cfg.TotalWireLengthCm, int(DefaultSpoolGeometry.TotalWireLengthMm/10))
	setDefault(&cfg.CountsPerRevolution, int(DefaultSpoolGeometry.CountsPerRevolution))
	setDefault(&cfg.NoiseThresholdTicks, int(DefaultPulseFilterConfig.NoiseThresholdTicks))
	setDefault(&cfg.MaxDeltaPerCycle, int(DefaultPulseFilterConfig.MaxDeltaPerCycle))
	setDefault(&cfg.AutoResetThreshold, int(DefaultPulseFilterConfig.AutoResetThreshold))
	setDefault(&cfg.EncoderPeriodMs, 10)
	setDefault(&cfg.MotorPeriodMs, 30)
	setDefault(&cfg.SpoolMotor, 1)
	setDefault(&cfg.PIDKp, 100)
	setDefault(&cfg.PIDKi, 10)
	setDefault(&cfg.PIDKd, 5)
	setDefault(&cfg.MaxSpeed, 100)
	setDefault(&cfg.LinearUnit, 5)
	setDefault(&cfg.MaxRPM, 100)
	setDefault(&cfg.CalibrationMaxCm, cfg.TotalWireLengthCm)
	setDefault(&cfg.CalibrationStallMs, int(DefaultCalibrationTimings.Stall/time.Millisecond))
	if cfg.PWMFreqHz == 0 {
		cfg.PWMFreqHz = 1000
	}
	if cfg.CalibrationFile == "" {
		cfg.CalibrationFile = "wirespool_calibration.json"
	}
	setDefault(&cfg.MotorIndex, 1)
}

// Geometry returns the configured spool geometry.
func (cfg *SpoolConfig) Geometry() SpoolGeometry {
	return SpoolGeometry{
		RadiusFullMm:        cfg.RadiusFullMm,
		RadiusEmptyMm:       cfg.RadiusEmptyMm,
		TotalWireLengthMm:   float64(cfg.TotalWireLengthCm) * 10,
		CountsPerRevolution: uint32(cfg.CountsPerRevolution),
	}
}

// PulseFilter returns the configured pulse filter thresholds.
func (cfg *SpoolConfig) PulseFilter() PulseFilterConfig {
	return PulseFilterConfig{
		CounterBits:         uint(cfg.CounterBits),
		NoiseThresholdTicks: uint32(cfg.NoiseThresholdTicks),
		MaxDeltaPerCycle:    uint32(cfg.MaxDeltaPerCycle),
		AutoResetThreshold:  uint32(cfg.AutoResetThreshold),
	}
}

// CalibrationTimings returns the settle windows and the configured stall timeout.
func (cfg *SpoolConfig) CalibrationTimings() CalibrationTimings {
	t := DefaultCalibrationTimings
	t.Stall = time.Duration(cfg.CalibrationStallMs) * time.Millisecond
	return t
}

// EncoderPeriod is the encoder task period.
func (cfg *SpoolConfig) EncoderPeriod() time.Duration {
	return time.Duration(cfg.EncoderPeriodMs) * time.Millisecond
}

// MotorPeriod is the motor task period.
func (cfg *SpoolConfig) MotorPeriod() time.Duration {
	return time.Duration(cfg.MotorPeriodMs) * time.Millisecond
}

// CalibrationPath resolves the calibration file under VIAM_MODULE_DATA when relative.
func (cfg *SpoolConfig) CalibrationPath() string {
	if cfg.CalibrationFile == "" || filepath.IsAbs(cfg.CalibrationFile) {
		return cfg.CalibrationFile
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, cfg.CalibrationFile)
}

// SpoolCalibration is the persisted result of a calibration run.
type SpoolCalibration struct {
	CalibrationMaxCm    int       `json:"calibration_max_cm"`
	RadiusFullMm        float64   `json:"radius_full_mm"`
	RadiusEmptyMm       float64   `json:"radius_empty_mm"`
	TotalWireLengthCm   int       `json:"total_wire_length_cm"`
	CountsPerRevolution int       `json:"counts_per_revolution"`
	SavedAt             time.Time `json:"saved_at"`
}

// Validate checks that a calibration is usable against the current config.
func (c SpoolCalibration) Validate() error {
	if c.CalibrationMaxCm <= 0 {
		return errors.Errorf("calibration max length must be positive, got %d", c.CalibrationMaxCm)
	}
	if c.TotalWireLengthCm > 0 && c.CalibrationMaxCm > c.TotalWireLengthCm {
		return errors.Errorf("calibration max length %dcm exceeds total wire length %dcm",
			c.CalibrationMaxCm, c.TotalWireLengthCm)
	}
	return nil
}

// LoadCalibration loads the persisted calibration.
// Returns (calibration, fromFile) where fromFile indicates if loaded from file
func (cfg *SpoolConfig) LoadCalibration(logger logging.Logger) (SpoolCalibration, bool) {
	defaults := SpoolCalibration{
		CalibrationMaxCm:    cfg.CalibrationMaxCm,
		RadiusFullMm:        cfg.RadiusFullMm,
		RadiusEmptyMm:       cfg.RadiusEmptyMm,
		TotalWireLengthCm:   cfg.TotalWireLengthCm,
		CountsPerRevolution: cfg.CountsPerRevolution,
	}
	path := cfg.CalibrationPath()
	if path == "" {
		if logger != nil {
			logger.Debug("No calibration file specified, using configured calibration length")
		}
		return defaults, false
	}

	cal, err := LoadCalibrationFromFile(path)
	if err != nil {
		if logger != nil {
			logger.Debugf("No usable calibration at %s: %v", path, err)
		}
		return defaults, false
	}
	if cal.RadiusFullMm != cfg.RadiusFullMm || cal.RadiusEmptyMm != cfg.RadiusEmptyMm ||
		cal.TotalWireLengthCm != cfg.TotalWireLengthCm || cal.CountsPerRevolution != cfg.CountsPerRevolution {
		if logger != nil {
			logger.Warnf("Calibration in %s was taken with a different spool geometry, ignoring it", path)
		}
		return defaults, false
	}

	if logger != nil {
		logger.Infof("Loaded calibration from %s: max length %dcm", path, cal.CalibrationMaxCm)
	}
	return cal, true
}

// SaveCalibration writes a calibration for maxCm with the current geometry.
func (cfg *SpoolConfig) SaveCalibration(maxCm uint16, now time.Time) error {
	path := cfg.CalibrationPath()
	if path == "" {
		return nil
	}
	return SaveCalibrationToFile(path, SpoolCalibration{
		CalibrationMaxCm:    int(maxCm),
		RadiusFullMm:        cfg.RadiusFullMm,
		RadiusEmptyMm:       cfg.RadiusEmptyMm,
		TotalWireLengthCm:   cfg.TotalWireLengthCm,
		CountsPerRevolution: cfg.CountsPerRevolution,
		SavedAt:             now,
	})
}

// LoadCalibrationFromFile loads and validates a calibration JSON file.
func LoadCalibrationFromFile(filePath string) (SpoolCalibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return SpoolCalibration{}, fmt.Errorf("failed to read calibration file: %w", err)
	}

	var cal SpoolCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return SpoolCalibration{}, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return SpoolCalibration{}, fmt.Errorf("calibration validation failed: %w", err)
	}
	return cal, nil
}

// SaveCalibrationToFile saves calibration to a JSON file.
func SaveCalibrationToFile(filePath string, cal SpoolCalibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}

	return nil
}

// equal reports whether two configs describe the same hardware binding.
func (cfg *SpoolConfig) equal(other *SpoolConfig) bool {
	x, y := *cfg, *other
	x.MotorIndex, y.MotorIndex = 0, 0
	a, errA := json.Marshal(x)
	b, errB := json.Marshal(y)
	return errA == nil && errB == nil && string(a) == string(b)
}
