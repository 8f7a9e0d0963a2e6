// discovery.go
package wirespool

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var SpoolDiscoveryModel = resource.NewModel("devrel", "wirespool", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		SpoolDiscoveryModel,
		resource.Registration[discovery.Service, *SpoolDiscoveryConfig]{
			Constructor: newSpoolDiscovery,
		})
}

// DefaultSpoolWiring is the reference harness: two H-bridge channels, the
// origin switch on pin 40 and the encoder on interrupt "enc".
var DefaultSpoolWiring = SpoolDiscoveryConfig{
	Motors: []MotorPins{
		{PWM: "32", DirA: "36", DirB: "38"},
		{PWM: "33", DirA: "35", DirB: "37"},
	},
	OriginPin:        "40",
	CounterInterrupt: "enc",
}

// SpoolDiscoveryConfig lists the boards to probe and the wiring to look for.
type SpoolDiscoveryConfig struct {
	Boards           []string    `json:"boards"`
	Motors           []MotorPins `json:"motors,omitempty"`
	OriginPin        string      `json:"origin_pin,omitempty"`
	CounterInterrupt string      `json:"counter_interrupt,omitempty"`
}

// Validate ensures the config is valid
func (cfg *SpoolDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if len(cfg.Boards) == 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "boards")
	}
	if len(cfg.Motors) > MotorCount {
		return nil, nil, errors.Errorf("at most %d motors are supported, got %d", MotorCount, len(cfg.Motors))
	}
	return cfg.Boards, nil, nil
}

func (cfg *SpoolDiscoveryConfig) wiring() SpoolDiscoveryConfig {
	w := *cfg
	if len(w.Motors) == 0 {
		w.Motors = DefaultSpoolWiring.Motors
	}
	if w.OriginPin == "" {
		w.OriginPin = DefaultSpoolWiring.OriginPin
	}
	if w.CounterInterrupt == "" {
		w.CounterInterrupt = DefaultSpoolWiring.CounterInterrupt
	}
	return w
}

type spoolDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	wiring SpoolDiscoveryConfig
	boards map[string]board.Board
}

func newSpoolDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*SpoolDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	boards := map[string]board.Board{}
	for _, name := range cfg.Boards {
		b, err := board.FromDependencies(deps, name)
		if err != nil {
			return nil, errors.Wrapf(err, "board %q", name)
		}
		boards[name] = b
	}

	return &spoolDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		wiring: cfg.wiring(),
		boards: boards,
	}, nil
}

// DiscoverResources proposes a spool binding for every board that exposes
// the expected pins and interrupt.
func (dis *spoolDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting wire spool discovery")

	var allConfigs []resource.Config
	for _, name := range slices.Sorted(maps.Keys(dis.boards)) {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		if err := dis.probeBoard(ctx, dis.boards[name]); err != nil {
			dis.logger.Debugf("No spool wiring on board %s: %v", name, err)
			continue
		}
		moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
		if moduleDataDir == "" {
			moduleDataDir = "/tmp"
		}
		calibrationFile := findCalibrationFile(moduleDataDir, name, dis.logger)
		allConfigs = append(allConfigs, dis.generateConfigs(name, calibrationFile)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No wire spools discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}
	return allConfigs, nil
}

// probeBoard looks up every pin the wiring names and reads the origin
// switch. It drives no outputs, so it is safe on a board that is in use.
func (dis *spoolDiscovery) probeBoard(ctx context.Context, b board.Board) error {
	for i, m := range dis.wiring.Motors {
		for _, pin := range []string{m.PWM, m.DirA, m.DirB} {
			if _, err := b.GPIOPinByName(pin); err != nil {
				return errors.Wrapf(err, "motor %d pin %q", i+1, pin)
			}
		}
	}
	origin, err := b.GPIOPinByName(dis.wiring.OriginPin)
	if err != nil {
		return errors.Wrapf(err, "origin pin %q", dis.wiring.OriginPin)
	}
	if _, err := origin.Get(ctx, nil); err != nil {
		return errors.Wrapf(err, "reading origin pin %q", dis.wiring.OriginPin)
	}
	if _, err := b.DigitalInterruptByName(dis.wiring.CounterInterrupt); err != nil {
		return errors.Wrapf(err, "counter interrupt %q", dis.wiring.CounterInterrupt)
	}
	return nil
}

func (dis *spoolDiscovery) attributes(boardName, calibrationFile string) map[string]interface{} {
	motors := make([]interface{}, len(dis.wiring.Motors))
	for i, m := range dis.wiring.Motors {
		motors[i] = map[string]interface{}{"pwm": m.PWM, "dir_a": m.DirA, "dir_b": m.DirB}
	}
	attrs := map[string]interface{}{
		"board":             boardName,
		"motors":            motors,
		"origin_pin":        dis.wiring.OriginPin,
		"counter_interrupt": dis.wiring.CounterInterrupt,
	}
	if calibrationFile != "" {
		attrs["calibration_file"] = calibrationFile
	}
	return attrs
}

// generateConfigs creates the sensor, encoder and one motor per channel.
func (dis *spoolDiscovery) generateConfigs(boardName, calibrationFile string) []resource.Config {
	suffix := resourceSuffix(boardName)
	configs := []resource.Config{
		{
			Name:       "spool-" + suffix,
			API:        sensor.API,
			Model:      SpoolSensorModel,
			Attributes: dis.attributes(boardName, calibrationFile),
		},
		{
			Name:       "spool-encoder-" + suffix,
			API:        encoder.API,
			Model:      EncoderModel,
			Attributes: dis.attributes(boardName, calibrationFile),
		},
	}
	for i := range dis.wiring.Motors {
		attrs := dis.attributes(boardName, calibrationFile)
		attrs["motor_index"] = i + 1
		configs = append(configs, resource.Config{
			Name:       "spool-motor" + strconv.Itoa(i+1) + "-" + suffix,
			API:        motor.API,
			Model:      MotorModel,
			Attributes: attrs,
		})
	}
	return configs
}

// resourceSuffix turns a board name into something safe to use in resource names
// "my board" -> "my-board"
func resourceSuffix(boardName string) string {
	s := strings.ToLower(strings.TrimSpace(boardName))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

// findCalibrationFile searches for calibration files in moduleDataDir
// Tries the board-specific file first, then falls back to default
// Returns just the filename (not full path) or empty string if not found
func findCalibrationFile(moduleDataDir, boardName string, logger logging.Logger) string {
	boardSpecific := resourceSuffix(boardName) + "_calibration.json"
	if _, err := os.Stat(filepath.Join(moduleDataDir, boardSpecific)); err == nil {
		logger.Debugf("Found board-specific calibration file: %s", boardSpecific)
		return boardSpecific
	}

	defaultFile := "wirespool_calibration.json"
	if _, err := os.Stat(filepath.Join(moduleDataDir, defaultFile)); err == nil {
		logger.Debugf("Found default calibration file: %s", defaultFile)
		return defaultFile
	}

	logger.Debug("No calibration file found")
	return ""
}
