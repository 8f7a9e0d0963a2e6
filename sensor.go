package wirespool

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SpoolSensorModel = resource.NewModel("devrel", "wirespool", "spool")

func init() {
	resource.RegisterComponent(
		sensor.API,
		SpoolSensorModel,
		resource.Registration[sensor.Sensor, *SpoolConfig]{
			Constructor: NewSpoolSensor,
		},
	)
}

// spoolSensor exposes the register map, the length estimate and the homing
// state of a spool controller. Its DoCommand drives the calibration workflow.
type spoolSensor struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *SpoolConfig
	ctrl   *SpoolController
	client *RegisterClient
}

// NewSpoolSensor creates the spool status sensor.
func NewSpoolSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SpoolConfig](rawConf)
	if err != nil {
		return nil, err
	}
	conf.applyDefaults()

	b, err := board.FromDependencies(deps, conf.Board)
	if err != nil {
		return nil, errors.Wrapf(err, "board %q", conf.Board)
	}
	ctrl, err := sharedRegistry.GetController(ctx, conf.Board, conf, boardOpener(b, conf, logger), logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared spool controller")
	}

	logger.Infof("wirespool sensor initialized, calibration file %s", conf.CalibrationPath())
	return &spoolSensor{
		Named:  rawConf.ResourceName().AsNamed(),
		logger: logger,
		cfg:    conf,
		ctrl:   ctrl,
		client: NewRegisterClient(ctrl.Registers()),
	}, nil
}

// Readings returns every named register plus the estimator diagnostics.
func (s *spoolSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	readings := s.ctrl.Registers().Named()

	enc := s.ctrl.EncoderSnapshot()
	readings["length_mm"] = enc.FilteredLengthMm
	readings["unrolled_length_mm"] = enc.UnrolledLengthMm
	readings["radius_mm"] = enc.CurrentRadiusMm
	readings["total_ticks"] = enc.TotalTicks
	readings["origin"] = enc.OriginStatus
	readings["raw_count"] = int(enc.RawCount)
	readings["rewinds"] = int(enc.RewindCount)

	status, phase, maxCm, err := s.client.Calibration()
	if err != nil {
		return nil, err
	}
	readings["calibration_state"] = status.String()
	readings["calibration_phase_name"] = phase.String()
	readings["calibration_max_cm"] = int(maxCm)

	// Commands that make sense in the current calibration state
	var available []interface{}
	switch status {
	case CalibrationRunning:
		available = []interface{}{"stop", "calibration_status"}
	case CalibrationFailed:
		available = []interface{}{"reset_errors", "start_calibration"}
	default:
		available = []interface{}{"start_calibration", "move_to_length", "drive", "set_length", "reset_encoder"}
	}
	readings["available_commands"] = available

	return readings, nil
}

func (s *spoolSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return handleSpoolCommand(ctx, s.ctrl, s.cfg.SpoolMotor, cmd)
}

func (s *spoolSensor) Close(ctx context.Context) error {
	sharedRegistry.ReleaseController(ctx, s.cfg.Board)
	return nil
}
