package wirespool

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/encoder"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var EncoderModel = resource.NewModel("devrel", "wirespool", "encoder")

func init() {
	resource.RegisterComponent(encoder.API, EncoderModel,
		resource.Registration[encoder.Encoder, *SpoolConfig]{
			Constructor: newSpoolEncoder,
		},
	)
}

// spoolEncoder reports the signed tick total of the spool.
type spoolEncoder struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	board  string
	ctrl   *SpoolController
	client *RegisterClient
}

func newSpoolEncoder(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (encoder.Encoder, error) {
	cfg, err := resource.NativeConfig[*SpoolConfig](conf)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	b, err := board.FromDependencies(deps, cfg.Board)
	if err != nil {
		return nil, errors.Wrapf(err, "board %q", cfg.Board)
	}
	ctrl, err := sharedRegistry.GetController(ctx, cfg.Board, cfg, boardOpener(b, cfg, logger), logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared spool controller")
	}
	return &spoolEncoder{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		board:  cfg.Board,
		ctrl:   ctrl,
		client: NewRegisterClient(ctrl.Registers()),
	}, nil
}

func (e *spoolEncoder) Position(
	ctx context.Context,
	positionType encoder.PositionType,
	extra map[string]interface{},
) (float64, encoder.PositionType, error) {
	ticks := float64(e.ctrl.EncoderSnapshot().TotalTicks)
	if positionType == encoder.PositionTypeDegrees {
		cpr := float64(e.ctrl.Geometry().CountsPerRevolution)
		return ticks / cpr * 360, encoder.PositionTypeDegrees, nil
	}
	return ticks, encoder.PositionTypeTicks, nil
}

// ResetPosition zeroes the counter and the wire length at the next encoder cycle.
func (e *spoolEncoder) ResetPosition(ctx context.Context, extra map[string]interface{}) error {
	return e.client.ResetEncoder()
}

func (e *spoolEncoder) Properties(ctx context.Context, extra map[string]interface{}) (encoder.Properties, error) {
	return encoder.Properties{
		TicksCountSupported:   true,
		AngleDegreesSupported: true,
	}, nil
}

func (e *spoolEncoder) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return handleSpoolCommand(ctx, e.ctrl, e.ctrl.Config().SpoolMotor, cmd)
}

func (e *spoolEncoder) Close(ctx context.Context) error {
	sharedRegistry.ReleaseController(ctx, e.board)
	return nil
}
