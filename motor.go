package wirespool

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
)

var MotorModel = resource.NewModel("devrel", "wirespool", "motor")

func init() {
	resource.RegisterComponent(motor.API, MotorModel,
		resource.Registration[motor.Motor, *SpoolConfig]{
			Constructor: newSpoolMotor,
		},
	)
}

// spoolMotor exposes one H-bridge channel of a spool controller as a motor.
// Only the spool motor reports position, since the encoder follows the spool.
type spoolMotor struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *SpoolConfig
	ctrl   *SpoolController
	client *RegisterClient
	id     int

	opMgr operation.SingleOperationManager
}

func newSpoolMotor(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (motor.Motor, error) {
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

	m := &spoolMotor{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		cfg:    cfg,
		ctrl:   ctrl,
		client: NewRegisterClient(ctrl.Registers()),
		id:     cfg.MotorIndex,
	}
	logger.Debugf("wirespool motor %d initialized on board %s (spool motor: %v)", m.id, cfg.Board, m.isSpool())
	return m, nil
}

func (m *spoolMotor) isSpool() bool {
	return m.id == m.cfg.SpoolMotor
}

// speedForRPM maps an rpm onto a duty percentage of the configured max rpm.
func (m *spoolMotor) speedForRPM(rpm float64) uint8 {
	pct := math.Abs(rpm) / float64(m.cfg.MaxRPM) * 100
	return uint8(math.Round(clampFloat(pct, 1, 100)))
}

func directionOf(v float64) Direction {
	if v < 0 {
		return DirectionReverse
	}
	return DirectionForward
}

func (m *spoolMotor) checkSpeed(ctx context.Context, rpm float64) error {
	warning, err := motor.CheckSpeed(rpm, float64(m.cfg.MaxRPM))
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	return err
}

// SetPower drives the channel open loop. Negative power winds the wire in.
func (m *spoolMotor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if math.Abs(powerPct) < 0.01 {
		return m.client.Stop(m.id)
	}
	speed := percentToRegister(math.Abs(powerPct) * 100)
	return m.client.Drive(m.id, ControlModeOnOff, directionOf(powerPct), speed)
}

// SetRPM runs the closed-loop speed controller indefinitely.
func (m *spoolMotor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	if err := m.checkSpeed(ctx, rpm); err != nil {
		return err
	}
	return m.client.Drive(m.id, ControlModePID, directionOf(rpm), m.speedForRPM(rpm))
}

// GoFor moves the given number of revolutions. On the spool motor this is a
// position move; on the auxiliary channel it is a timed open-loop run.
func (m *spoolMotor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if err := m.checkSpeed(ctx, rpm); err != nil {
		return err
	}
	if err := motor.CheckRevolutions(revolutions); err != nil {
		return err
	}

	dir := directionOf(rpm * revolutions)
	if !m.isSpool() {
		m.opMgr.CancelRunning(ctx)
		if err := m.client.Drive(m.id, ControlModeOnOff, dir, m.speedForRPM(rpm)); err != nil {
			return err
		}
		d := time.Duration(math.Abs(revolutions/rpm) * float64(time.Minute))
		finished := m.opMgr.NewTimedWaitOp(ctx, d)
		if !finished && ctx.Err() == nil {
			// superseded by another operation
			return nil
		}
		return m.client.Stop(m.id)
	}

	pos, err := m.Position(ctx, extra)
	if err != nil {
		return err
	}
	target := pos + math.Abs(revolutions)
	if dir == DirectionReverse {
		target = pos - math.Abs(revolutions)
	}
	return m.goToRevolutions(ctx, rpm, math.Max(target, 0))
}

// GoTo moves the spool to a position in revolutions from the origin.
func (m *spoolMotor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	if !m.isSpool() {
		return motor.NewGoToUnsupportedError(m.Name().ShortName())
	}
	if err := m.checkSpeed(ctx, rpm); err != nil {
		return err
	}
	return m.goToRevolutions(ctx, rpm, positionRevolutions)
}

func (m *spoolMotor) goToRevolutions(ctx context.Context, rpm, revolutions float64) error {
	targetCm := mmToCm(m.ctrl.Geometry().LengthForRevolutions(revolutions))
	return m.moveToLength(ctx, targetCm, m.speedForRPM(rpm))
}

// moveToLength starts a position move and blocks until the target is held.
func (m *spoolMotor) moveToLength(ctx context.Context, targetCm uint16, speed uint8) error {
	m.opMgr.CancelRunning(ctx)
	callerCtx := ctx
	ctx, done := m.opMgr.New(ctx)
	defer done()

	if err := m.client.MoveToLength(m.id, targetCm, speed); err != nil {
		return err
	}

	reached := func(ctx context.Context) (bool, error) {
		state, err := m.client.MotorState(m.id)
		if err != nil {
			return false, err
		}
		if state.Status.ErrorCode != ErrorNone {
			return false, errors.Errorf("motor %d faulted with error code %d", m.id, state.Status.ErrorCode)
		}
		if !state.Enable || state.ControlMode != ControlModePosition || state.PositionTarget != targetCm {
			return false, errors.Errorf("move to %dcm was superseded", targetCm)
		}
		return state.Status.StatusWord&StatusTargetReached != 0 &&
			abs(int(state.Status.PositionCurrent)-int(targetCm)) <= positionTolerance, nil
	}
	err := m.opMgr.WaitForSuccess(ctx, m.cfg.MotorPeriod(), reached)
	if err != nil && ctx.Err() != nil && callerCtx.Err() == nil {
		// another operation took over
		return nil
	}
	if err != nil && callerCtx.Err() != nil {
		return multierr.Combine(err, m.client.Stop(m.id))
	}
	return err
}

// ResetZeroPosition makes the current position read -offset revolutions. The
// spool has no positions below its origin, so offset must not be positive.
func (m *spoolMotor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	if !m.isSpool() {
		return motor.NewResetZeroPositionUnsupportedError(m.Name().ShortName())
	}
	if offset > 0 {
		return errors.Errorf("offset must not be positive, got %.3f", offset)
	}
	if err := m.Stop(ctx, extra); err != nil {
		return err
	}
	if offset == 0 {
		return m.client.ResetEncoder()
	}
	return m.client.SetLength(mmToCm(m.ctrl.Geometry().LengthForRevolutions(-offset)))
}

// Position reports revolutions from the origin, derived from the filtered length.
func (m *spoolMotor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	if !m.isSpool() {
		return 0, motor.NewPropertyUnsupportedError(motor.Properties{PositionReporting: true}, m.Name().ShortName())
	}
	enc := m.ctrl.EncoderSnapshot()
	return m.ctrl.Geometry().RevolutionsForLength(enc.FilteredLengthMm), nil
}

func (m *spoolMotor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{PositionReporting: m.isSpool()}, nil
}

// IsPowered reports the applied duty as a fraction, negative while winding in.
func (m *spoolMotor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	state, err := m.client.MotorState(m.id)
	if err != nil {
		return false, 0, err
	}
	pct := float64(state.Status.Duty) / 100
	if state.Status.Direction == DirectionReverse {
		pct = -pct
	}
	return state.Enable && state.Status.Duty > 0, pct, nil
}

func (m *spoolMotor) IsMoving(ctx context.Context) (bool, error) {
	state, err := m.client.MotorState(m.id)
	if err != nil {
		return false, err
	}
	return state.Status.StatusWord&StatusRunning != 0 && state.Status.Duty > 0, nil
}

func (m *spoolMotor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	return m.client.Stop(m.id)
}

func (m *spoolMotor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return handleSpoolCommand(ctx, m.ctrl, m.id, cmd)
}

func (m *spoolMotor) Close(ctx context.Context) error {
	err := m.Stop(ctx, nil)
	sharedRegistry.ReleaseController(ctx, m.cfg.Board)
	return err
}
