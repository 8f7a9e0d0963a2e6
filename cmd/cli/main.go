package main

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"wirespool"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

// realMain runs a spool controller against the simulated spool and walks it
// through homing and two position moves using only register reads and writes.
func realMain() error {
	ctx := context.Background()
	logger := logging.NewLogger("wirespool-cli")

	cfg := &wirespool.SpoolConfig{
		Board:            "sim",
		Motors:           []wirespool.MotorPins{{PWM: "32", DirA: "36", DirB: "38"}},
		OriginPin:        "40",
		CounterInterrupt: "counter",
		CalibrationFile:  filepath.Join(os.TempDir(), "wirespool_cli_calibration.json"),
	}
	if _, _, err := cfg.Validate("cli"); err != nil {
		return err
	}

	sim := wirespool.NewSimulatedSpool(cfg.Geometry(), 400, uint(cfg.CounterBits))
	ctrl, err := wirespool.NewSpoolController(cfg, sim, clock.New(), logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(ctx); err != nil {
			logger.Warnf("closing controller: %v", err)
		}
	}()

	// Advance the spool model in real time
	workers := utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sim.Step(now.Sub(last))
				last = now
			}
		}
	})
	defer workers.Stop()

	rc := wirespool.NewRegisterClient(ctrl.Registers())

	logger.Info("Step 1: homing and measuring the spool...")
	if err := rc.StartCalibration(1, 80); err != nil {
		return err
	}
	err = waitFor(ctx, 60*time.Second, func() (bool, error) {
		status, phase, _, err := rc.Calibration()
		if err != nil {
			return false, err
		}
		if status == wirespool.CalibrationFailed {
			return false, errors.New("calibration failed")
		}
		return status == wirespool.CalibrationDone && phase == wirespool.PhaseIdle, nil
	})
	if err != nil {
		return err
	}
	_, _, maxCm, _ := rc.Calibration()
	logger.Infof("Calibrated: %dcm of wire (model says %.1fmm)", maxCm, sim.UnrolledLengthMm())

	for _, target := range []uint16{150, 20} {
		logger.Infof("Step 2: moving to %dcm...", target)
		if err := rc.MoveToLength(1, target, 60); err != nil {
			return err
		}
		err = waitFor(ctx, 30*time.Second, func() (bool, error) {
			state, err := rc.MotorState(1)
			if err != nil {
				return false, err
			}
			diff := int(state.Status.PositionCurrent) - int(target)
			return state.Status.StatusWord&wirespool.StatusTargetReached != 0 && diff >= -1 && diff <= 1, nil
		})
		if err != nil {
			return err
		}
		length, _ := rc.LengthCm()
		logger.Infof("Reached %dcm (model: %.1fmm)", length, sim.UnrolledLengthMm())
	}

	if err := rc.Stop(1); err != nil {
		return err
	}

	logger.Info("Final register snapshot:")
	regs := ctrl.Registers().Named()
	for _, name := range slices.Sorted(maps.Keys(regs)) {
		logger.Infof("  %-28s %v", name, regs[name])
	}
	return nil
}

func waitFor(ctx context.Context, timeout time.Duration, done func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, 50*time.Millisecond) {
			return errors.Wrap(ctx.Err(), "timed out")
		}
	}
}
