package wirespool

import (
	"context"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// commandRequest is the union of every DoCommand payload.
type commandRequest struct {
	Command   string   `mapstructure:"command"`
	Address   int      `mapstructure:"address"`
	Count     int      `mapstructure:"count"`
	Values    []int    `mapstructure:"values"`
	Motor     int      `mapstructure:"motor"`
	Speed     int      `mapstructure:"speed"`
	LengthCm  int      `mapstructure:"length_cm"`
	Direction string   `mapstructure:"direction"`
	Mode      string   `mapstructure:"mode"`
	Kp        *float64 `mapstructure:"kp"`
	Ki        *float64 `mapstructure:"ki"`
	Kd        *float64 `mapstructure:"kd"`
}

func decodeCommand(cmd map[string]interface{}) (commandRequest, error) {
	var req commandRequest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &req,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return req, err
	}
	if err := dec.Decode(cmd); err != nil {
		return req, errors.Wrap(err, "invalid command payload")
	}
	if req.Command == "" {
		return req, errors.New("command must be a string")
	}
	return req, nil
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "forward", "unwind":
		return DirectionForward, nil
	case "reverse", "wind":
		return DirectionReverse, nil
	case "idle", "":
		return DirectionIdle, nil
	default:
		return DirectionIdle, errors.Errorf("unknown direction %q", s)
	}
}

func parseDriveMode(s string) (ControlMode, error) {
	switch s {
	case "on_off", "":
		return ControlModeOnOff, nil
	case "pid":
		return ControlModePID, nil
	case "linear":
		return ControlModeLinear, nil
	default:
		return 0, errors.Errorf("unknown drive mode %q", s)
	}
}

func percentArg(v int, name string) (uint8, error) {
	if v < 0 || v > 100 {
		return 0, errors.Errorf("%s must be between 0 and 100, got %d", name, v)
	}
	return uint8(v), nil
}

// handleSpoolCommand serves the DoCommand surface shared by every model.
// defaultMotor is used when the payload names no motor.
func handleSpoolCommand(_ context.Context, ctrl *SpoolController, defaultMotor int, cmd map[string]interface{}) (map[string]interface{}, error) {
	req, err := decodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	motorID := req.Motor
	if motorID == 0 {
		motorID = defaultMotor
	}
	rc := NewRegisterClient(ctrl.Registers())

	switch req.Command {
	case "read_registers":
		count := max(req.Count, 1)
		if req.Address < 0 || req.Address > 0xFFFF || count > RegisterCount {
			return nil, errors.Errorf("invalid register range %d+%d", req.Address, count)
		}
		regs, err := ctrl.Registers().ReadHolding(uint16(req.Address), uint16(count))
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, len(regs))
		for i, v := range regs {
			values[i] = int(v)
		}
		return map[string]interface{}{"address": req.Address, "values": values}, nil

	case "write_registers":
		if req.Address < 0 || req.Address > 0xFFFF {
			return nil, errors.Errorf("invalid register address %d", req.Address)
		}
		values := make([]uint16, len(req.Values))
		for i, v := range req.Values {
			if v < 0 || v > 0xFFFF {
				return nil, errors.Errorf("register value %d out of range", v)
			}
			values[i] = uint16(v)
		}
		if err := ctrl.Registers().WriteHolding(uint16(req.Address), values...); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "written": len(values)}, nil

	case "drive":
		dir, err := parseDirection(req.Direction)
		if err != nil {
			return nil, err
		}
		mode, err := parseDriveMode(req.Mode)
		if err != nil {
			return nil, err
		}
		speed, err := percentArg(req.Speed, "speed")
		if err != nil {
			return nil, err
		}
		if mode == ControlModeLinear {
			err = rc.Ramp(motorID, dir, speed)
		} else {
			err = rc.Drive(motorID, mode, dir, speed)
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "mode": mode.String(), "direction": dir.String()}, nil

	case "move_to_length":
		if motorID != ctrl.Config().SpoolMotor {
			return nil, errors.Errorf("position moves run on the spool motor (%d), not motor %d", ctrl.Config().SpoolMotor, motorID)
		}
		speed, err := percentArg(req.Speed, "speed")
		if err != nil {
			return nil, err
		}
		if req.LengthCm < 0 || req.LengthCm > ctrl.Config().TotalWireLengthCm {
			return nil, errors.Errorf("length_cm must be between 0 and %d", ctrl.Config().TotalWireLengthCm)
		}
		if err := rc.MoveToLength(motorID, uint16(req.LengthCm), speed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "target_cm": req.LengthCm}, nil

	case "start_calibration":
		if motorID != ctrl.Config().SpoolMotor {
			return nil, errors.Errorf("calibration runs on the spool motor (%d), not motor %d", ctrl.Config().SpoolMotor, motorID)
		}
		speed, err := percentArg(req.Speed, "speed")
		if err != nil {
			return nil, err
		}
		if speed == 0 {
			speed = 30
		}
		if err := rc.StartCalibration(motorID, speed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "motor": motorID}, nil

	case "calibration_status":
		status, phase, maxCm, err := rc.Calibration()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":             status.String(),
			"phase":              phase.String(),
			"calibration_max_cm": int(maxCm),
		}, nil

	case "stop":
		if err := rc.Stop(motorID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "reset_encoder":
		if err := rc.ResetEncoder(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "set_length":
		if req.LengthCm < 0 || req.LengthCm > ctrl.Config().TotalWireLengthCm {
			return nil, errors.Errorf("length_cm must be between 0 and %d", ctrl.Config().TotalWireLengthCm)
		}
		if err := rc.SetLength(uint16(req.LengthCm)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "reset_errors":
		if err := rc.ResetErrors(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "set_gains":
		state, err := rc.MotorState(motorID)
		if err != nil {
			return nil, err
		}
		g := state.Gains()
		if req.Kp != nil {
			g.Kp = *req.Kp
		}
		if req.Ki != nil {
			g.Ki = *req.Ki
		}
		if req.Kd != nil {
			g.Kd = *req.Kd
		}
		if err := rc.SetGains(motorID, g); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "kp": g.Kp, "ki": g.Ki, "kd": g.Kd}, nil

	case "status":
		state, err := rc.MotorState(motorID)
		if err != nil {
			return nil, err
		}
		enc := ctrl.EncoderSnapshot()
		return map[string]interface{}{
			"motor":            motorID,
			"mode":             state.ControlMode.String(),
			"enabled":          state.Enable,
			"direction":        state.Status.Direction.String(),
			"duty":             int(state.Status.Duty),
			"actual_speed":     int(state.Status.ActualSpeed),
			"status_word":      int(state.Status.StatusWord),
			"error_code":       int(state.Status.ErrorCode),
			"length_mm":        enc.FilteredLengthMm,
			"radius_mm":        enc.CurrentRadiusMm,
			"total_ticks":      enc.TotalTicks,
			"origin":           enc.OriginStatus,
			"noise_rejects":    int(enc.NoiseRejectCount),
			"counter_overflow": int(enc.OverflowCount),
		}, nil

	default:
		return nil, errors.Errorf("unknown command: %s", req.Command)
	}
}
