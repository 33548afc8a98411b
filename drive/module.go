// Package drive converts chassis level swerve commands into per-wheel steer and
// drive setpoints.
package drive

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"

	"swerve/sparkmax"
)

const (
	twoPi = 2 * math.Pi

	// configuration is retried once before a module is marked faulted
	configAttempts = 2
)

// MotorController is the part of a smart motor controller a wheel module drives.
type MotorController interface {
	RestoreFactoryDefaults() error
	SetSmartCurrentLimit(amps uint32) error
	SetIdleMode(mode sparkmax.IdleMode) error
	SetPID(gains sparkmax.PIDGains) error
	SetOutputRange(lo, hi float64) error
	SetFeedbackDevice(sensor sparkmax.FeedbackSensor) error
	SetPositionWrapping(lo, hi float64) error
	BurnFlash() error
	SetReference(value float64, control sparkmax.ControlType) error
}

// Encoder is the absolute encoder on the steering axis.
type Encoder interface {
	Position() float64
	SetPositionConversionFactor(factor float64) error
	SetInverted(inverted bool) error
}

// ModuleConfig holds the per-module actuator configuration.
type ModuleConfig struct {
	DriveCurrentLimit    uint32
	SteerCurrentLimit    uint32
	DrivePID             sparkmax.PIDGains
	SteerPID             sparkmax.PIDGains
	SteerEncoderInverted bool
}

// DefaultModuleConfig returns the limits and gains used on NEO brushless swerve modules.
func DefaultModuleConfig() ModuleConfig {
	gains := sparkmax.PIDGains{P: 0.1, I: 1e-4, D: 1}
	return ModuleConfig{
		DriveCurrentLimit:    40,
		SteerCurrentLimit:    20,
		DrivePID:             gains,
		SteerPID:             gains,
		SteerEncoderInverted: true,
	}
}

// NormalizeAngle maps any finite angle into [0, 2pi).
func NormalizeAngle(angle float64) float64 {
	angle = math.Mod(angle, twoPi)
	if angle < 0 {
		angle += twoPi
	}
	// tiny negative inputs round up to exactly 2pi
	if angle >= twoPi {
		angle = 0
	}
	return angle
}

// WheelModule is one swerve wheel: a drive motor and a steering motor with an
// absolute encoder.
type WheelModule struct {
	name    string
	drive   MotorController
	steer   MotorController
	encoder Encoder
	logger  logging.Logger

	angle float64
	duty  float64
	fault error
}

// NewWheelModule configures both controllers and returns the module. If the
// configuration fails twice the module is returned faulted and rejects commands.
func NewWheelModule(
	name string,
	drive, steer MotorController,
	encoder Encoder,
	cfg ModuleConfig,
	logger logging.Logger,
) *WheelModule {
	w := &WheelModule{
		name:    name,
		drive:   drive,
		steer:   steer,
		encoder: encoder,
		logger:  logger,
	}

	for attempt := 1; attempt <= configAttempts; attempt++ {
		err := w.configure(cfg)
		if err == nil {
			w.fault = nil
			break
		}
		w.fault = err
		logger.Warnw("wheel module configuration failed", "module", name, "attempt", attempt, "error", err)
	}
	if w.fault != nil {
		logger.Errorw("wheel module faulted", "module", name, "error", w.fault)
	}

	return w
}

// configure runs the actuator setup. The order matters on some firmware:
// defaults, limits, idle modes, loops, then persisting to flash.
func (w *WheelModule) configure(cfg ModuleConfig) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"drive factory defaults", w.drive.RestoreFactoryDefaults},
		{"steer factory defaults", w.steer.RestoreFactoryDefaults},
		{"drive current limit", func() error { return w.drive.SetSmartCurrentLimit(cfg.DriveCurrentLimit) }},
		{"steer current limit", func() error { return w.steer.SetSmartCurrentLimit(cfg.SteerCurrentLimit) }},
		{"drive idle mode", func() error { return w.drive.SetIdleMode(sparkmax.IdleBrake) }},
		{"steer idle mode", func() error { return w.steer.SetIdleMode(sparkmax.IdleBrake) }},
		{"drive pid", func() error { return w.drive.SetPID(cfg.DrivePID) }},
		{"drive output range", func() error { return w.drive.SetOutputRange(-1, 1) }},
		{"steer feedback device", func() error { return w.steer.SetFeedbackDevice(sparkmax.FeedbackAbsolute) }},
		{"steer encoder conversion", func() error { return w.encoder.SetPositionConversionFactor(twoPi) }},
		{"steer encoder inversion", func() error { return w.encoder.SetInverted(cfg.SteerEncoderInverted) }},
		{"steer pid", func() error { return w.steer.SetPID(cfg.SteerPID) }},
		{"steer output range", func() error { return w.steer.SetOutputRange(-1, 1) }},
		{"steer position wrapping", func() error { return w.steer.SetPositionWrapping(0, twoPi) }},
		{"drive burn flash", w.drive.BurnFlash},
		{"steer burn flash", w.steer.BurnFlash},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return &ActuatorConfigError{Module: w.name, Step: step.name, Err: err}
		}
	}
	return nil
}

// Name returns the module's position name.
func (w *WheelModule) Name() string {
	return w.name
}

// Faulted returns the configuration error of a faulted module, nil otherwise.
func (w *WheelModule) Faulted() error {
	return w.fault
}

// Position returns the latest sensed steering angle in radians.
func (w *WheelModule) Position() float64 {
	return w.encoder.Position()
}

// TargetAngle returns the last steering setpoint sent, in [0, 2pi).
func (w *WheelModule) TargetAngle() float64 {
	return w.angle
}

// Duty returns the last drive duty cycle sent.
func (w *WheelModule) Duty() float64 {
	return w.duty
}

func (w *WheelModule) checkFault() error {
	if w.fault != nil {
		return errors.Wrap(ErrModuleFaulted, w.name)
	}
	return nil
}

// SetPosition steers the wheel to angle radians. The angle is normalized into
// [0, 2pi), matching the wrapping range of the steering loop.
func (w *WheelModule) SetPosition(angle float64) error {
	if err := w.checkFault(); err != nil {
		return err
	}
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return errors.Wrapf(ErrInvalidSetpoint, "%s: steer angle %v", w.name, angle)
	}

	angle = NormalizeAngle(angle)
	if err := w.steer.SetReference(angle, sparkmax.ControlPosition); err != nil {
		return errors.Wrapf(err, "%s: steer setpoint", w.name)
	}
	w.angle = angle
	return nil
}

// SetSpeed sets the open loop drive duty cycle, which must be within [-1, 1].
func (w *WheelModule) SetSpeed(duty float64) error {
	if err := w.checkFault(); err != nil {
		return err
	}
	if math.IsNaN(duty) || duty < -1 || duty > 1 {
		return errors.Wrapf(ErrInvalidSetpoint, "%s: duty %v", w.name, duty)
	}

	if err := w.drive.SetReference(duty, sparkmax.ControlDutyCycle); err != nil {
		return errors.Wrapf(err, "%s: drive setpoint", w.name)
	}
	w.duty = duty
	return nil
}

// SetState steers to angle then sets the drive duty cycle.
func (w *WheelModule) SetState(duty, angle float64) error {
	if err := w.SetPosition(angle); err != nil {
		return err
	}
	return w.SetSpeed(duty)
}

// SetDriveCoast lets the drive wheel freewheel (true) or brake (false) when idle.
func (w *WheelModule) SetDriveCoast(coast bool) error {
	if err := w.checkFault(); err != nil {
		return err
	}
	mode := sparkmax.IdleBrake
	if coast {
		mode = sparkmax.IdleCoast
	}
	if err := w.drive.SetIdleMode(mode); err != nil {
		return errors.Wrapf(err, "%s: drive idle mode", w.name)
	}
	return nil
}
