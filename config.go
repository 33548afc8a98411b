package main

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/resource"

	"swerve/drive"
	"swerve/teleop"
)

// defaults for unset attributes
const (
	kDefaultChannel              = "can0"
	kDefaultPeriodMs             = 20
	kDefaultMaxSpeedMmPerSec     = 1000.0
	kDefaultMaxDegsPerSec        = 180.0
	kDefaultWidthMm              = 600.0
	kDefaultWheelCircumferenceMm = 319.0
	kDefaultMQTTTopic            = "swerve"
)

// Config is the base's attribute set.
type Config struct {
	CANChannel      string                    `json:"can_channel,omitempty"`
	Modules         []drive.ModuleCalibration `json:"modules,omitempty"`
	CalibrationFile string                    `json:"calibration_file,omitempty"`
	InputController string                    `json:"input_controller,omitempty"`
	Bindings        *BindingsConfig           `json:"bindings,omitempty"`
	PeriodMs        int                       `json:"period_ms,omitempty"`

	RotateAngleRad *float64 `json:"rotate_angle_rad,omitempty"`
	LockAngleRad   *float64 `json:"lock_angle_rad,omitempty"`

	MaxSpeedMmPerSec     float64 `json:"max_speed_mm_per_sec,omitempty"`
	MaxDegsPerSec        float64 `json:"max_degs_per_sec,omitempty"`
	WidthMm              float64 `json:"width_mm,omitempty"`
	WheelCircumferenceMm float64 `json:"wheel_circumference_mm,omitempty"`

	MQTTBroker string `json:"mqtt_broker,omitempty"`
	MQTTTopic  string `json:"mqtt_topic,omitempty"`
}

// BindingsConfig overrides the gamepad controls. Unset fields keep the Xbox layout.
type BindingsConfig struct {
	X        string `json:"x,omitempty"`
	Y        string `json:"y,omitempty"`
	Forward  string `json:"forward,omitempty"`
	Backward string `json:"backward,omitempty"`
	Rotate   string `json:"rotate,omitempty"`
	Lock     string `json:"lock,omitempty"`
}

var validControls = map[input.Control]bool{
	input.AbsoluteX: true, input.AbsoluteY: true, input.AbsoluteZ: true,
	input.AbsoluteRX: true, input.AbsoluteRY: true, input.AbsoluteRZ: true,
	input.AbsoluteHat0X: true, input.AbsoluteHat0Y: true,
	input.ButtonSouth: true, input.ButtonEast: true, input.ButtonWest: true, input.ButtonNorth: true,
	input.ButtonLT: true, input.ButtonRT: true, input.ButtonLT2: true, input.ButtonRT2: true,
	input.ButtonLThumb: true, input.ButtonRThumb: true,
	input.ButtonSelect: true, input.ButtonStart: true, input.ButtonMenu: true,
}

func (b *BindingsConfig) fields() map[string]string {
	return map[string]string{
		"x": b.X, "y": b.Y, "forward": b.Forward,
		"backward": b.Backward, "rotate": b.Rotate, "lock": b.Lock,
	}
}

// Validate checks the attributes and returns the input controller as an implicit dependency.
func (cfg *Config) Validate(path string) ([]string, error) {
	if len(cfg.Modules) > 0 && cfg.CalibrationFile != "" {
		return nil, resource.NewConfigValidationError(path,
			errors.New("only one of modules and calibration_file may be set"))
	}
	if len(cfg.Modules) > 0 {
		if len(cfg.Modules) != 4 {
			return nil, resource.NewConfigValidationError(path,
				errors.Errorf("modules must list 4 entries (front left, front right, rear left, rear right), got %d", len(cfg.Modules)))
		}
		if err := cfg.inlineCalibration().Validate(); err != nil {
			return nil, resource.NewConfigValidationError(path, err)
		}
	}
	if cfg.PeriodMs < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("period_ms must be positive"))
	}
	for name, v := range map[string]float64{
		"max_speed_mm_per_sec":   cfg.MaxSpeedMmPerSec,
		"max_degs_per_sec":       cfg.MaxDegsPerSec,
		"width_mm":               cfg.WidthMm,
		"wheel_circumference_mm": cfg.WheelCircumferenceMm,
	} {
		if v < 0 {
			return nil, resource.NewConfigValidationError(path, errors.Errorf("%s must be positive", name))
		}
	}
	for name, v := range map[string]*float64{
		"rotate_angle_rad": cfg.RotateAngleRad,
		"lock_angle_rad":   cfg.LockAngleRad,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return nil, resource.NewConfigValidationError(path, errors.Errorf("%s must be finite", name))
		}
	}
	if cfg.Bindings != nil {
		if cfg.InputController == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(path, "input_controller")
		}
		for field, control := range cfg.Bindings.fields() {
			if control != "" && !validControls[input.Control(control)] {
				return nil, resource.NewConfigValidationError(path,
					errors.Errorf("bindings.%s: %q is not a valid input control", field, control))
			}
		}
	}
	if cfg.MQTTTopic != "" && cfg.MQTTBroker == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "mqtt_broker")
	}

	var deps []string
	if cfg.InputController != "" {
		deps = append(deps, cfg.InputController)
	}
	return deps, nil
}

func (cfg *Config) inlineCalibration() drive.Calibration {
	return drive.Calibration{
		FrontLeft:  cfg.Modules[drive.FrontLeft],
		FrontRight: cfg.Modules[drive.FrontRight],
		RearLeft:   cfg.Modules[drive.RearLeft],
		RearRight:  cfg.Modules[drive.RearRight],
	}
}

// calibration resolves the module wiring: inline, from file, or the default robot.
func (cfg *Config) calibration() (drive.Calibration, error) {
	switch {
	case len(cfg.Modules) == 4:
		return cfg.inlineCalibration(), nil
	case cfg.CalibrationFile != "":
		return drive.LoadCalibration(cfg.CalibrationFile)
	default:
		return drive.DefaultCalibration(), nil
	}
}

func (cfg *Config) assemblyConfig() drive.AssemblyConfig {
	acfg := drive.DefaultAssemblyConfig()
	if cfg.RotateAngleRad != nil {
		acfg.RotateAngle = *cfg.RotateAngleRad
	}
	if cfg.LockAngleRad != nil {
		acfg.LockAngle = *cfg.LockAngleRad
	}
	return acfg
}

func (cfg *Config) bindings() teleop.Bindings {
	b := teleop.DefaultBindings()
	if cfg.Bindings == nil {
		return b
	}
	override := func(dst *input.Control, v string) {
		if v != "" {
			*dst = input.Control(v)
		}
	}
	override(&b.X, cfg.Bindings.X)
	override(&b.Y, cfg.Bindings.Y)
	override(&b.Forward, cfg.Bindings.Forward)
	override(&b.Backward, cfg.Bindings.Backward)
	override(&b.Rotate, cfg.Bindings.Rotate)
	override(&b.Lock, cfg.Bindings.Lock)
	return b
}

func (cfg *Config) channel() string {
	if cfg.CANChannel == "" {
		return kDefaultChannel
	}
	return cfg.CANChannel
}

func (cfg *Config) period() time.Duration {
	if cfg.PeriodMs == 0 {
		return kDefaultPeriodMs * time.Millisecond
	}
	return time.Duration(cfg.PeriodMs) * time.Millisecond
}

func (cfg *Config) mqttTopic() string {
	if cfg.MQTTTopic == "" {
		return kDefaultMQTTTopic
	}
	return cfg.MQTTTopic
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func (cfg *Config) String() string {
	return fmt.Sprintf("channel=%s period=%s input=%q", cfg.channel(), cfg.period(), cfg.InputController)
}
