package main

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-daq/canbus"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"swerve/drive"
	"swerve/sparkmax"
	"swerve/teleop"
)

type nullSender struct {
	mu sync.Mutex
	n  int
}

func (s *nullSender) Send(frame canbus.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return len(frame.Data), nil
}

type fixedSource struct {
	mu  sync.Mutex
	cmd drive.Command
	err error
}

func (f *fixedSource) Read(ctx context.Context) (drive.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmd, f.err
}

func newTestBase(t *testing.T, cfg *Config, src drive.CommandSource) *swerveBase {
	t.Helper()
	logger := logging.NewTestLogger(t)
	// ticks are driven by hand
	cfg.PeriodMs = 3600 * 1000

	cal, err := cfg.calibration()
	test.That(t, err, test.ShouldBeNil)
	bus := sparkmax.NewBus(&nullSender{}, nil, logger)
	sb, err := newSwerveBase(resource.NewName(base.API, "swerve"), cfg, cal, bus, src, nil, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, sb.Close(context.Background()), test.ShouldBeNil)
	})
	return sb
}

func duties(sb *swerveBase) [4]float64 {
	var out [4]float64
	for c := drive.FrontLeft; c <= drive.RearRight; c++ {
		out[c] = sb.assembly.Module(c).Duty()
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	deps, err := cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldBeEmpty)

	cfg.InputController = "xbox"
	deps, err = cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"xbox"})

	cfg = &Config{Modules: []drive.ModuleCalibration{{DriveID: 1, SteerID: 2}}}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	def := drive.DefaultCalibration()
	cfg = &Config{Modules: []drive.ModuleCalibration{def.FrontLeft, def.FrontRight, def.RearLeft, def.RearRight}}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	cal, err := cfg.calibration()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cal, test.ShouldResemble, def)

	cfg.CalibrationFile = "/etc/swerve.toml"
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = &Config{Modules: []drive.ModuleCalibration{def.FrontLeft, def.FrontLeft, def.RearLeft, def.RearRight}}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	cfg = &Config{MQTTTopic: "robot"}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	nan := math.NaN()
	cfg = &Config{LockAngleRad: &nan}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)

	rotate := 1.0
	cfg = &Config{RotateAngleRad: &rotate}
	test.That(t, cfg.assemblyConfig().RotateAngle, test.ShouldEqual, 1.0)
	test.That(t, cfg.assemblyConfig().LockAngle, test.ShouldAlmostEqual, 7*math.Pi/4)
	test.That(t, cfg.channel(), test.ShouldEqual, "can0")
	test.That(t, cfg.mqttTopic(), test.ShouldEqual, "swerve")
}

func TestConfigBindings(t *testing.T) {
	cfg := &Config{InputController: "xbox"}
	test.That(t, cfg.bindings(), test.ShouldResemble, teleop.DefaultBindings())

	cfg.Bindings = &BindingsConfig{Forward: "AbsoluteRY", Lock: "ButtonNorth"}
	_, err := cfg.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	b := cfg.bindings()
	test.That(t, b.Forward, test.ShouldEqual, input.AbsoluteRY)
	test.That(t, b.Lock, test.ShouldEqual, input.ButtonNorth)
	test.That(t, b.X, test.ShouldEqual, input.AbsoluteX)
	test.That(t, b.Rotate, test.ShouldEqual, input.ButtonEast)

	cfg.Bindings = &BindingsConfig{Rotate: "ButtonB"}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bindings.rotate")

	// bindings without a gamepad have nothing to bind
	cfg = &Config{Bindings: &BindingsConfig{X: "AbsoluteRX"}}
	_, err = cfg.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTeleopTick(t *testing.T) {
	src := &fixedSource{cmd: drive.Command{Maneuver: drive.ManeuverTranslate, Speed: 0.5}}
	sb := newTestBase(t, &Config{InputController: "xbox"}, src)
	ctx := context.Background()
	test.That(t, sb.mode, test.ShouldEqual, modeTeleop)

	sb.tick(ctx)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0.5, -0.5, -0.5, 0.5})
	moving, err := sb.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeTrue)

	telem, err := sb.DoCommand(ctx, map[string]interface{}{"command": "get_telemetry"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, telem["mode"], test.ShouldEqual, "teleop")
	test.That(t, telem, test.ShouldContainKey, "SWRV Front Left ENC")
	test.That(t, telem, test.ShouldContainKey, "SWRV Rear Right ENC")

	// the base API does not fight the gamepad
	err = sb.SetPower(ctx, r3.Vector{Y: 1}, r3.Vector{}, nil)
	test.That(t, errors.Cause(err), test.ShouldEqual, errNotRemote)

	// a lost gamepad stops the drive
	src.mu.Lock()
	src.err = errors.Wrap(drive.ErrDeviceDisconnected, "unplugged")
	src.mu.Unlock()
	sb.tick(ctx)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
	moving, err = sb.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
}

func TestSetPower(t *testing.T) {
	sb := newTestBase(t, &Config{}, nil)
	ctx := context.Background()
	test.That(t, sb.mode, test.ShouldEqual, modeRemote)

	test.That(t, sb.SetPower(ctx, r3.Vector{Y: 1}, r3.Vector{}, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{1, -1, -1, 1})
	offsets := sb.assembly.AngleOffsets()
	test.That(t, sb.assembly.Module(drive.FrontRight).TargetAngle(), test.ShouldAlmostEqual, drive.NormalizeAngle(math.Pi+offsets[drive.FrontRight]))

	// power above 1 is clamped
	test.That(t, sb.SetPower(ctx, r3.Vector{X: 3, Y: 4}, r3.Vector{}, nil), test.ShouldBeNil)
	test.That(t, duties(sb)[drive.FrontLeft], test.ShouldEqual, 1.0)

	test.That(t, sb.SetPower(ctx, r3.Vector{}, r3.Vector{Z: -0.5}, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{-0.5, 0.5, 0.5, -0.5})
	test.That(t, sb.assembly.Module(drive.RearLeft).TargetAngle(), test.ShouldAlmostEqual, math.Pi/4)

	test.That(t, sb.SetVelocity(ctx, r3.Vector{Y: 500}, r3.Vector{}, nil), test.ShouldBeNil)
	test.That(t, duties(sb)[drive.FrontLeft], test.ShouldEqual, 0.5)

	test.That(t, sb.Stop(ctx, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
	moving, err := sb.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
}

func TestSetPowerZeroHoldsSteering(t *testing.T) {
	sb := newTestBase(t, &Config{}, nil)
	ctx := context.Background()

	test.That(t, sb.SetPower(ctx, r3.Vector{X: 0.3}, r3.Vector{}, nil), test.ShouldBeNil)
	offsets := sb.assembly.AngleOffsets()
	target := sb.assembly.Module(drive.FrontRight).TargetAngle()
	test.That(t, target, test.ShouldAlmostEqual, drive.NormalizeAngle(math.Pi/2+offsets[drive.FrontRight]))
	var before [4]float64
	for c := drive.FrontLeft; c <= drive.RearRight; c++ {
		before[c] = sb.assembly.Module(c).TargetAngle()
	}

	test.That(t, sb.SetPower(ctx, r3.Vector{}, r3.Vector{}, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
	for c := drive.FrontLeft; c <= drive.RearRight; c++ {
		test.That(t, sb.assembly.Module(c).TargetAngle(), test.ShouldEqual, before[c])
	}
	moving, err := sb.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)

	test.That(t, sb.SetVelocity(ctx, r3.Vector{}, r3.Vector{}, nil), test.ShouldBeNil)
	test.That(t, sb.assembly.Module(drive.FrontRight).TargetAngle(), test.ShouldEqual, before[drive.FrontRight])
}

func TestCloseStopsTicks(t *testing.T) {
	src := &fixedSource{cmd: drive.Command{Maneuver: drive.ManeuverTranslate, Speed: 0.5}}
	sb := newTestBase(t, &Config{InputController: "xbox"}, src)
	ctx := context.Background()

	sb.tick(ctx)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0.5, -0.5, -0.5, 0.5})

	test.That(t, sb.Close(ctx), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})

	// a tick that raced Close does not drive again
	sb.tick(ctx)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
}

func TestMoveStraightAndSpin(t *testing.T) {
	sb := newTestBase(t, &Config{}, nil)
	ctx := context.Background()

	test.That(t, sb.MoveStraight(ctx, 10, 1000, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})

	test.That(t, sb.Spin(ctx, 1, 180, nil), test.ShouldBeNil)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
	test.That(t, sb.assembly.Module(drive.FrontLeft).TargetAngle(), test.ShouldAlmostEqual, math.Pi/4)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := sb.MoveStraight(cancelled, 1000, 100, nil)
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
}

func TestDoCommand(t *testing.T) {
	dir := t.TempDir()
	calFile := filepath.Join(dir, "swerve.toml")
	test.That(t, drive.DefaultCalibration().WriteFile(calFile), test.ShouldBeNil)

	sb := newTestBase(t, &Config{CalibrationFile: calFile}, nil)
	ctx := context.Background()

	_, err := sb.DoCommand(ctx, map[string]interface{}{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = sb.DoCommand(ctx, map[string]interface{}{
		"command": "set_offsets",
		"offsets": []interface{}{0.1, 0.2, 0.3},
	})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = sb.DoCommand(ctx, map[string]interface{}{
		"command": "set_offsets",
		"offsets": []interface{}{0.1, 0.2, 0.3, 0.4},
		"save":    true,
	})
	test.That(t, err, test.ShouldBeNil)

	resp, err := sb.DoCommand(ctx, map[string]interface{}{"command": "get_offsets"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["offsets"], test.ShouldResemble, []interface{}{0.1, 0.2, 0.3, 0.4})

	saved, err := drive.LoadCalibration(calFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved.Offsets(), test.ShouldResemble, [4]float64{0.1, 0.2, 0.3, 0.4})

	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "set_coast", "coast": true})
	test.That(t, err, test.ShouldBeNil)
	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "set_coast"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "teleop"})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "fast"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "set_mode", "mode": "disabled"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sb.SetPower(ctx, r3.Vector{Y: 1}, r3.Vector{}, nil), test.ShouldNotBeNil)

	_, err = sb.DoCommand(ctx, map[string]interface{}{"command": "lock"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sb.mode, test.ShouldEqual, modeRemote)

	positions, err := sb.DoCommand(ctx, map[string]interface{}{"command": "get_positions"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, positions, test.ShouldHaveLength, 4)
	rearRight, ok := positions["Rear Right"].(map[string]interface{})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, rearRight["target"], test.ShouldAlmostEqual, 7*math.Pi/4)
	test.That(t, rearRight["duty"], test.ShouldEqual, 0.0)

	telem, err := sb.DoCommand(ctx, map[string]interface{}{"command": "get_telemetry"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, telem["faults"], test.ShouldBeEmpty)
}

func TestDisabledTick(t *testing.T) {
	sb := newTestBase(t, &Config{}, nil)
	ctx := context.Background()

	test.That(t, sb.SetPower(ctx, r3.Vector{Y: 0.5}, r3.Vector{}, nil), test.ShouldBeNil)
	sb.mu.Lock()
	sb.mode = modeDisabled
	sb.mu.Unlock()

	sb.tick(ctx)
	test.That(t, duties(sb), test.ShouldResemble, [4]float64{0, 0, 0, 0})
}

func TestProperties(t *testing.T) {
	sb := newTestBase(t, &Config{WidthMm: 500}, nil)
	props, err := sb.Properties(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.WidthMeters, test.ShouldEqual, 0.5)
	test.That(t, props.WheelCircumferenceMeters, test.ShouldEqual, kDefaultWheelCircumferenceMm/1000.0)
}
