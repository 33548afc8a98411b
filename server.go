// Package main is a viam module serving a four wheel swerve drive base.
package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	viamutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/input"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"swerve/drive"
	"swerve/sparkmax"
	"swerve/telemetry"
	"swerve/teleop"
)

var model = resource.NewModel("swerve", "base", "swerve")

// Version number
var version = "1.0.0"

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("swerveBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	registerBase()
	swerveModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	swerveModule.AddModelFromRegistry(ctx, base.API, model)

	err = swerveModule.Start(ctx)
	defer swerveModule.Close(ctx)

	if err != nil {
		return err
	}
	logger.Infow("swerve base module started", "version", version)
	<-ctx.Done()
	return nil
}

// helper function to add the base's constructor and metadata to the component registry, so that we can later construct it.
func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[base.Base, *Config]{Constructor: newBase})
}

type controlMode string

const (
	modeTeleop   controlMode = "teleop"
	modeRemote   controlMode = "remote"
	modeDisabled controlMode = "disabled"
)

var errNotRemote = errors.New("base is not in remote mode")

// newBase opens the CAN bus, configures the four wheel modules and starts the
// control loop and the status listener.
func newBase(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (base.Base, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	logger.Infow("creating swerve base", "config", cfg.String())

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	var src drive.CommandSource
	if cfg.InputController != "" {
		controller, err := input.FromDependencies(deps, cfg.InputController)
		if err != nil {
			return nil, err
		}
		src = teleop.NewMapper(controller, cfg.bindings())
	}

	cal, err := cfg.calibration()
	if err != nil {
		return nil, err
	}

	bus, err := sparkmax.Open(cfg.channel(), logger)
	if err != nil {
		return nil, err
	}

	var sinks []telemetry.Sink
	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		sink, client, err := telemetry.DialMQTT(cfg.MQTTBroker, conf.Name, cfg.mqttTopic(), logger)
		if err != nil {
			// telemetry is optional, drive without it
			logger.Warnw("MQTT telemetry disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
			mqttClient = client
		}
	}

	sb, err := newSwerveBase(conf.ResourceName(), cfg, cal, bus, src, geometries, sinks, logger, bus.Listen)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Disconnect(250)
		}
		return nil, multierr.Combine(err, bus.Close())
	}
	sb.mqttClient = mqttClient
	return sb, nil
}

// newSwerveBase builds the assembly on bus and starts the control loop plus any
// extra workers, which run until Close.
func newSwerveBase(
	name resource.Name,
	cfg *Config,
	cal drive.Calibration,
	bus *sparkmax.Bus,
	src drive.CommandSource,
	geometries []spatialmath.Geometry,
	sinks []telemetry.Sink,
	logger logging.Logger,
	workers ...func(context.Context),
) (*swerveBase, error) {
	assembly, err := drive.Build(bus, cal, drive.DefaultModuleConfig(), cfg.assemblyConfig(), logger)
	if err != nil {
		return nil, err
	}
	for corner, fault := range assembly.Faults() {
		logger.Errorw("wheel module unavailable", "module", corner.String(), "error", fault)
	}

	mode := modeRemote
	if src != nil {
		mode = modeTeleop
	}

	store := telemetry.NewStore()
	cancelCtx, cancel := context.WithCancel(context.Background())
	sb := &swerveBase{
		Named:                name.AsNamed(),
		widthMm:              orDefault(cfg.WidthMm, kDefaultWidthMm),
		wheelCircumferenceMm: orDefault(cfg.WheelCircumferenceMm, kDefaultWheelCircumferenceMm),
		maxSpeedMmPerSec:     orDefault(cfg.MaxSpeedMmPerSec, kDefaultMaxSpeedMmPerSec),
		maxDegsPerSec:        orDefault(cfg.MaxDegsPerSec, kDefaultMaxDegsPerSec),
		period:               cfg.period(),
		calibrationFile:      cfg.CalibrationFile,
		geometries:           geometries,
		logger:               logger,
		assembly:             assembly,
		calibration:          cal,
		input:                src,
		mode:                 mode,
		store:                store,
		sink:                 telemetry.Tee(append(sinks, store)...),
		closeBus:             bus.Close,
		cancel:               cancel,
	}

	workers = append(workers, sb.controlLoop)
	sb.activeBackgroundWorkers.Add(len(workers))
	for _, w := range workers {
		w := w
		viamutils.ManagedGo(func() {
			w(cancelCtx)
		}, sb.activeBackgroundWorkers.Done)
	}

	return sb, nil
}

type swerveBase struct {
	resource.Named
	resource.AlwaysRebuild

	widthMm              float64
	wheelCircumferenceMm float64
	maxSpeedMmPerSec     float64
	maxDegsPerSec        float64
	period               time.Duration
	calibrationFile      string
	geometries           []spatialmath.Geometry

	logger logging.Logger

	mu          sync.Mutex
	assembly    *drive.Assembly
	calibration drive.Calibration
	input       drive.CommandSource
	mode        controlMode
	lastTickErr string
	closed      bool

	store      *telemetry.Store
	sink       telemetry.Sink
	mqttClient mqtt.Client
	closeBus   func() error

	isMoving                atomic.Bool
	activeBackgroundWorkers sync.WaitGroup
	cancel                  func()
}

// controlLoop runs one control cycle every period until ctx is done.
func (sb *swerveBase) controlLoop(ctx context.Context) {
	for {
		if !viamutils.SelectContextOrWait(ctx, sb.period) {
			return
		}
		sb.tick(ctx)
	}
}

// tick drives from the gamepad in teleop mode, holds zero duty when disabled and
// always publishes the encoder positions.
func (sb *swerveBase) tick(ctx context.Context) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return
	}

	var err error
	switch sb.mode {
	case modeTeleop:
		if sb.assembly.FieldOriented() {
			err = sb.assembly.DriveXboxFieldOriented(ctx, sb.input)
		} else {
			err = sb.assembly.DriveXbox(ctx, sb.input)
		}
		sb.isMoving.Store(sb.anyDutyLocked())
	case modeDisabled:
		err = sb.assembly.Stop()
		sb.isMoving.Store(false)
	}
	sb.logTickError(err)

	sb.assembly.PublishDebug(sb.sink)
}

// logTickError logs a failing cycle once rather than on every tick.
func (sb *swerveBase) logTickError(err error) {
	if err == nil {
		if sb.lastTickErr != "" {
			sb.logger.Infow("control cycle recovered", "mode", sb.mode)
		}
		sb.lastTickErr = ""
		return
	}
	if msg := err.Error(); msg != sb.lastTickErr {
		sb.logger.Errorw("control cycle failed", "mode", sb.mode, "error", err)
		sb.lastTickErr = msg
	}
}

func (sb *swerveBase) anyDutyLocked() bool {
	for c := drive.FrontLeft; c <= drive.RearRight; c++ {
		if sb.assembly.Module(c).Duty() != 0 {
			return true
		}
	}
	return false
}

// withRemote runs fn holding the lock, if the base takes API commands.
func (sb *swerveBase) withRemote(fn func() error) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.mode != modeRemote {
		return errors.Wrapf(errNotRemote, "mode is %s", sb.mode)
	}
	return fn()
}

// drivePower translates at power in the direction of (x, y), or spins in place
// when turn is non-zero. Forward (y > 0) matches a gamepad stick pushed forward.
func (sb *swerveBase) drivePower(x, y, turn float64) error {
	return sb.withRemote(func() error {
		// zero power is a stop, the wheels keep their heading
		if x == 0 && y == 0 && turn == 0 {
			return sb.stopLocked()
		}
		var err error
		if turn != 0 {
			err = sb.assembly.Rotate(clamp(turn))
		} else {
			// 0 - y keeps a zero y positive, -y would make it -0 and atan2 would give pi
			cmd := teleop.Map(x, 0-y, clamp(math.Hypot(x, y)), 0, false, false)
			err = sb.assembly.Dispatch(cmd)
		}
		sb.isMoving.Store(sb.anyDutyLocked())
		return err
	})
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func (sb *swerveBase) stopLocked() error {
	sb.isMoving.Store(false)
	return sb.assembly.Stop()
}

// MoveStraight drives forward (or backward for a negative distance or speed) at
// mmPerSec until distanceMm is covered.
func (sb *swerveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return sb.Stop(ctx, extra)
	}
	power := math.Abs(mmPerSec) / sb.maxSpeedMmPerSec
	if (distanceMm < 0) != (mmPerSec < 0) {
		power = -power
	}
	if err := sb.drivePower(0, power, 0); err != nil {
		return err
	}
	defer func() {
		if err := sb.Stop(ctx, extra); err != nil {
			sb.logger.Errorw("stop after move straight failed", "error", err)
		}
	}()

	dur := time.Duration(math.Abs(float64(distanceMm)/mmPerSec) * float64(time.Second))
	if !viamutils.SelectContextOrWait(ctx, dur) {
		return ctx.Err()
	}
	return nil
}

// Spin turns the base in place by angleDeg at degsPerSec.
func (sb *swerveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return sb.Stop(ctx, extra)
	}
	power := math.Abs(degsPerSec) / sb.maxDegsPerSec
	if (angleDeg < 0) != (degsPerSec < 0) {
		power = -power
	}
	if err := sb.drivePower(0, 0, power); err != nil {
		return err
	}
	defer func() {
		if err := sb.Stop(ctx, extra); err != nil {
			sb.logger.Errorw("stop after spin failed", "error", err)
		}
	}()

	dur := time.Duration(math.Abs(angleDeg/degsPerSec) * float64(time.Second))
	if !viamutils.SelectContextOrWait(ctx, dur) {
		return ctx.Err()
	}
	return nil
}

// SetPower sets the linear and angular [-1, 1] drive power.
func (sb *swerveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	sb.logger.Debugw("SetPower",
		"linear.X", linear.X,
		"linear.Y", linear.Y,
		"angular.Z", angular.Z,
	)

	// Some vector components do not apply to a 2D base
	if linear.Z != 0 {
		sb.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 || angular.Y != 0 {
		sb.logger.Warnw("Angular X/Y command non-zero and has no effect")
	}
	if linear.X != 0 || linear.Y != 0 {
		if angular.Z != 0 {
			sb.logger.Warnw("swerve base cannot translate and spin at once, spinning")
		}
	}

	return sb.drivePower(linear.X, linear.Y, angular.Z)
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
func (sb *swerveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	return sb.SetPower(ctx,
		linear.Mul(1/sb.maxSpeedMmPerSec),
		angular.Mul(1/sb.maxDegsPerSec),
		extra)
}

// Stop zeroes the drive duty cycles in every mode. Steering is held.
func (sb *swerveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.stopLocked()
}

// DoCommand executes additional commands beyond the Base{} interface.
func (sb *swerveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "set_offsets":
		offsets, err := parseOffsets(cmd["offsets"])
		if err != nil {
			return nil, err
		}
		save, _ := cmd["save"].(bool)

		sb.mu.Lock()
		defer sb.mu.Unlock()
		sb.assembly.SetAngleOffsets(offsets[0], offsets[1], offsets[2], offsets[3])
		sb.calibration.SetOffsets(offsets)
		if save {
			if sb.calibrationFile == "" {
				return nil, errors.New("save requires calibration_file to be configured")
			}
			if err := sb.calibration.WriteFile(sb.calibrationFile); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"return": "set_offsets command processed"}, nil

	case "get_offsets":
		sb.mu.Lock()
		offsets := sb.assembly.AngleOffsets()
		sb.mu.Unlock()
		return map[string]interface{}{"offsets": floats(offsets)}, nil

	case "set_coast":
		coast, ok := cmd["coast"].(bool)
		if !ok {
			return nil, errors.New("coast must be set and a boolean value")
		}
		sb.mu.Lock()
		defer sb.mu.Unlock()
		if err := sb.assembly.SetDriveCoast(coast); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": fmt.Sprintf("set_coast command processed: %t", coast)}, nil

	case "set_mode":
		modeRaw, ok := cmd["mode"].(string)
		if !ok {
			return nil, errors.New("mode must be one of teleop|remote|disabled")
		}
		mode := controlMode(modeRaw)
		sb.mu.Lock()
		defer sb.mu.Unlock()
		switch mode {
		case modeTeleop:
			if sb.input == nil {
				return nil, errors.New("teleop mode requires input_controller to be configured")
			}
		case modeRemote, modeDisabled:
		default:
			return nil, errors.New("mode must be one of teleop|remote|disabled")
		}
		// every mode change starts from a stopped drive
		if err := sb.stopLocked(); err != nil {
			sb.logger.Warnw("stop on mode change failed", "error", err)
		}
		sb.logger.Infow("control mode changed", "from", sb.mode, "to", mode)
		sb.mode = mode
		return map[string]interface{}{"return": "set_mode command processed: " + modeRaw}, nil

	case "lock":
		sb.mu.Lock()
		defer sb.mu.Unlock()
		if sb.mode != modeRemote {
			sb.logger.Infow("lock switches to remote mode", "from", sb.mode)
			sb.mode = modeRemote
		}
		sb.isMoving.Store(false)
		if err := sb.assembly.Lock(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": "lock command processed"}, nil

	case "get_telemetry":
		out := sb.store.Snapshot()
		sb.mu.Lock()
		out["mode"] = string(sb.mode)
		faults := map[string]interface{}{}
		for corner, err := range sb.assembly.Faults() {
			faults[corner.String()] = err.Error()
		}
		sb.mu.Unlock()
		out["faults"] = faults
		return out, nil

	case "get_positions":
		sb.mu.Lock()
		defer sb.mu.Unlock()
		out := map[string]interface{}{}
		for c := drive.FrontLeft; c <= drive.RearRight; c++ {
			m := sb.assembly.Module(c)
			out[c.String()] = map[string]interface{}{
				"position": m.Position(),
				"target":   m.TargetAngle(),
				"duty":     m.Duty(),
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func parseOffsets(raw interface{}) ([4]float64, error) {
	var offsets [4]float64
	list, ok := raw.([]interface{})
	if !ok || len(list) != 4 {
		return offsets, errors.New("offsets must be a list of 4 numbers: front left, front right, rear left, rear right")
	}
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return offsets, errors.Errorf("offset %d must be a number but is type %T", i, v)
		}
		offsets[i] = f
	}
	return offsets, nil
}

func floats(values [4]float64) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (sb *swerveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return sb.geometries, nil
}

func (sb *swerveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              sb.widthMm / 1000.0,
		WheelCircumferenceMeters: sb.wheelCircumferenceMm / 1000.0,
	}, nil
}

func (sb *swerveBase) IsMoving(ctx context.Context) (bool, error) {
	return sb.isMoving.Load(), nil
}

// Close stops the wheels, stops the workers and releases the bus.
func (sb *swerveBase) Close(ctx context.Context) error {
	sb.mu.Lock()
	sb.closed = true
	err := sb.stopLocked()
	sb.mu.Unlock()
	sb.cancel()
	// closing the sockets unblocks the listener
	if sb.closeBus != nil {
		err = multierr.Combine(err, sb.closeBus())
	}
	sb.activeBackgroundWorkers.Wait()
	if sb.mqttClient != nil {
		sb.mqttClient.Disconnect(250)
	}
	return err
}
