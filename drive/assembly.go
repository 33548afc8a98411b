package drive

import (
	"context"
	"math"

	"go.uber.org/multierr"

	"go.viam.com/rdk/logging"

	"swerve/telemetry"
)

// Corner identifies a module's place on the chassis.
type Corner int

const (
	FrontLeft Corner = iota
	FrontRight
	RearLeft
	RearRight
)

var cornerNames = [4]string{"Front Left", "Front Right", "Rear Left", "Rear Right"}

func (c Corner) String() string {
	if c < FrontLeft || c > RearRight {
		return "Unknown"
	}
	return cornerNames[c]
}

// The front right and rear left drive motors are mounted mirrored and take a
// negated duty cycle for the same direction of travel.
var mirrored = [4]bool{false, true, true, false}

// AssemblyConfig holds the fixed wheel angles of the discrete maneuvers.
type AssemblyConfig struct {
	RotateAngle float64
	LockAngle   float64
}

// DefaultAssemblyConfig returns the maneuver angles for a square chassis.
func DefaultAssemblyConfig() AssemblyConfig {
	return AssemblyConfig{
		RotateAngle: math.Pi / 4,
		LockAngle:   twoPi - math.Pi/4,
	}
}

// HeadingSource reports the chassis heading in the field frame, in radians.
type HeadingSource interface {
	Heading() float64
}

// Assembly drives four wheel modules as one chassis.
type Assembly struct {
	modules [4]*WheelModule
	offsets [4]float64
	cfg     AssemblyConfig
	heading HeadingSource
	logger  logging.Logger
}

// NewAssembly returns an assembly over modules ordered front left, front right,
// rear left, rear right. offsets are the steering zero points in the same order.
func NewAssembly(modules [4]*WheelModule, offsets [4]float64, cfg AssemblyConfig, logger logging.Logger) *Assembly {
	return &Assembly{
		modules: modules,
		offsets: offsets,
		cfg:     cfg,
		logger:  logger,
	}
}

// Module returns the module at corner c.
func (a *Assembly) Module(c Corner) *WheelModule {
	return a.modules[c]
}

// Faults returns the configuration errors of every faulted module.
func (a *Assembly) Faults() map[Corner]error {
	faults := map[Corner]error{}
	for i, m := range a.modules {
		if err := m.Faulted(); err != nil {
			faults[Corner(i)] = err
		}
	}
	return faults
}

// SetHeadingSource installs the heading used by the field oriented drive calls.
// A nil source makes them behave like DriveVectorOffset.
func (a *Assembly) SetHeadingSource(h HeadingSource) {
	a.heading = h
}

// FieldOriented reports whether field oriented correction is active.
func (a *Assembly) FieldOriented() bool {
	return a.heading != nil
}

// SetAngleOffsets overwrites the steering offsets. No range check is done.
func (a *Assembly) SetAngleOffsets(fl, fr, rl, rr float64) {
	a.offsets = [4]float64{fl, fr, rl, rr}
}

// AngleOffsets returns the steering offsets.
func (a *Assembly) AngleOffsets() [4]float64 {
	return a.offsets
}

// apply sends one (speed, angle) vector to every module, negating the speed of the
// mirrored modules. Every module is commanded even if an earlier one fails.
func (a *Assembly) apply(speed, angle float64, withOffsets bool) error {
	var err error
	for i, m := range a.modules {
		s := speed
		if mirrored[i] {
			s = -s
		}
		target := angle
		if withOffsets {
			target += a.offsets[i]
		}
		err = multierr.Append(err, m.SetState(s, target))
	}
	return err
}

// DriveVector points every wheel at angle with no offsets applied.
func (a *Assembly) DriveVector(speed, angle float64) error {
	return a.apply(speed, angle, false)
}

// DriveVectorOffset points every wheel at angle plus its steering offset.
func (a *Assembly) DriveVectorOffset(speed, angle float64) error {
	return a.apply(speed, angle, true)
}

// DriveVectorFieldOriented takes angle in the field frame when a heading source
// is installed, otherwise it is DriveVectorOffset.
func (a *Assembly) DriveVectorFieldOriented(speed, angle float64) error {
	if a.heading != nil {
		angle -= a.heading.Heading()
	}
	return a.DriveVectorOffset(speed, angle)
}

// Rotate spins the chassis in place.
func (a *Assembly) Rotate(speed float64) error {
	return a.DriveVector(speed, a.cfg.RotateAngle)
}

// Lock turns the wheels into an X stance with the drive stopped.
func (a *Assembly) Lock() error {
	var err error
	for _, m := range a.modules {
		err = multierr.Append(err, m.SetState(0, a.cfg.LockAngle))
	}
	return err
}

// Stop zeroes every drive duty cycle and leaves the steering where it is.
func (a *Assembly) Stop() error {
	var err error
	for _, m := range a.modules {
		err = multierr.Append(err, m.SetSpeed(0))
	}
	return err
}

// SetDriveCoast sets the idle behaviour of every drive motor.
func (a *Assembly) SetDriveCoast(coast bool) error {
	var err error
	for _, m := range a.modules {
		err = multierr.Append(err, m.SetDriveCoast(coast))
	}
	return err
}

// Dispatch applies cmd. Rotate takes priority over Lock, Lock over Translate.
func (a *Assembly) Dispatch(cmd Command) error {
	return a.dispatch(cmd, false)
}

func (a *Assembly) dispatch(cmd Command, fieldOriented bool) error {
	switch cmd.Maneuver {
	case ManeuverRotate:
		return a.Rotate(cmd.Speed)
	case ManeuverLock:
		return a.Lock()
	default:
		if fieldOriented {
			return a.DriveVectorFieldOriented(cmd.Speed, cmd.Angle)
		}
		return a.DriveVectorOffset(cmd.Speed, cmd.Angle)
	}
}

// DriveXbox reads this cycle's command from src and applies it. If src cannot be
// read the drive is stopped.
func (a *Assembly) DriveXbox(ctx context.Context, src CommandSource) error {
	return a.driveInput(ctx, src, false)
}

// DriveXboxFieldOriented is DriveXbox with translation through DriveVectorFieldOriented.
func (a *Assembly) DriveXboxFieldOriented(ctx context.Context, src CommandSource) error {
	return a.driveInput(ctx, src, true)
}

func (a *Assembly) driveInput(ctx context.Context, src CommandSource, fieldOriented bool) error {
	cmd, err := src.Read(ctx)
	if err != nil {
		a.logger.Debugw("input read failed, stopping", "error", err)
		return multierr.Combine(err, a.Stop())
	}
	return a.dispatch(cmd, fieldOriented)
}

// PublishDebug pushes the sensed steering angle of every module to sink.
func (a *Assembly) PublishDebug(sink telemetry.Sink) {
	for i, m := range a.modules {
		sink.PutNumber("SWRV "+Corner(i).String()+" ENC", m.Position())
	}
}
