package drive

import (
	"io"
	"math"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"

	"swerve/sparkmax"
)

// ModuleCalibration addresses one wheel module on the bus.
type ModuleCalibration struct {
	DriveID uint8   `toml:"drive_id" json:"drive_id"`
	SteerID uint8   `toml:"steer_id" json:"steer_id"`
	Offset  float64 `toml:"offset" json:"offset"`
}

// Calibration is the per-robot wiring and steering offsets.
type Calibration struct {
	FrontLeft  ModuleCalibration `toml:"front_left" json:"front_left"`
	FrontRight ModuleCalibration `toml:"front_right" json:"front_right"`
	RearLeft   ModuleCalibration `toml:"rear_left" json:"rear_left"`
	RearRight  ModuleCalibration `toml:"rear_right" json:"rear_right"`
}

// DefaultCalibration is the competition robot's wiring.
func DefaultCalibration() Calibration {
	return Calibration{
		FrontLeft:  ModuleCalibration{DriveID: 2, SteerID: 1, Offset: 1.57},
		FrontRight: ModuleCalibration{DriveID: 18, SteerID: 19, Offset: 0},
		RearLeft:   ModuleCalibration{DriveID: 8, SteerID: 7, Offset: 3.14},
		RearRight:  ModuleCalibration{DriveID: 10, SteerID: 11, Offset: 4.71},
	}
}

// Modules returns the entries ordered by Corner.
func (c Calibration) Modules() [4]ModuleCalibration {
	return [4]ModuleCalibration{c.FrontLeft, c.FrontRight, c.RearLeft, c.RearRight}
}

// Offsets returns the steering offsets ordered by Corner.
func (c Calibration) Offsets() [4]float64 {
	var offsets [4]float64
	for i, m := range c.Modules() {
		offsets[i] = m.Offset
	}
	return offsets
}

// SetOffsets replaces the steering offsets, ordered by Corner.
func (c *Calibration) SetOffsets(offsets [4]float64) {
	c.FrontLeft.Offset = offsets[FrontLeft]
	c.FrontRight.Offset = offsets[FrontRight]
	c.RearLeft.Offset = offsets[RearLeft]
	c.RearRight.Offset = offsets[RearRight]
}

// Validate checks device ids are addressable and used once.
func (c Calibration) Validate() error {
	seen := map[uint8]string{}
	for i, m := range c.Modules() {
		corner := Corner(i).String()
		for _, id := range []uint8{m.DriveID, m.SteerID} {
			if id > 63 {
				return errors.Errorf("%s: device id %d out of range [0, 63]", corner, id)
			}
			if other, ok := seen[id]; ok {
				return errors.Errorf("%s: device id %d already used by %s", corner, id, other)
			}
			seen[id] = corner
		}
		if math.IsNaN(m.Offset) || math.IsInf(m.Offset, 0) {
			return errors.Errorf("%s: offset %v is not finite", corner, m.Offset)
		}
	}
	return nil
}

// LoadCalibration reads a TOML calibration file. Unknown keys are an error.
func LoadCalibration(path string) (Calibration, error) {
	var c Calibration
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Calibration{}, errors.Wrapf(err, "decode calibration %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Calibration{}, errors.Errorf("calibration %s: unknown key %q", path, undecoded[0].String())
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, errors.Wrapf(err, "calibration %s", path)
	}
	return c, nil
}

// Write encodes c as TOML.
func (c Calibration) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// WriteFile writes c to path.
func (c Calibration) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write calibration %s", path)
	}
	return f.Close()
}

// Build creates the controllers named by cal on bus and returns the assembly.
// Modules whose configuration fails are kept, faulted.
func Build(
	bus *sparkmax.Bus,
	cal Calibration,
	mcfg ModuleConfig,
	acfg AssemblyConfig,
	logger logging.Logger,
) (*Assembly, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	var modules [4]*WheelModule
	for i, m := range cal.Modules() {
		drive, err := bus.Controller(m.DriveID)
		if err != nil {
			return nil, err
		}
		steer, err := bus.Controller(m.SteerID)
		if err != nil {
			return nil, err
		}
		modules[i] = NewWheelModule(Corner(i).String(), drive, steer, steer.AbsoluteEncoder(), mcfg, logger)
	}

	return NewAssembly(modules, cal.Offsets(), acfg, logger), nil
}
