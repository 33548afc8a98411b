package sparkmax

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"
)

// Sender transmits a single CAN frame.
type Sender interface {
	Send(frame canbus.Frame) (int, error)
}

// IdleMode is the behaviour of the motor when no output is commanded.
type IdleMode uint32

const (
	IdleCoast IdleMode = iota
	IdleBrake
)

func (m IdleMode) String() string {
	if m == IdleBrake {
		return "brake"
	}
	return "coast"
}

// ControlType selects which closed loop a setpoint is handed to.
type ControlType int

const (
	ControlDutyCycle ControlType = iota
	ControlVelocity
	ControlPosition
)

func (c ControlType) api() uint32 {
	switch c {
	case ControlVelocity:
		return kAPISetpointVelocity
	case ControlPosition:
		return kAPISetpointPosition
	default:
		return kAPISetpointDutyCycle
	}
}

func (c ControlType) String() string {
	switch c {
	case ControlVelocity:
		return "velocity"
	case ControlPosition:
		return "position"
	default:
		return "duty_cycle"
	}
}

// FeedbackSensor selects the sensor feeding PID slot 0.
type FeedbackSensor uint32

const (
	FeedbackHallSensor FeedbackSensor = 1
	FeedbackAbsolute   FeedbackSensor = 6
)

// PIDGains are the gains of PID slot 0.
type PIDGains struct {
	P, I, D, FF float64
	IZone       float64
}

// Controller is one motor controller on the bus. All writes are fire and forget.
type Controller struct {
	id     uint8
	bus    Sender
	logger logging.Logger

	mu            sync.Mutex
	appliedOutput float64
	faults        uint16

	encoder *AbsoluteEncoder
}

// NewController returns a controller with the given CAN device id.
func NewController(id uint8, bus Sender, logger logging.Logger) (*Controller, error) {
	if uint32(id) > kDeviceIDMask {
		return nil, errors.Errorf("device id %d out of range [0, %d]", id, kDeviceIDMask)
	}
	c := &Controller{id: id, bus: bus, logger: logger}
	c.encoder = &AbsoluteEncoder{controller: c, conversion: 1}
	return c, nil
}

// ID returns the CAN device id.
func (c *Controller) ID() uint8 {
	return c.id
}

func (c *Controller) send(frame canbus.Frame) error {
	if _, err := c.bus.Send(frame); err != nil {
		return errors.Wrapf(err, "controller %d: send frame %#x", c.id, frame.ID)
	}
	return nil
}

func (c *Controller) setParameter(cmd parameterCommand) error {
	frame := cmd.toFrame()
	if err := c.send(frame); err != nil {
		return errors.Wrapf(err, "set parameter %d", cmd.param)
	}
	return nil
}

// RestoreFactoryDefaults resets every parameter to its factory value.
func (c *Controller) RestoreFactoryDefaults() error {
	c.logger.Debugw("restore factory defaults", "id", c.id)
	return c.send(systemFrame(kAPIFactoryDefaults, c.id, []byte{0x01}))
}

// SetSmartCurrentLimit limits the motor current, in amps, for both stall and free speed.
func (c *Controller) SetSmartCurrentLimit(amps uint32) error {
	if err := c.setParameter(uintParam(c.id, paramSmartCurrentStall, amps)); err != nil {
		return err
	}
	return c.setParameter(uintParam(c.id, paramSmartCurrentFree, amps))
}

// SetIdleMode selects brake or coast when no output is commanded.
func (c *Controller) SetIdleMode(mode IdleMode) error {
	return c.setParameter(uintParam(c.id, paramIdleMode, uint32(mode)))
}

// SetPID writes the gains of slot 0.
func (c *Controller) SetPID(gains PIDGains) error {
	for _, p := range []parameterCommand{
		floatParam(c.id, paramP0, gains.P),
		floatParam(c.id, paramI0, gains.I),
		floatParam(c.id, paramD0, gains.D),
		floatParam(c.id, paramF0, gains.FF),
		floatParam(c.id, paramIZone0, gains.IZone),
	} {
		if err := c.setParameter(p); err != nil {
			return err
		}
	}
	return nil
}

// SetOutputRange bounds the PID output of slot 0.
func (c *Controller) SetOutputRange(lo, hi float64) error {
	if lo > hi {
		return errors.Errorf("output range min %v above max %v", lo, hi)
	}
	if err := c.setParameter(floatParam(c.id, paramOutputMin0, lo)); err != nil {
		return err
	}
	return c.setParameter(floatParam(c.id, paramOutputMax0, hi))
}

// SetFeedbackDevice selects the sensor used by the position and velocity loops.
func (c *Controller) SetFeedbackDevice(sensor FeedbackSensor) error {
	return c.setParameter(uintParam(c.id, paramFeedbackSensorPID0, uint32(sensor)))
}

// SetPositionWrapping makes the position loop treat [min, max] as circular.
func (c *Controller) SetPositionWrapping(lo, hi float64) error {
	if lo >= hi {
		return errors.Errorf("wrapping range min %v not below max %v", lo, hi)
	}
	for _, p := range []parameterCommand{
		boolParam(c.id, paramPositionWrapEnable, true),
		floatParam(c.id, paramPositionWrapMin, lo),
		floatParam(c.id, paramPositionWrapMax, hi),
	} {
		if err := c.setParameter(p); err != nil {
			return err
		}
	}
	return nil
}

// BurnFlash persists the current parameters to non-volatile memory.
func (c *Controller) BurnFlash() error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, kBurnFlashMagic)
	c.logger.Debugw("burn flash", "id", c.id)
	return c.send(systemFrame(kAPIBurnFlash, c.id, data))
}

// SetReference hands a setpoint to the selected closed loop.
func (c *Controller) SetReference(value float64, control ControlType) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Errorf("controller %d: non-finite %s setpoint", c.id, control)
	}
	cmd := setpointCommand{device: c.id, control: control, value: value}
	return c.send(cmd.toFrame())
}

// AbsoluteEncoder returns the duty cycle absolute encoder wired to this controller.
func (c *Controller) AbsoluteEncoder() *AbsoluteEncoder {
	return c.encoder
}

// AppliedOutput returns the duty cycle last reported by the controller.
func (c *Controller) AppliedOutput() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appliedOutput
}

// Faults returns the fault bits last reported by the controller.
func (c *Controller) Faults() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults
}

// handleStatus updates the controller from a status frame addressed to it.
func (c *Controller) handleStatus(api uint32, data []byte) {
	switch api {
	case kAPIStatus0:
		c.mu.Lock()
		c.appliedOutput = signalAppliedOutput.extract(data)
		c.faults = uint16(signalFaults.extract(data))
		c.mu.Unlock()
	case kAPIStatus5:
		c.encoder.update(signalAbsPosition.extract(data), signalAbsVelocity.extract(data))
	}
}
