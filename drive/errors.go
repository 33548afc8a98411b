package drive

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSetpoint is returned for non-finite angles and out of range duty
	// cycles. The previous setpoint stays active.
	ErrInvalidSetpoint = errors.New("invalid setpoint")

	// ErrModuleFaulted is returned by every command sent to a module whose
	// configuration failed.
	ErrModuleFaulted = errors.New("wheel module faulted")

	// ErrDeviceDisconnected is returned when the input device cannot be read.
	ErrDeviceDisconnected = errors.New("input device disconnected")
)

// ActuatorConfigError reports the configuration step that failed while a wheel
// module was being set up.
type ActuatorConfigError struct {
	Module string
	Step   string
	Err    error
}

func (e *ActuatorConfigError) Error() string {
	return fmt.Sprintf("%s: configure %s: %v", e.Module, e.Step, e.Err)
}

func (e *ActuatorConfigError) Unwrap() error {
	return e.Err
}
