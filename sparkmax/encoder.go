package sparkmax

import (
	"math"
	"sync"
)

// AbsoluteEncoder is a duty cycle absolute encoder read through a controller's
// status frames. Readings are rotations scaled by the conversion factor.
type AbsoluteEncoder struct {
	controller *Controller

	mu         sync.RWMutex
	conversion float64
	inverted   bool
	rotations  float64
	rpm        float64
	seen       bool
}

// SetPositionConversionFactor sets the factor between rotations and reported position.
func (e *AbsoluteEncoder) SetPositionConversionFactor(factor float64) error {
	if err := e.controller.setParameter(floatParam(e.controller.id, paramAbsPositionFactor, factor)); err != nil {
		return err
	}
	e.mu.Lock()
	e.conversion = factor
	e.mu.Unlock()
	return nil
}

// SetInverted reverses the counting direction of the encoder.
func (e *AbsoluteEncoder) SetInverted(inverted bool) error {
	if err := e.controller.setParameter(boolParam(e.controller.id, paramAbsInverted, inverted)); err != nil {
		return err
	}
	e.mu.Lock()
	e.inverted = inverted
	e.mu.Unlock()
	return nil
}

// Position returns the latest position in converted units, within one revolution.
func (e *AbsoluteEncoder) Position() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rot := e.rotations
	if e.inverted && rot != 0 {
		rot = 1 - rot
	}
	return rot * e.conversion
}

// Velocity returns the latest velocity in converted units per minute.
func (e *AbsoluteEncoder) Velocity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v := e.rpm * e.conversion
	if e.inverted {
		v = -v
	}
	return v
}

// Seen reports whether a status frame has been received for this encoder.
func (e *AbsoluteEncoder) Seen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seen
}

func (e *AbsoluteEncoder) update(rotations, rpm float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rotations = math.Mod(rotations, 1)
	e.rpm = rpm
	e.seen = true
}
