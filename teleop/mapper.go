// Package teleop maps a gamepad's current state onto drive commands.
package teleop

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rdk/components/input"

	"swerve/drive"
)

// EventSource reports the latest event of every control. input.Controller satisfies it.
type EventSource interface {
	Events(ctx context.Context, extra map[string]interface{}) (map[input.Control]input.Event, error)
}

// Bindings names the controls read by the mapper.
type Bindings struct {
	X        input.Control
	Y        input.Control
	Forward  input.Control
	Backward input.Control
	Rotate   input.Control
	Lock     input.Control
}

// DefaultBindings is the Xbox layout: left stick steers, right trigger drives
// forward, left trigger backward, B rotates and X locks.
func DefaultBindings() Bindings {
	return Bindings{
		X:        input.AbsoluteX,
		Y:        input.AbsoluteY,
		Forward:  input.AbsoluteRZ,
		Backward: input.AbsoluteZ,
		Rotate:   input.ButtonEast,
		Lock:     input.ButtonWest,
	}
}

// Mapper turns the state of an EventSource into a drive.Command. It keeps no
// state between reads.
type Mapper struct {
	src      EventSource
	bindings Bindings
}

// NewMapper returns a mapper reading src through bindings.
func NewMapper(src EventSource, bindings Bindings) *Mapper {
	return &Mapper{src: src, bindings: bindings}
}

// Read polls the device and returns the command for this cycle.
func (m *Mapper) Read(ctx context.Context) (drive.Command, error) {
	events, err := m.src.Events(ctx, nil)
	if err != nil {
		return drive.Command{}, errors.Wrap(drive.ErrDeviceDisconnected, err.Error())
	}
	value := func(c input.Control) float64 {
		return events[c].Value
	}

	x, y := value(m.bindings.X), value(m.bindings.Y)
	return Map(
		x, y,
		value(m.bindings.Forward), value(m.bindings.Backward),
		value(m.bindings.Rotate) != 0, value(m.bindings.Lock) != 0,
	), nil
}

// Map computes a command from raw stick, trigger and button values.
func Map(x, y, forward, backward float64, rotate, lock bool) drive.Command {
	speed := forward - backward

	angle := math.Atan2(x, y)
	if x < 0 {
		angle += 2 * math.Pi
	}

	// a centered stick steers to 0, opposite a stick pushed forward (y = -1)
	if x == 0 && y == 0 {
		speed = -speed
	}

	cmd := drive.Command{Maneuver: drive.ManeuverTranslate, Speed: speed, Angle: angle}
	switch {
	case rotate:
		cmd.Maneuver = drive.ManeuverRotate
	case lock:
		cmd.Maneuver = drive.ManeuverLock
	}
	return cmd
}
