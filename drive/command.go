package drive

import (
	"context"
	"fmt"
)

// Maneuver selects how a Command is applied to the wheels.
type Maneuver int

const (
	// ManeuverTranslate drives every wheel along Angle, offsets applied.
	ManeuverTranslate Maneuver = iota
	// ManeuverRotate spins the chassis in place.
	ManeuverRotate
	// ManeuverLock turns the wheels into an X and holds them still.
	ManeuverLock
)

func (m Maneuver) String() string {
	switch m {
	case ManeuverTranslate:
		return "TRANSLATE"
	case ManeuverRotate:
		return "ROTATE"
	case ManeuverLock:
		return "LOCK"
	default:
		return fmt.Sprintf("Maneuver(%d)", int(m))
	}
}

// Command is one chassis level command.
type Command struct {
	Maneuver Maneuver
	Speed    float64 // [-1, 1], sign is forward/reverse
	Angle    float64 // radians, not normalized
}

// CommandSource yields the command for the current control cycle.
type CommandSource interface {
	Read(ctx context.Context) (Command, error)
}
