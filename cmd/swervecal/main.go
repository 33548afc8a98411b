// Command swervecal measures the steering zero of each wheel module and writes
// a calibration file for the swerve base.
//
// Point every wheel straight forward by hand, then run:
//
//	swervecal -channel can0 -out /etc/swerve.toml
package main

import (
	"context"
	"flag"
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	viamutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"

	"swerve/drive"
	"swerve/sparkmax"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("swervecal"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	fs := flag.NewFlagSet("swervecal", flag.ContinueOnError)
	channel := fs.String("channel", "can0", "SocketCAN channel the motor controllers are on.")
	in := fs.String("in", "", "Calibration to take the device ids from (default: built in wiring).")
	out := fs.String("out", "swerve.toml", "Path of the calibration file to write.")
	listen := fs.Duration("listen", time.Second, "How long to collect encoder status frames.")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cal := drive.DefaultCalibration()
	if *in != "" {
		var err error
		if cal, err = drive.LoadCalibration(*in); err != nil {
			return err
		}
	}

	bus, err := sparkmax.Open(*channel, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	viamutils.PanicCapturingGo(func() {
		bus.Listen(listenCtx)
	})

	measured, err := measure(ctx, bus, cal, *listen, logger)
	if err != nil {
		return err
	}
	if err := measured.WriteFile(*out); err != nil {
		return err
	}
	logger.Infow("calibration written", "path", *out)
	return nil
}

// measure reads every steering encoder over window and returns cal with the
// offsets replaced by the sensed positions.
func measure(
	ctx context.Context,
	bus *sparkmax.Bus,
	cal drive.Calibration,
	window time.Duration,
	logger logging.Logger,
) (drive.Calibration, error) {
	mcfg := drive.DefaultModuleConfig()
	var encoders [4]*sparkmax.AbsoluteEncoder
	for i, m := range cal.Modules() {
		steer, err := bus.Controller(m.SteerID)
		if err != nil {
			return drive.Calibration{}, err
		}
		enc := steer.AbsoluteEncoder()
		if err := enc.SetPositionConversionFactor(2 * math.Pi); err != nil {
			return drive.Calibration{}, err
		}
		if err := enc.SetInverted(mcfg.SteerEncoderInverted); err != nil {
			return drive.Calibration{}, err
		}
		encoders[i] = enc
	}

	if !viamutils.SelectContextOrWait(ctx, window) {
		return drive.Calibration{}, ctx.Err()
	}

	var offsets [4]float64
	for i, enc := range encoders {
		corner := drive.Corner(i)
		if !enc.Seen() {
			return drive.Calibration{}, errors.Errorf("%s: no status from steer controller %d", corner, cal.Modules()[i].SteerID)
		}
		offsets[i] = enc.Position()
		logger.Infow("steer zero", "module", corner.String(), "position", offsets[i])
	}
	cal.SetOffsets(offsets)
	return cal, nil
}
