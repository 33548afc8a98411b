package sparkmax

import (
	"context"
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"go.viam.com/rdk/logging"
)

// Receiver blocks until the next CAN frame arrives.
type Receiver interface {
	Recv() (canbus.Frame, error)
}

// Bus owns the transmit and receive sides of one CAN channel and routes status
// frames to the controllers created on it.
type Bus struct {
	tx     Sender
	rx     Receiver
	logger logging.Logger

	closers []func() error

	mu          sync.Mutex
	controllers map[uint8]*Controller
}

// NewBus wraps an already opened transmit and receive pair.
func NewBus(tx Sender, rx Receiver, logger logging.Logger) *Bus {
	return &Bus{
		tx:          tx,
		rx:          rx,
		logger:      logger,
		controllers: make(map[uint8]*Controller),
	}
}

// Open binds two SocketCAN sockets to channel, the receive socket only accepting
// frames from REV motor controllers.
func Open(channel string, logger logging.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "open send socket")
	}
	if err := socketSend.Bind(channel); err != nil {
		socketSend.Close()
		return nil, errors.Wrapf(err, "bind send socket to %s", channel)
	}

	socketRecv, err := canbus.New()
	if err != nil {
		socketSend.Close()
		return nil, errors.Wrap(err, "open receive socket")
	}

	revID := kDeviceTypeMotorController<<24 | kManufacturerREV<<16
	err = socketRecv.SetFilters([]unix.CanFilter{
		{Id: revID | unix.CAN_EFF_FLAG, Mask: 0x1FFF0000 | unix.CAN_EFF_FLAG},
	})
	if err != nil {
		socketSend.Close()
		socketRecv.Close()
		return nil, errors.Wrap(err, "set receive filters")
	}

	if err := socketRecv.Bind(channel); err != nil {
		socketSend.Close()
		socketRecv.Close()
		return nil, errors.Wrapf(err, "bind receive socket to %s", channel)
	}

	b := NewBus(socketSend, socketRecv, logger)
	b.closers = append(b.closers, socketSend.Close, socketRecv.Close)
	return b, nil
}

// Send transmits frame on the bus.
func (b *Bus) Send(frame canbus.Frame) (int, error) {
	return b.tx.Send(frame)
}

// Controller returns the controller with the given device id, creating it on first use.
func (b *Bus) Controller(id uint8) (*Controller, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.controllers[id]; ok {
		return c, nil
	}
	c, err := NewController(id, b, b.logger)
	if err != nil {
		return nil, err
	}
	b.controllers[id] = c
	return c, nil
}

// Listen receives frames until ctx is cancelled or the receive side is closed,
// updating the addressed controllers.
func (b *Bus) Listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Errorw("CAN Rx error", "error", err)
			continue
		}

		b.dispatch(frame)
	}
}

func (b *Bus) dispatch(frame canbus.Frame) {
	api, device, ok := splitArbitrationID(frame.ID)
	if !ok {
		return
	}

	b.mu.Lock()
	c, ok := b.controllers[device]
	b.mu.Unlock()
	if !ok {
		return
	}

	c.handleStatus(api, frame.Data)
}

// Close releases the sockets opened by Open.
func (b *Bus) Close() error {
	var err error
	for _, closeFn := range b.closers {
		err = multierr.Combine(err, closeFn())
	}
	b.closers = nil
	return err
}
