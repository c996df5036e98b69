package device

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pkg"
)

// MaxControlDataSize bounds the OUT data stage of a control transfer.
const MaxControlDataSize = 512

var halSpeeds = map[hal.Speed]Speed{
	hal.SpeedLow:  SpeedLow,
	hal.SpeedFull: SpeedFull,
	hal.SpeedHigh: SpeedHigh,
}

func speedOf(s hal.Speed) Speed {
	if speed, ok := halSpeeds[s]; ok {
		return speed
	}
	return SpeedFull
}

// Stack binds a Device to a controller and services its control pipe: one
// goroutine reads SETUP packets from the HAL and answers them through the
// standard handler, the class drivers or the vendor handlers.
type Stack struct {
	device   *Device
	hal      hal.DeviceHAL
	standard *StandardRequestHandler

	mutex  sync.Mutex
	cancel context.CancelFunc // nil when stopped
	done   chan struct{}

	// Owned by the control goroutine.
	raw hal.SetupPacket
	ep0 [MaxControlDataSize]byte
}

func NewStack(dev *Device, h hal.DeviceHAL) *Stack {
	return &Stack{
		device:   dev,
		hal:      h,
		standard: NewStandardRequestHandler(dev),
	}
}

// Start brings the controller up, attaches to the bus and starts the control
// goroutine, which runs until Stop or until ctx is done.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancel != nil {
		return pkg.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.hal.Init(ctx); err != nil {
		cancel()
		return err
	}
	if err := s.hal.Start(); err != nil {
		cancel()
		return err
	}
	s.device.SetSpeed(speedOf(s.hal.GetSpeed()))

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.serve(ctx, s.done)

	pkg.LogDebug(pkg.ComponentStack, "device stack started", "speed", s.device.Speed())
	return nil
}

// Stop detaches from the bus and waits for the control goroutine. Stopping
// a stopped stack does nothing.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mutex.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := s.hal.Stop()
	<-done
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return err
}

func (s *Stack) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cancel != nil
}

func (s *Stack) Device() *Device {
	return s.device
}

func (s *Stack) serve(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var setup SetupPacket
	for ctx.Err() == nil {
		err := s.hal.ReadSetup(ctx, &s.raw)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, pkg.ErrReset):
			s.device.Reset()
			continue
		case err != nil:
			pkg.LogWarn(pkg.ComponentStack, "error reading setup", "error", err)
			continue
		}

		setupFromHAL(&s.raw, &setup)
		if err := s.control(ctx, &setup); err != nil {
			pkg.LogDebug(pkg.ComponentStack, "request stalled",
				"request", setup.String(),
				"error", err)
			if err := s.hal.StallEP0(); err != nil {
				pkg.LogWarn(pkg.ComponentStack, "error stalling EP0", "error", err)
			}
		}
	}
}

// control runs one control transfer: the OUT data stage, dispatch, the IN
// data stage and the status stage. An error stalls EP0.
func (s *Stack) control(ctx context.Context, setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", setup.String())

	var data []byte
	if setup.IsHostToDevice() && setup.Length > 0 {
		if int(setup.Length) > MaxControlDataSize {
			return pkg.ErrBufferTooSmall
		}
		n, err := s.hal.ReadEP0(ctx, s.ep0[:setup.Length])
		if err != nil {
			return err
		}
		data = s.ep0[:n]
	}

	resp, err := s.dispatch(setup, data)
	if err != nil {
		return err
	}

	if setup.IsDeviceToHost() {
		if err := s.hal.WriteEP0(ctx, resp[:min(len(resp), int(setup.Length))]); err != nil {
			return err
		}
		// zero-length OUT status
		_, err = s.hal.ReadEP0(ctx, s.ep0[:0])
	} else {
		err = s.hal.AckEP0()
	}
	if err != nil {
		return err
	}

	if setup.IsStandard() && setup.IsDeviceRecipient() {
		s.commit(setup.Request)
	}
	return nil
}

// dispatch routes standard requests to the chapter 9 handler, class
// requests to the driver of the addressed interface and vendor requests to
// the device's vendor handlers. Unclaimed requests stall.
func (s *Stack) dispatch(setup *SetupPacket, data []byte) ([]byte, error) {
	var (
		resp    []byte
		handled bool
		err     error
	)
	switch {
	case setup.IsStandard():
		return s.standard.HandleSetup(setup, data)
	case setup.IsClass() && setup.IsInterfaceRecipient():
		if iface := s.device.GetInterface(setup.InterfaceNumber()); iface != nil {
			resp, handled, err = iface.HandleSetup(setup, data)
		}
	case setup.IsVendor():
		resp, handled, err = s.device.HandleVendor(setup, data)
	}
	if !handled {
		return nil, pkg.ErrInvalidRequest
	}
	return resp, err
}

// commit applies the hardware side of SET_ADDRESS and SET_CONFIGURATION,
// which only takes effect once the status stage is done.
func (s *Stack) commit(request uint8) {
	var err error
	switch request {
	case RequestSetAddress:
		err = s.hal.SetAddress(s.device.Address())
	case RequestSetConfiguration:
		var eps []hal.EndpointConfig
		if config := s.device.ActiveConfiguration(); config != nil {
			eps = config.EndpointConfigs()
		}
		err = s.hal.ConfigureEndpoints(eps)
	default:
		return
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error applying request to controller",
			"request", standardRequestNames[request],
			"error", err)
	}
}

// Speed reports the speed the controller negotiated.
func (s *Stack) Speed() Speed {
	return speedOf(s.hal.GetSpeed())
}

func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

// WaitConnect blocks until a host is attached or ctx is done.
func (s *Stack) WaitConnect(ctx context.Context) error {
	return s.hal.WaitConnect(ctx)
}

// transfer guards a data endpoint transfer and flips the endpoint's data
// toggle once it completes.
func (s *Stack) transfer(ep *Endpoint, fn func() (int, error)) (int, error) {
	switch {
	case !s.device.IsConfigured():
		return 0, pkg.ErrNotConfigured
	case ep.IsStalled():
		return 0, pkg.ErrStall
	}
	n, err := fn()
	if err == nil {
		ep.ToggleData()
	}
	return n, err
}

// Read blocks until the host sends a packet to OUT endpoint ep.
func (s *Stack) Read(ctx context.Context, ep *Endpoint, buf []byte) (int, error) {
	return s.transfer(ep, func() (int, error) { return s.hal.Read(ctx, ep.Address, buf) })
}

// Write blocks until the host collects data from IN endpoint ep.
func (s *Stack) Write(ctx context.Context, ep *Endpoint, data []byte) (int, error) {
	return s.transfer(ep, func() (int, error) { return s.hal.Write(ctx, ep.Address, data) })
}
