// Package haltest provides an in-memory [hal.DeviceHAL] whose host side is
// driven directly from tests.
package haltest

import (
	"context"
	"slices"
	"sync"

	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pkg"
)

const (
	numEndpoints = 16
	queueDepth   = 16
)

// transfer is a SETUP from the host, or a bus reset.
type transfer struct {
	setup hal.SetupPacket
	data  []byte
	reset bool
}

// outcome is how the device finished a transfer.
type outcome struct {
	data    []byte
	stalled bool
}

// recv takes one value from ch. A nil closed never fires.
func recv[T any](ctx context.Context, closed <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-closed:
		return zero, pkg.ErrCancelled
	case v := <-ch:
		return v, nil
	}
}

func send[T any](ctx context.Context, closed <-chan struct{}, ch chan<- T, v T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return pkg.ErrCancelled
	case ch <- v:
		return nil
	}
}

// HAL joins one device to one host in memory. Control transfers are
// synchronous; each endpoint direction queues up to queueDepth packets.
type HAL struct {
	setups   chan transfer
	outcomes chan outcome
	out      [numEndpoints]chan []byte
	in       [numEndpoints]chan []byte

	mutex     sync.Mutex
	pending   []byte
	address   uint8
	endpoints []hal.EndpointConfig
	stalled   map[uint8]bool

	connected chan struct{}
	connOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func New() *HAL {
	h := &HAL{
		setups:    make(chan transfer),
		outcomes:  make(chan outcome, 1),
		stalled:   make(map[uint8]bool),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for i := range numEndpoints {
		h.out[i] = make(chan []byte, queueDepth)
		h.in[i] = make(chan []byte, queueDepth)
	}
	return h
}

// Device side.

func (h *HAL) Init(ctx context.Context) error { return ctx.Err() }

func (h *HAL) Start() error {
	h.connOnce.Do(func() { close(h.connected) })
	return nil
}

func (h *HAL) Stop() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	return nil
}

func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	h.mutex.Lock()
	h.endpoints = slices.Clone(endpoints)
	h.mutex.Unlock()
	return nil
}

func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	t, err := recv(ctx, h.closed, h.setups)
	if err != nil {
		return err
	}
	if t.reset {
		return pkg.ErrReset
	}
	*out = t.setup
	h.mutex.Lock()
	h.pending = t.data
	h.mutex.Unlock()
	return nil
}

func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	return send(ctx, h.closed, h.outcomes, outcome{data: slices.Clone(data)})
}

func (h *HAL) ReadEP0(_ context.Context, buf []byte) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n := copy(buf, h.pending)
	h.pending = nil
	return n, nil
}

func (h *HAL) StallEP0() error {
	return send(context.Background(), h.closed, h.outcomes, outcome{stalled: true})
}

func (h *HAL) AckEP0() error {
	return send(context.Background(), h.closed, h.outcomes, outcome{})
}

func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	if address&0x80 != 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	data, err := recv(ctx, h.closed, h.out[address&0x0F])
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, data), nil
}

func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	if address&0x80 == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	if err := send(ctx, h.closed, h.in[address&0x0F], slices.Clone(data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (h *HAL) setStall(address uint8, stalled bool) error {
	h.mutex.Lock()
	h.stalled[address] = stalled
	h.mutex.Unlock()
	return nil
}

func (h *HAL) Stall(address uint8) error      { return h.setStall(address, true) }
func (h *HAL) ClearStall(address uint8) error { return h.setStall(address, false) }

func (h *HAL) IsConnected() bool {
	select {
	case <-h.connected:
		return true
	default:
		return false
	}
}

func (h *HAL) GetSpeed() hal.Speed { return hal.SpeedFull }

func (h *HAL) WaitConnect(ctx context.Context) error {
	_, err := recv(ctx, nil, h.connected)
	return err
}

func (h *HAL) WaitDisconnect(ctx context.Context) error {
	_, err := recv(ctx, nil, h.closed)
	return err
}

// Host side.

// Control runs one control transfer and returns the IN data stage, if
// any. A stalled request returns pkg.ErrStall.
func (h *HAL) Control(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	if err := send(ctx, h.closed, h.setups, transfer{setup: setup, data: slices.Clone(data)}); err != nil {
		return nil, err
	}
	o, err := recv(ctx, h.closed, h.outcomes)
	if err != nil {
		return nil, err
	}
	if o.stalled {
		return nil, pkg.ErrStall
	}
	return o.data, nil
}

// Reset signals a bus reset. The device handles it before any control
// transfer issued afterwards.
func (h *HAL) Reset(ctx context.Context) error {
	return send(ctx, h.closed, h.setups, transfer{reset: true})
}

// SendOut queues one packet for an OUT endpoint.
func (h *HAL) SendOut(ctx context.Context, address uint8, data []byte) error {
	return send(ctx, nil, h.out[address&0x0F], slices.Clone(data))
}

// ReceiveIn waits for one packet written to an IN endpoint.
func (h *HAL) ReceiveIn(ctx context.Context, address uint8) ([]byte, error) {
	return recv(ctx, nil, h.in[address&0x0F])
}

// Address is the address last programmed by the stack.
func (h *HAL) Address() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.address
}

// Endpoints is the set last passed to ConfigureEndpoints.
func (h *HAL) Endpoints() []hal.EndpointConfig {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return slices.Clone(h.endpoints)
}

func (h *HAL) Stalled(address uint8) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.stalled[address]
}

var _ hal.DeviceHAL = (*HAL)(nil)
