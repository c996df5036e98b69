package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pkg"
)

const (
	// MaxEndpoints is the highest data endpoint number.
	MaxEndpoints = 15

	// MaxPacketSize bounds one message payload.
	MaxPacketSize = 512
)

// Message types.
const (
	msgSetup   = 0x01 // host: [address, setup(8), out data...]
	msgData    = 0x02
	msgAck     = 0x03
	msgNak     = 0x04
	msgStall   = 0x05
	msgReset   = 0x12 // host: bus reset
	msgAddress = 0x13 // host: [address]
)

// headerSize is the type byte and the little-endian payload length.
const headerSize = 3

// Bytes written to the connection pipe.
const (
	sigDisconnect = 0x00
	sigConnect    = 0x01
)

const (
	PipeHostToDevice = "host_to_device"
	PipeDeviceToHost = "device_to_host"
	PipeConnection   = "connection"
)

// pollInterval is how often a blocked read checks for cancellation.
const pollInterval = 100 * time.Millisecond

// EndpointPipe names the pipe of a data endpoint: ep<n>_in or ep<n>_out.
func EndpointPipe(address uint8) string {
	dir := "out"
	if address&0x80 != 0 {
		dir = "in"
	}
	return fmt.Sprintf("ep%d_%s", address&0x0F, dir)
}

// pipe is one FIFO held open on both ends. Writers are serialized so that
// frames never interleave.
type pipe struct {
	f  *os.File
	wm sync.Mutex
}

func makePipe(dir, name string) (*pipe, error) {
	path := filepath.Join(dir, name)
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", name, err)
	}
	// O_RDWR so that opening never waits for a peer.
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &pipe{f: f}, nil
}

// live returns the first reason to abandon I/O, if any.
func live(ctx context.Context, closed <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return pkg.ErrCancelled
	default:
		return nil
	}
}

// fill reads exactly len(buf) bytes, waking every pollInterval to observe
// ctx and closed.
func (p *pipe) fill(ctx context.Context, closed <-chan struct{}, buf []byte) error {
	for got := 0; got < len(buf); {
		if err := live(ctx, closed); err != nil {
			return err
		}
		_ = p.f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := p.f.Read(buf[got:])
		got += n
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) && err != io.EOF {
			return err
		}
	}
	return nil
}

// recv reads one frame into payload and returns its type and length.
func (p *pipe) recv(ctx context.Context, closed <-chan struct{}, payload []byte) (byte, int, error) {
	var header [headerSize]byte
	if err := p.fill(ctx, closed, header[:]); err != nil {
		return 0, 0, err
	}
	n := int(binary.LittleEndian.Uint16(header[1:]))
	if n > len(payload) {
		return 0, 0, pkg.ErrBufferTooSmall
	}
	if err := p.fill(ctx, closed, payload[:n]); err != nil {
		return 0, 0, err
	}
	return header[0], n, nil
}

// send writes data, truncated to MaxPacketSize, as one frame. While the
// pipe is full it wakes every pollInterval to observe ctx and closed. A
// frame is smaller than PIPE_BUF, so it is written whole or not at all.
func (p *pipe) send(ctx context.Context, closed <-chan struct{}, msgType byte, data []byte) error {
	var frame [headerSize + MaxPacketSize]byte
	n := copy(frame[headerSize:], data)
	frame[0] = msgType
	binary.LittleEndian.PutUint16(frame[1:], uint16(n))

	p.wm.Lock()
	defer p.wm.Unlock()
	for buf := frame[:headerSize+n]; len(buf) > 0; {
		if err := live(ctx, closed); err != nil {
			return err
		}
		_ = p.f.SetWriteDeadline(time.Now().Add(pollInterval))
		w, err := p.f.Write(buf)
		buf = buf[w:]
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
	}
	return nil
}

// HAL is a hal.DeviceHAL whose bus is a directory of named pipes,
// busDir/device-<uuid>, one per control direction and data endpoint.
type HAL struct {
	busDir string

	mutex     sync.RWMutex
	id        uuid.UUID
	deviceDir string
	pipes     map[string]*pipe // nil until Init
	active    map[uint8]hal.EndpointConfig
	address   uint8

	// OUT data stage that arrived with the last SETUP.
	pending    []byte
	pendingBuf [MaxPacketSize]byte

	connected  atomic.Bool
	connectCh  chan struct{}
	disconnCh  chan struct{}
	closed     chan struct{}
	closedOnce sync.Once
}

func New(busDir string) *HAL {
	return &HAL{
		busDir:    busDir,
		connectCh: make(chan struct{}, 1),
		disconnCh: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Init creates busDir/device-<uuid> and every pipe in it.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.pipes != nil {
		return pkg.ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	dir := filepath.Join(h.busDir, "device-"+id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}
	h.id, h.deviceDir = id, dir

	names := []string{PipeHostToDevice, PipeDeviceToHost, PipeConnection}
	for n := uint8(1); n <= MaxEndpoints; n++ {
		names = append(names, EndpointPipe(n|0x80), EndpointPipe(n))
	}
	pipes := make(map[string]*pipe, len(names))
	for _, name := range names {
		p, err := makePipe(dir, name)
		if err != nil {
			h.pipes = pipes
			h.teardown()
			return err
		}
		pipes[name] = p
	}
	h.pipes = pipes
	h.active = make(map[uint8]hal.EndpointConfig)

	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL initialized", "deviceDir", dir)
	return nil
}

// teardown closes every pipe and removes the device directory. The caller
// holds the lock.
func (h *HAL) teardown() {
	for _, p := range h.pipes {
		_ = p.f.Close()
	}
	h.pipes = nil
	if h.deviceDir != "" {
		_ = os.RemoveAll(h.deviceDir)
	}
}

func (h *HAL) pipe(name string) (*pipe, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	p, ok := h.pipes[name]
	if !ok {
		return nil, pkg.ErrNotConfigured
	}
	return p, nil
}

// signal writes a connection byte. The host may not be listening.
func (h *HAL) signal(sig byte) {
	p, err := h.pipe(PipeConnection)
	if err != nil {
		return
	}
	if _, err := p.f.Write([]byte{sig}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "connection signal not delivered", "error", err)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start announces the device on the connection pipe.
func (h *HAL) Start() error {
	if _, err := h.pipe(PipeConnection); err != nil {
		return err
	}
	h.signal(sigConnect)
	h.connected.Store(true)
	notify(h.connectCh)
	return nil
}

// Stop announces the disconnect, unblocks pending I/O and removes the
// device directory.
func (h *HAL) Stop() error {
	h.signal(sigDisconnect)
	h.connected.Store(false)
	notify(h.disconnCh)
	h.closedOnce.Do(func() { close(h.closed) })

	h.mutex.Lock()
	h.teardown()
	h.mutex.Unlock()
	pkg.LogInfo(pkg.ComponentHAL, "fifo HAL stopped")
	return nil
}

func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// Address is the address last assigned by the host.
func (h *HAL) Address() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.address
}

// ConfigureEndpoints replaces the active endpoint set. Pipes of inactive
// endpoints refuse traffic.
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	active := make(map[uint8]hal.EndpointConfig, len(endpoints))
	for _, ep := range endpoints {
		if num := ep.Number(); num >= 1 && num <= MaxEndpoints {
			active[ep.Address] = ep
		}
	}
	h.mutex.Lock()
	h.active = active
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", len(active))
	return nil
}

// ReadSetup blocks for the next SETUP message. Address and reset messages
// in between are acknowledged, and a reset is returned as pkg.ErrReset.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	p, err := h.pipe(PipeHostToDevice)
	if err != nil {
		return err
	}

	var payload [1 + hal.SetupPacketSize + MaxPacketSize]byte
	for {
		msgType, n, err := p.recv(ctx, h.closed, payload[:])
		if err != nil {
			return err
		}
		body := payload[:n]

		switch msgType {
		case msgSetup:
			if !hal.ParseSetupPacket(body[min(n, 1):], out) {
				return pkg.ErrSetupPacketTooShort
			}
			h.mutex.Lock()
			h.pending = h.pendingBuf[:copy(h.pendingBuf[:], body[1+hal.SetupPacketSize:])]
			h.mutex.Unlock()
			pkg.LogDebug(pkg.ComponentHAL, "setup received",
				"reqType", out.RequestType,
				"req", out.Request,
				"length", out.Length)
			return nil

		case msgReset:
			_ = h.AckEP0()
			return pkg.ErrReset

		case msgAddress:
			if n > 0 {
				_ = h.SetAddress(body[0])
				_ = h.AckEP0()
			}

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unexpected message on control pipe", "type", msgType)
		}
	}
}

func (h *HAL) respond(ctx context.Context, msgType byte, data []byte) error {
	p, err := h.pipe(PipeDeviceToHost)
	if err != nil {
		return err
	}
	return p.send(ctx, h.closed, msgType, data)
}

// WriteEP0 sends the IN data stage as one DATA message.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	return h.respond(ctx, msgData, data)
}

// ReadEP0 hands over the OUT data that came with the last SETUP, once.
// The status stage of an IN transfer reads nothing.
func (h *HAL) ReadEP0(_ context.Context, buf []byte) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n := copy(buf, h.pending)
	h.pending = nil
	return n, nil
}

func (h *HAL) StallEP0() error {
	return h.respond(context.Background(), msgStall, nil)
}

func (h *HAL) AckEP0() error {
	return h.respond(context.Background(), msgAck, nil)
}

// endpoint returns the pipe of an active data endpoint with the given
// direction.
func (h *HAL) endpoint(address uint8, in bool) (*pipe, error) {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints || (address&0x80 != 0) != in {
		return nil, pkg.ErrInvalidEndpoint
	}
	h.mutex.RLock()
	_, ok := h.active[address]
	h.mutex.RUnlock()
	if !ok {
		return nil, pkg.ErrNotConfigured
	}
	return h.pipe(EndpointPipe(address))
}

// Read receives one DATA message from an OUT endpoint.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	p, err := h.endpoint(address, false)
	if err != nil {
		return 0, err
	}
	var payload [MaxPacketSize]byte
	msgType, n, err := p.recv(ctx, h.closed, payload[:])
	switch {
	case err != nil:
		return 0, err
	case msgType != msgData:
		return 0, pkg.ErrProtocol
	case n > len(buf):
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, payload[:n]), nil
}

// Write sends up to MaxPacketSize bytes of data as one DATA message on an
// IN endpoint.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	p, err := h.endpoint(address, true)
	if err != nil {
		return 0, err
	}
	data = data[:min(len(data), MaxPacketSize)]
	if err := p.send(ctx, h.closed, msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Stall has no wire representation on a pipe bus.
func (h *HAL) Stall(address uint8) error {
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stalled", "address", address)
	return nil
}

func (h *HAL) ClearStall(address uint8) error {
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stall cleared", "address", address)
	return nil
}

func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// GetSpeed is always full speed.
func (h *HAL) GetSpeed() hal.Speed {
	return hal.SpeedFull
}

func (h *HAL) wait(ctx context.Context, done bool, ch <-chan struct{}) error {
	if done {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	case <-h.closed:
		return pkg.ErrCancelled
	}
}

// WaitConnect blocks until Start.
func (h *HAL) WaitConnect(ctx context.Context) error {
	return h.wait(ctx, h.IsConnected(), h.connectCh)
}

// WaitDisconnect blocks until Stop.
func (h *HAL) WaitDisconnect(ctx context.Context) error {
	return h.wait(ctx, !h.IsConnected(), h.disconnCh)
}

func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// ID is the random identifier in the device directory name.
func (h *HAL) ID() uuid.UUID {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

var _ hal.DeviceHAL = (*HAL)(nil)
