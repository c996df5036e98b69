package cdc

import (
	"context"
	"sync"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/pkg"
)

// Endpoint sizes used by ConfigureDevice.
const (
	NotifyPacketSize = 8
	NotifyInterval   = 255
	DataPacketSize   = 64
)

// ACM is one CDC-ACM serial function. The same driver is installed on
// its communications interface and on its data interface.
type ACM struct {
	mutex sync.RWMutex

	stack   *device.Stack
	control *device.Interface
	data    *device.Interface
	notify  *device.Endpoint // interrupt IN
	in      *device.Endpoint // bulk IN
	out     *device.Endpoint // bulk OUT

	coding LineCoding
	lines  uint16 // ControlLine* bits

	onCoding func(LineCoding)
	onLines  func(dtr, rts bool)
	onBreak  func(millis uint16)

	resp [LineCodingSize]byte
}

// NewACM returns an unbound function at DefaultLineCoding.
func NewACM() *ACM {
	return &ACM{coding: DefaultLineCoding}
}

// SetStack sets the stack that carries data and notifications.
func (a *ACM) SetStack(stack *device.Stack) {
	a.mutex.Lock()
	a.stack = stack
	a.mutex.Unlock()
}

// SetOnLineCodingChange is called after each SET_LINE_CODING.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mutex.Lock()
	a.onCoding = cb
	a.mutex.Unlock()
}

// SetOnControlStateChange is called when DTR or RTS change, including when
// a bus reset drops both.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	a.onLines = cb
	a.mutex.Unlock()
}

// SetOnBreak is called for each SEND_BREAK with its duration.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	a.onBreak = cb
	a.mutex.Unlock()
}

func (a *ACM) LineCoding() LineCoding {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.coding
}

func (a *ACM) line(bit uint16) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lines&bit != 0
}

// DTR reports Data Terminal Ready as last set by the host.
func (a *ACM) DTR() bool { return a.line(ControlLineDTR) }

// RTS reports Request To Send as last set by the host.
func (a *ACM) RTS() bool { return a.line(ControlLineRTS) }

// bound reports whether both interfaces and both data endpoints are known.
func (a *ACM) bound() bool {
	return a.control != nil && a.data != nil && a.in != nil && a.out != nil
}

// Init takes the endpoints of the communications or the data interface.
func (a *ACM) Init(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	switch iface.Class {
	case device.ClassCDC:
		a.control = iface
	case device.ClassCDCData:
		a.data = iface
	default:
		return pkg.ErrInvalidParameter
	}
	for _, ep := range iface.Endpoints() {
		switch {
		case ep.IsInterrupt() && ep.IsIn() && iface == a.control:
			a.notify = ep
		case ep.IsBulk() && ep.IsIn() && iface == a.data:
			a.in = ep
		case ep.IsBulk() && ep.IsOut() && iface == a.data:
			a.out = ep
		}
	}

	if a.bound() {
		pkg.LogDebug(pkg.ComponentClass, "CDC-ACM bound",
			"control", a.control.Number,
			"data", a.data.Number)
	}
	return nil
}

// HandleSetup answers the ACM requests addressed to the communications
// interface. Anything else is left unhandled and stalls.
func (a *ACM) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsClass() || iface.Class != device.ClassCDC {
		return nil, false, nil
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return nil, true, a.setLineCoding(data)
	case RequestGetLineCoding:
		a.mutex.RLock()
		n := a.coding.MarshalTo(a.resp[:])
		a.mutex.RUnlock()
		return a.resp[:n], true, nil
	case RequestSetControlLineState:
		a.setLines(setup.Value)
	case RequestSendBreak:
		a.sendBreak(setup.Value)
	default:
		return nil, false, nil
	}
	return nil, true, nil
}

func (a *ACM) setLineCoding(data []byte) error {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return pkg.ErrBufferTooSmall
	}
	a.mutex.Lock()
	a.coding = lc
	cb := a.onCoding
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "serial line coding set", "coding", lc.String())
	if cb != nil {
		cb(lc)
	}
	return nil
}

// setLines records the control line bitmap. The callback only fires on a
// change.
func (a *ACM) setLines(bits uint16) {
	a.mutex.Lock()
	prev := a.lines
	a.lines = bits
	cb := a.onLines
	a.mutex.Unlock()

	dtr, rts := bits&ControlLineDTR != 0, bits&ControlLineRTS != 0
	pkg.LogDebug(pkg.ComponentClass, "serial control lines set", "dtr", dtr, "rts", rts)
	if cb != nil && prev != bits {
		cb(dtr, rts)
	}
}

func (a *ACM) sendBreak(millis uint16) {
	a.mutex.RLock()
	cb := a.onBreak
	a.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentClass, "serial break", "ms", millis)
	if cb != nil {
		cb(millis)
	}
}

// Reset restores DefaultLineCoding and drops DTR and RTS. AttachToInterfaces
// registers it as a bus reset hook.
func (a *ACM) Reset() {
	a.mutex.Lock()
	a.coding = DefaultLineCoding
	a.mutex.Unlock()
	a.setLines(0)
}

// SetAlternate accepts only alternate setting 0.
func (a *ACM) SetAlternate(_ *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// Close forgets both interfaces and their endpoints.
func (a *ACM) Close() error {
	a.mutex.Lock()
	a.control, a.data = nil, nil
	a.notify, a.in, a.out = nil, nil, nil
	a.mutex.Unlock()
	return nil
}

// route returns the stack and one endpoint of a bound function.
func (a *ACM) route(pick func(*ACM) *device.Endpoint) (*device.Stack, *device.Endpoint, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	ep := pick(a)
	if a.stack == nil || !a.bound() || ep == nil {
		return nil, nil, pkg.ErrNotConfigured
	}
	return a.stack, ep, nil
}

// Read receives one packet from the host.
func (a *ACM) Read(ctx context.Context, buf []byte) (int, error) {
	stack, ep, err := a.route(func(a *ACM) *device.Endpoint { return a.out })
	if err != nil {
		return 0, err
	}
	return stack.Read(ctx, ep, buf)
}

// Write sends one packet to the host.
func (a *ACM) Write(ctx context.Context, data []byte) (int, error) {
	stack, ep, err := a.route(func(a *ACM) *device.Endpoint { return a.in })
	if err != nil {
		return 0, err
	}
	return stack.Write(ctx, ep, data)
}

// SendSerialState notifies the host of the UART state bitmap.
func (a *ACM) SendSerialState(ctx context.Context, state uint16) error {
	stack, ep, err := a.route(func(a *ACM) *device.Endpoint { return a.notify })
	if err != nil {
		return err
	}
	a.mutex.RLock()
	control := a.control
	a.mutex.RUnlock()
	if control == nil {
		return pkg.ErrNotConfigured
	}
	iface := control.Number

	var buf [SerialStateNotificationSize]byte
	_, err = stack.Write(ctx, ep, buf[:SerialStateTo(buf[:], iface, state)])
	return err
}

// ConfigureDevice appends the function to the current configuration of
// builder: an interface association, the communications interface with its
// functional descriptors and notification endpoint, then the data
// interface.
func (a *ACM) ConfigureDevice(builder *device.DeviceBuilder, notifyAddr, inAddr, outAddr uint8) *device.DeviceBuilder {
	control := builder.NextInterfaceNumber()
	data := control + 1

	var desc [FunctionalDescriptorsSize]byte
	n := FunctionalDescriptorsTo(desc[:], control, data, ACMCapLineCoding|ACMCapSendBreak)

	return builder.
		WithAssociation(control, 2, device.ClassCDC, SubclassACM, ProtocolNone).
		AddInterface(device.ClassCDC, SubclassACM, ProtocolNone).
		WithClassDescriptors(desc[:n]).
		AddEndpointInterval(notifyAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, NotifyPacketSize, NotifyInterval).
		AddInterface(device.ClassCDCData, 0, 0).
		AddEndpoint(inAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, DataPacketSize).
		AddEndpoint(outAddr&0x0F, device.EndpointTypeBulk, DataPacketSize)
}

// AttachToInterfaces installs the driver on both interfaces of the function
// and registers Reset as a bus reset hook.
func (a *ACM) AttachToInterfaces(dev *device.Device, configValue, control, data uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}
	for _, number := range []uint8{control, data} {
		iface := config.GetInterface(number)
		if iface == nil {
			return pkg.ErrInvalidRequest
		}
		if err := iface.SetClassDriver(a); err != nil {
			return err
		}
	}
	return dev.AddResetHook(a.Reset)
}

var _ device.ClassDriver = (*ACM)(nil)
