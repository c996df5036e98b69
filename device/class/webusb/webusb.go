package webusb

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/class/cdc"
	"github.com/ardnew/tildabridge/pkg"
)

// DefaultLineCoding is 8000 8N1.
var DefaultLineCoding = cdc.LineCoding{
	DTERate:    8000,
	CharFormat: cdc.StopBits1,
	ParityType: cdc.ParityNone,
	DataBits:   8,
}

const maxDescriptorSetSize = 256

// functionalDescriptorsSize covers header, ACM, union and call management.
const functionalDescriptorsSize = cdc.HeaderDescriptorSize + cdc.ACMDescriptorSize +
	cdc.UnionDescriptorSize + cdc.CallManagementDescriptorSize

// WebUSB is a vendor-class serial function reachable from browsers. It
// mirrors the CDC control requests on a vendor comm interface, announces
// itself through the WebUSB and MS OS 2.0 platform capabilities and answers
// their vendor requests.
type WebUSB struct {
	landingPage string
	guid        uuid.UUID

	commNumber uint8
	commIface  *device.Interface
	dataIface  *device.Interface

	notifyEP  *device.Endpoint
	dataInEP  *device.Endpoint
	dataOutEP *device.Endpoint

	stack *device.Stack

	lineCoding cdc.LineCoding
	dtr, rts   bool

	onControlStateChange func(dtr, rts bool)
	onLineCodingChange   func(cdc.LineCoding)

	webusbCap [WebUSBCapabilitySize]byte
	msosCap   [MSOS20CapabilitySize]byte

	urlBuf      [255]byte
	msosBuf     [maxDescriptorSetSize]byte
	responseBuf [cdc.LineCodingSize]byte

	mutex      sync.RWMutex
	configured bool
}

// New creates a WebUSB function that advertises landingPage and registers
// guid as its WinUSB device interface GUID.
func New(landingPage string, guid uuid.UUID) *WebUSB {
	return &WebUSB{
		landingPage: landingPage,
		guid:        guid,
		lineCoding:  DefaultLineCoding,
	}
}

// SetStack sets the device stack used for data transfers.
func (w *WebUSB) SetStack(stack *device.Stack) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stack = stack
}

// SetOnControlStateChange sets the callback for DTR/RTS changes.
func (w *WebUSB) SetOnControlStateChange(cb func(dtr, rts bool)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.onControlStateChange = cb
}

// SetOnLineCodingChange sets the callback for SET_LINE_CODING.
func (w *WebUSB) SetOnLineCodingChange(cb func(cdc.LineCoding)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.onLineCodingChange = cb
}

// LineCoding returns the current line coding.
func (w *WebUSB) LineCoding() cdc.LineCoding {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.lineCoding
}

// DTR reports the Data Terminal Ready line.
func (w *WebUSB) DTR() bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.dtr
}

// RTS reports the Request To Send line.
func (w *WebUSB) RTS() bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.rts
}

// CommInterface returns the number of the comm interface.
func (w *WebUSB) CommInterface() uint8 {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.commNumber
}

// DecodeLineCoding decodes a SET_LINE_CODING data stage. Stop bit and
// parity codes outside the defined range fall back to one stop bit and no
// parity.
func DecodeLineCoding(data []byte, out *cdc.LineCoding) bool {
	if !cdc.ParseLineCoding(data, out) {
		return false
	}
	if out.CharFormat > cdc.StopBits2 {
		out.CharFormat = cdc.StopBits1
	}
	if out.ParityType > cdc.ParitySpace {
		out.ParityType = cdc.ParityNone
	}
	return true
}

// Init binds the driver to its comm or data interface.
func (w *WebUSB) Init(iface *device.Interface) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if iface.Class != device.ClassVendor {
		return pkg.ErrInvalidParameter
	}
	switch iface.SubClass {
	case SubclassComm:
		w.commIface = iface
		w.commNumber = iface.Number
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsInterrupt() {
				w.notifyEP = ep
			}
		}
	case SubclassData:
		w.dataIface = iface
		for _, ep := range iface.Endpoints() {
			switch {
			case ep.IsIn() && ep.IsBulk():
				w.dataInEP = ep
			case ep.IsOut() && ep.IsBulk():
				w.dataOutEP = ep
			}
		}
	default:
		return pkg.ErrInvalidParameter
	}

	w.configured = w.commIface != nil && w.dataIface != nil &&
		w.dataInEP != nil && w.dataOutEP != nil
	return nil
}

// HandleSetup answers the CDC-style class requests on the comm interface.
func (w *WebUSB) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsClass() || iface.Number != w.CommInterface() {
		return nil, false, nil
	}

	if setup.IsHostToDevice() {
		switch setup.Request {
		case RequestSendEncapsulatedCommand:
			// Accepted and ignored.
			return nil, true, nil
		case RequestSetLineCoding:
			var lc cdc.LineCoding
			if !DecodeLineCoding(data, &lc) {
				return nil, false, nil
			}
			w.setLineCoding(lc)
			return nil, true, nil
		case RequestSetControlLineState:
			w.setControlLines(setup.Value&cdc.ControlLineDTR != 0, setup.Value&cdc.ControlLineRTS != 0)
			return nil, true, nil
		}
		return nil, false, nil
	}

	if setup.Request == RequestGetLineCoding && setup.Length == cdc.LineCodingSize {
		w.mutex.RLock()
		n := w.lineCoding.MarshalTo(w.responseBuf[:])
		w.mutex.RUnlock()
		return w.responseBuf[:n], true, nil
	}
	return nil, false, nil
}

func (w *WebUSB) setLineCoding(lc cdc.LineCoding) {
	w.mutex.Lock()
	w.lineCoding = lc
	cb := w.onLineCodingChange
	w.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "webusb line coding set",
		"coding", lc.String())
	if cb != nil {
		cb(lc)
	}
}

func (w *WebUSB) setControlLines(dtr, rts bool) {
	w.mutex.Lock()
	changed := w.dtr != dtr || w.rts != rts
	w.dtr, w.rts = dtr, rts
	cb := w.onControlStateChange
	w.mutex.Unlock()

	if cb != nil && changed {
		cb(dtr, rts)
	}
}

// HandleVendor answers the WebUSB GET_URL request for the landing page and
// the MS OS 2.0 descriptor set request.
func (w *WebUSB) HandleVendor(setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsDeviceToHost() {
		return nil, false, nil
	}

	switch {
	case setup.Request == VendorCodeWebUSB && setup.Index == RequestGetURL:
		if setup.Value != LandingPageIndex {
			return nil, false, nil
		}
		n := URLDescriptorTo(w.urlBuf[:], w.landingPage)
		if n == 0 {
			return nil, true, pkg.ErrBufferTooSmall
		}
		return w.urlBuf[:n], true, nil

	case setup.Request == VendorCodeMSOS20 && setup.Index == MSOS20DescriptorIndex:
		n := DescriptorSetTo(w.msosBuf[:], w.CommInterface(), w.guid)
		if n == 0 {
			return nil, true, pkg.ErrBufferTooSmall
		}
		return w.msosBuf[:n], true, nil
	}
	return nil, false, nil
}

// Reset restores the default line coding and drops DTR and RTS.
func (w *WebUSB) Reset() {
	w.mutex.Lock()
	w.lineCoding = DefaultLineCoding
	w.mutex.Unlock()
	w.setControlLines(false, false)
}

// SetAlternate accepts only alternate setting 0.
func (w *WebUSB) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// Close unbinds the driver.
func (w *WebUSB) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.commIface = nil
	w.dataIface = nil
	w.notifyEP = nil
	w.dataInEP = nil
	w.dataOutEP = nil
	w.configured = false
	return nil
}

// Read receives one packet from the host.
func (w *WebUSB) Read(ctx context.Context, buf []byte) (int, error) {
	w.mutex.RLock()
	stack, ep, ok := w.stack, w.dataOutEP, w.configured
	w.mutex.RUnlock()

	if !ok || stack == nil {
		return 0, pkg.ErrNotConfigured
	}
	return stack.Read(ctx, ep, buf)
}

// Write sends data to the host.
func (w *WebUSB) Write(ctx context.Context, data []byte) (int, error) {
	w.mutex.RLock()
	stack, ep, ok := w.stack, w.dataInEP, w.configured
	w.mutex.RUnlock()

	if !ok || stack == nil {
		return 0, pkg.ErrNotConfigured
	}
	return stack.Write(ctx, ep, data)
}

// ConfigureDevice adds the function to the current configuration of builder
// and registers its platform capabilities and vendor request handler.
func (w *WebUSB) ConfigureDevice(builder *device.DeviceBuilder, notifyAddr, inAddr, outAddr uint8) *device.DeviceBuilder {
	comm := builder.NextInterfaceNumber()
	data := comm + 1

	w.mutex.Lock()
	w.commNumber = comm
	w.mutex.Unlock()

	var desc [functionalDescriptorsSize]byte
	n := cdc.HeaderDescriptorTo(desc[:], cdc.CDCVersion110)
	n += cdc.ACMDescriptorTo(desc[n:], 0)
	n += cdc.UnionDescriptorTo(desc[n:], comm, data)
	n += cdc.CallManagementDescriptorTo(desc[n:], 0, data)

	WebUSBCapabilityTo(w.webusbCap[:], VendorCodeWebUSB, LandingPageIndex)
	MSOS20CapabilityTo(w.msosCap[:], uint16(DescriptorSetLength(w.guid)), VendorCodeMSOS20, 0)

	return builder.
		AddInterface(device.ClassVendor, SubclassComm, 0).
		WithClassDescriptors(desc[:n]).
		AddEndpointInterval(notifyAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, NotifyPacketSize, NotifyInterval).
		AddInterface(device.ClassVendor, SubclassData, 0).
		AddEndpoint(inAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, DataPacketSize).
		AddEndpoint(outAddr&0x0F, device.EndpointTypeBulk, DataPacketSize).
		WithCapability(device.CapabilityPlatform, w.webusbCap[:]).
		WithCapability(device.CapabilityPlatform, w.msosCap[:]).
		WithVendorHandler(w)
}

// AttachToInterfaces binds the driver to both interfaces of the function
// and registers Reset as a bus reset hook.
func (w *WebUSB) AttachToInterfaces(dev *device.Device, configValue, comm, data uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}
	commIface := config.GetInterface(comm)
	dataIface := config.GetInterface(data)
	if commIface == nil || dataIface == nil {
		return pkg.ErrInvalidRequest
	}

	if err := commIface.SetClassDriver(w); err != nil {
		return err
	}
	if err := dataIface.SetClassDriver(w); err != nil {
		return err
	}
	return dev.AddResetHook(w.Reset)
}

var (
	_ device.ClassDriver   = (*WebUSB)(nil)
	_ device.VendorHandler = (*WebUSB)(nil)
)
