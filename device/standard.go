package device

import (
	"encoding/binary"

	"github.com/ardnew/tildabridge/pkg"
)

// MaxDescriptorResponseSize bounds a GET_DESCRIPTOR response: the composite
// bridge configuration and its BOS store both fit.
const MaxDescriptorResponseSize = 512

// standardRequest keys the dispatch table by recipient and bRequest.
type standardRequest struct {
	recipient uint8
	request   uint8
}

type standardFunc func(h *StandardRequestHandler, setup *SetupPacket) ([]byte, error)

var standardRequests = map[standardRequest]standardFunc{
	{RequestRecipientDevice, RequestGetStatus}:        (*StandardRequestHandler).deviceStatus,
	{RequestRecipientDevice, RequestClearFeature}:     (*StandardRequestHandler).deviceFeature,
	{RequestRecipientDevice, RequestSetFeature}:       (*StandardRequestHandler).deviceFeature,
	{RequestRecipientDevice, RequestSetAddress}:       (*StandardRequestHandler).setAddress,
	{RequestRecipientDevice, RequestGetDescriptor}:    (*StandardRequestHandler).descriptor,
	{RequestRecipientDevice, RequestGetConfiguration}: (*StandardRequestHandler).configuration,
	{RequestRecipientDevice, RequestSetConfiguration}: (*StandardRequestHandler).setConfiguration,

	{RequestRecipientInterface, RequestGetStatus}:    (*StandardRequestHandler).interfaceStatus,
	{RequestRecipientInterface, RequestClearFeature}: (*StandardRequestHandler).interfaceFeature,
	{RequestRecipientInterface, RequestSetFeature}:   (*StandardRequestHandler).interfaceFeature,
	{RequestRecipientInterface, RequestGetInterface}: (*StandardRequestHandler).alternate,
	{RequestRecipientInterface, RequestSetInterface}: (*StandardRequestHandler).setAlternate,

	{RequestRecipientEndpoint, RequestGetStatus}:    (*StandardRequestHandler).endpointStatus,
	{RequestRecipientEndpoint, RequestClearFeature}: (*StandardRequestHandler).halt,
	{RequestRecipientEndpoint, RequestSetFeature}:   (*StandardRequestHandler).halt,
}

// StandardRequestHandler answers chapter 9 requests for a full-speed device.
// Responses alias an internal buffer and are valid until the next call.
type StandardRequestHandler struct {
	device      *Device
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler returns a handler for dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev}
}

// HandleSetup answers a standard request. Requests the device does not
// implement return pkg.ErrInvalidRequest, and recognised but unsupported
// ones return pkg.ErrNotSupported. Both stall EP0.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket, data []byte) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, pkg.ErrInvalidRequest
	}
	fn, ok := standardRequests[standardRequest{setup.Recipient(), setup.Request}]
	if !ok {
		pkg.LogDebug(pkg.ComponentDevice, "unhandled standard request",
			"recipient", setup.Recipient(),
			"request", setup.Request)
		return nil, pkg.ErrInvalidRequest
	}
	return fn(h, setup)
}

func (h *StandardRequestHandler) status(setup *SetupPacket, v uint16) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], v)
	return h.responseBuf[:2], nil
}

func (h *StandardRequestHandler) deviceStatus(setup *SetupPacket) ([]byte, error) {
	return h.status(setup, uint16(h.device.GetStatus()))
}

// deviceFeature handles remote wakeup. TEST_MODE is a high-speed feature.
func (h *StandardRequestHandler) deviceFeature(setup *SetupPacket) ([]byte, error) {
	switch setup.Value {
	case FeatureDeviceRemoteWakeup:
		h.device.EnableRemoteWakeup(setup.Request == RequestSetFeature)
		return nil, nil
	case FeatureTestMode:
		return nil, pkg.ErrNotSupported
	}
	return nil, pkg.ErrInvalidRequest
}

func (h *StandardRequestHandler) setAddress(setup *SetupPacket) ([]byte, error) {
	return nil, h.device.SetAddress(uint8(setup.Value & 0x7F))
}

func (h *StandardRequestHandler) descriptor(setup *SetupPacket) ([]byte, error) {
	buf := h.responseBuf[:]
	var n int

	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(buf)
	case DescriptorTypeConfiguration:
		config := h.device.GetConfiguration(setup.DescriptorIndex() + 1)
		if config == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = config.MarshalTo(buf)
	case DescriptorTypeString:
		s := h.device.GetString(setup.DescriptorIndex())
		if s == nil {
			return nil, pkg.ErrInvalidRequest
		}
		n = copy(buf, s)
	case DescriptorTypeBOS:
		if n = h.device.MarshalBOSTo(buf); n == 0 {
			return nil, pkg.ErrNotSupported
		}
	case DescriptorTypeDeviceQualifier, DescriptorTypeOtherSpeedConfig:
		// Full-speed only devices stall both.
		return nil, pkg.ErrNotSupported
	default:
		return nil, pkg.ErrInvalidRequest
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return buf[:min(n, int(setup.Length))], nil
}

func (h *StandardRequestHandler) configuration(*SetupPacket) ([]byte, error) {
	h.responseBuf[0] = 0
	if config := h.device.ActiveConfiguration(); config != nil {
		h.responseBuf[0] = config.Value
	}
	return h.responseBuf[:1], nil
}

func (h *StandardRequestHandler) setConfiguration(setup *SetupPacket) ([]byte, error) {
	return nil, h.device.SetConfiguration(uint8(setup.Value))
}

func (h *StandardRequestHandler) iface(setup *SetupPacket) (*Interface, error) {
	iface := h.device.GetInterface(setup.InterfaceNumber())
	if iface == nil {
		return nil, pkg.ErrInvalidRequest
	}
	return iface, nil
}

// interfaceStatus is reserved zero for any existing interface.
func (h *StandardRequestHandler) interfaceStatus(setup *SetupPacket) ([]byte, error) {
	if _, err := h.iface(setup); err != nil {
		return nil, err
	}
	return h.status(setup, 0)
}

// interfaceFeature accepts and ignores; USB 2.0 defines no interface features.
func (h *StandardRequestHandler) interfaceFeature(*SetupPacket) ([]byte, error) {
	return nil, nil
}

func (h *StandardRequestHandler) alternate(setup *SetupPacket) ([]byte, error) {
	iface, err := h.iface(setup)
	if err != nil {
		return nil, err
	}
	h.responseBuf[0] = iface.AlternateSetting
	return h.responseBuf[:1], nil
}

func (h *StandardRequestHandler) setAlternate(setup *SetupPacket) ([]byte, error) {
	iface, err := h.iface(setup)
	if err != nil {
		return nil, err
	}
	return nil, iface.SetAlternate(uint8(setup.Value))
}

func (h *StandardRequestHandler) endpoint(setup *SetupPacket) (*Endpoint, error) {
	ep := h.device.GetEndpoint(setup.EndpointAddress())
	if ep == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	return ep, nil
}

func (h *StandardRequestHandler) endpointStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	ep, err := h.endpoint(setup)
	if err != nil {
		return nil, err
	}
	var halted uint16
	if ep.IsStalled() {
		halted = 1
	}
	return h.status(setup, halted)
}

// halt sets or clears ENDPOINT_HALT, the only endpoint feature.
func (h *StandardRequestHandler) halt(setup *SetupPacket) ([]byte, error) {
	if setup.Value != FeatureEndpointHalt {
		return nil, pkg.ErrInvalidRequest
	}
	ep, err := h.endpoint(setup)
	if err != nil {
		return nil, err
	}
	ep.SetStall(setup.Request == RequestSetFeature)
	return nil, nil
}
