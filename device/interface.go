package device

import (
	"slices"
	"sync"

	"github.com/ardnew/tildabridge/pkg"
)

// Interface is one interface of a configuration and the class driver
// bound to it. Its class-specific descriptors, such as CDC functional
// descriptors, are emitted after the interface descriptor and before its
// endpoints.
type Interface struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	StringIndex      uint8

	mutex       sync.RWMutex
	endpoints   []*Endpoint
	classDesc   []byte
	classDriver ClassDriver
}

// ClassDriver implements the class requests of the interfaces it is bound
// to. One driver may serve several interfaces of a function.
type ClassDriver interface {
	// Init binds the driver to iface and locates its endpoints.
	Init(iface *Interface) error

	// HandleSetup processes a class request addressed to iface. For
	// host-to-device requests data holds the completed data stage. For
	// device-to-host requests the returned slice is sent to the host and
	// truncated to wLength by the stack. handled is false when the request
	// is not recognized, and the stack stalls the control pipe.
	HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (response []byte, handled bool, err error)

	SetAlternate(iface *Interface, alt uint8) error
	Close() error
}

// NewInterface copies the identifying fields of desc.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:           desc.InterfaceNumber,
		AlternateSetting: desc.AlternateSetting,
		Class:            desc.InterfaceClass,
		SubClass:         desc.InterfaceSubClass,
		Protocol:         desc.InterfaceProtocol,
		StringIndex:      desc.InterfaceIndex,
	}
}

// AddEndpoint appends ep. Addresses are unique within the interface, and
// EP0 belongs to the device.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	if ep.Number() == 0 {
		return pkg.ErrInvalidEndpoint
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.findEndpoint(ep.Address) != nil {
		return pkg.ErrBusy
	}
	var err error
	if i.endpoints, err = bounded(i.endpoints, ep, MaxEndpointsPerInterface); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added to interface",
		"interface", i.Number,
		"endpoint", ep.String())
	return nil
}

func (i *Interface) findEndpoint(address uint8) *Endpoint {
	if k := slices.IndexFunc(i.endpoints, func(ep *Endpoint) bool { return ep.Address == address }); k >= 0 {
		return i.endpoints[k]
	}
	return nil
}

func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.findEndpoint(address)
}

// Endpoints returns the endpoints in descriptor order. The slice aliases
// internal storage.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints
}

func (i *Interface) NumEndpoints() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return len(i.endpoints)
}

// SetClassDescriptors copies pre-encoded class-specific descriptors. The
// block must walk cleanly as descriptors.
func (i *Interface) SetClassDescriptors(data []byte) error {
	if len(data) > MaxClassDescriptorSize {
		return pkg.ErrBufferTooSmall
	}
	if err := WalkDescriptors(data, func(uint8, []byte) bool { return true }); err != nil {
		return err
	}
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.classDesc = slices.Clone(data)
	return nil
}

// ClassDescriptors returns the class-specific block, aliasing internal
// storage.
func (i *Interface) ClassDescriptors() []byte {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDesc
}

// SetClassDriver binds driver and runs its Init. A different driver
// previously bound is closed.
func (i *Interface) SetClassDriver(driver ClassDriver) error {
	i.mutex.Lock()
	prev := i.classDriver
	i.classDriver = driver
	i.mutex.Unlock()

	if prev != nil && prev != driver {
		if err := prev.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "error closing previous class driver",
				"error", err)
		}
	}

	// Init runs outside the lock: drivers call back into Endpoints().
	if driver != nil {
		return driver.Init(i)
	}
	return nil
}

func (i *Interface) ClassDriver() ClassDriver {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDriver
}

// HandleSetup forwards a class request to the bound driver.
func (i *Interface) HandleSetup(setup *SetupPacket, data []byte) ([]byte, bool, error) {
	i.mutex.RLock()
	driver := i.classDriver
	i.mutex.RUnlock()

	if driver == nil {
		return nil, false, nil
	}
	return driver.HandleSetup(i, setup, data)
}

// SetAlternate records alt and tells the driver.
func (i *Interface) SetAlternate(alt uint8) error {
	i.mutex.Lock()
	i.AlternateSetting = alt
	driver := i.classDriver
	i.mutex.Unlock()

	if driver != nil {
		return driver.SetAlternate(i, alt)
	}
	return nil
}

// Descriptor builds the interface descriptor with the current endpoint
// count.
func (i *Interface) Descriptor() *InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return &InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(len(i.endpoints)),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// Close unbinds and closes the class driver.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.classDriver
	i.classDriver = nil
	i.mutex.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}
